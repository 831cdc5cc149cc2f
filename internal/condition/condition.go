// Package condition implements the small, total, side-effect-free expression
// language used by HITL gate policies and readiness checks. Conditions are
// evaluated against the delivery-contract JSON; path lookup is gjson
// dot-path resolution, so integer segments index into arrays.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// maxDepth bounds tree recursion. Deeper trees fail closed on the branch.
const maxDepth = 32

// Condition is a single {path, op, value} check.
type Condition struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Tree is either a single condition, an all-of list, or an any-of list.
// A nil tree passes.
type Tree struct {
	All  []*Tree
	Any  []*Tree
	Cond *Condition
}

// UnmarshalJSON decodes the tree shape: {"all": [...]}, {"any": [...]}, or
// a bare condition object. Malformed nodes decode to an empty tree, which
// passes; evaluation must never fail on bad input.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var probe struct {
		All []json.RawMessage `json:"all"`
		Any []json.RawMessage `json:"any"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	if probe.All != nil {
		for _, raw := range probe.All {
			var child Tree
			_ = json.Unmarshal(raw, &child)
			t.All = append(t.All, &child)
		}
		return nil
	}
	if probe.Any != nil {
		for _, raw := range probe.Any {
			var child Tree
			_ = json.Unmarshal(raw, &child)
			t.Any = append(t.Any, &child)
		}
		return nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err == nil && c.Path != "" {
		t.Cond = &c
	}
	return nil
}

// Parse decodes a condition tree from JSON. Empty or malformed input
// returns a nil tree, which passes.
func Parse(raw string) *Tree {
	if raw == "" {
		return nil
	}
	var t Tree
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil
	}
	if t.All == nil && t.Any == nil && t.Cond == nil {
		return nil
	}
	return &t
}

// Evaluate checks tree against the context document. It is total: any tree
// shape and any document return a verdict and reasons, never an error.
// Reasons carry the failing path and operator in human form.
func Evaluate(tree *Tree, doc string) (bool, []string) {
	return eval(tree, doc, 0)
}

func eval(tree *Tree, doc string, depth int) (bool, []string) {
	if tree == nil {
		return true, nil
	}
	if depth > maxDepth {
		return false, []string{"condition tree exceeds maximum depth"}
	}

	switch {
	case tree.All != nil:
		var reasons []string
		passed := true
		for _, child := range tree.All {
			ok, rs := eval(child, doc, depth+1)
			if !ok {
				passed = false
				reasons = append(reasons, rs...)
			}
		}
		return passed, reasons
	case tree.Any != nil:
		if len(tree.Any) == 0 {
			return true, nil
		}
		var reasons []string
		for _, child := range tree.Any {
			ok, rs := eval(child, doc, depth+1)
			if ok {
				return true, nil
			}
			reasons = append(reasons, rs...)
		}
		return false, append([]string{"no alternative passed:"}, reasons...)
	case tree.Cond != nil:
		return evalCondition(tree.Cond, doc)
	default:
		return true, nil
	}
}

func evalCondition(c *Condition, doc string) (bool, []string) {
	val := gjson.Get(doc, c.Path)

	ok := applyOp(c.Op, val, c.Value)
	if ok {
		return true, nil
	}
	return false, []string{fmt.Sprintf("%s %s %s failed (got %s)", c.Path, c.Op, literal(c.Value), summarize(val))}
}

// applyOp evaluates one operator. Unknown operators pass.
func applyOp(op string, val gjson.Result, want any) bool {
	switch op {
	case "exists":
		return exists(val)
	case "==":
		return equal(val, want)
	case "!=":
		return val.Exists() && !equal(val, want)
	case ">=", "<=", ">", "<":
		a, aok := toNumber(val)
		b, bok := numberOf(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		case ">":
			return a > b
		default:
			return a < b
		}
	case "contains":
		return contains(val, want)
	case "in":
		items, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equal(val, item) {
				return true
			}
		}
		return false
	default:
		// Unknown operators pass: policy typos must not block pipelines.
		return true
	}
}

// exists is non-null and non-empty.
func exists(val gjson.Result) bool {
	if !val.Exists() || val.Type == gjson.Null {
		return false
	}
	if val.Type == gjson.String && val.Str == "" {
		return false
	}
	if val.IsArray() && len(val.Array()) == 0 {
		return false
	}
	if val.IsObject() && len(val.Map()) == 0 {
		return false
	}
	return true
}

func equal(val gjson.Result, want any) bool {
	if !val.Exists() {
		return want == nil
	}
	switch w := want.(type) {
	case nil:
		return val.Type == gjson.Null
	case string:
		return val.Type == gjson.String && val.Str == w
	case bool:
		return val.IsBool() && val.Bool() == w
	case float64:
		n, ok := toNumber(val)
		return ok && n == w
	case int:
		n, ok := toNumber(val)
		return ok && n == float64(w)
	default:
		return false
	}
}

// toNumber coerces a JSON value to float64. Numeric strings coerce too.
func toNumber(val gjson.Result) (float64, bool) {
	switch val.Type {
	case gjson.Number:
		return val.Num, true
	case gjson.String:
		n, err := strconv.ParseFloat(val.Str, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// contains is substring for strings, membership for sequences.
func contains(val gjson.Result, want any) bool {
	if val.Type == gjson.String {
		s, ok := want.(string)
		if !ok {
			return false
		}
		return s != "" && strings.Contains(val.Str, s)
	}
	if val.IsArray() {
		for _, item := range val.Array() {
			if equal(item, want) {
				return true
			}
		}
	}
	return false
}

func literal(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func summarize(val gjson.Result) string {
	if !val.Exists() {
		return "missing"
	}
	if val.Type == gjson.Null {
		return "null"
	}
	s := val.String()
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}
