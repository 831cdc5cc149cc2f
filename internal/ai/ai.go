// Package ai defines the narrow collaborator interface the core depends on
// for blueprint generation, critique, refinement, copy validation, and
// assignment re-ranking: prompt in, JSON string out. Implementations are a
// real model client or a deterministic stub; the router picks per task tag.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Task tags. The router's basic-mode whitelist and the stub's canned
// responses are keyed by these.
const (
	TaskBlueprintGenerate = "blueprint_generate"
	TaskBlueprintCritique = "blueprint_critique"
	TaskBlueprintRefine   = "blueprint_refine"
	TaskCopyValidate      = "copy_validate"
	TaskAssignRerank      = "assign_rerank"
)

// Collaborator modes.
const (
	ModeDisabled = "disabled"
	ModeBasic    = "basic"
	ModeFull     = "full"
)

// Client returns a JSON string for a prompt, or an error.
type Client interface {
	Complete(ctx context.Context, taskTag, prompt string) (string, error)
}

// Router dispatches between a real model client and the stub based on mode:
// disabled always stubs, basic uses the model only for whitelisted tags,
// full uses the model for everything.
type Router struct {
	mode      string
	model     Client
	stub      Client
	whitelist map[string]bool
}

// NewRouter creates a router. model may be nil, which forces stub behavior
// regardless of mode.
func NewRouter(mode string, model Client, whitelist []string) *Router {
	wl := make(map[string]bool, len(whitelist))
	for _, tag := range whitelist {
		wl[tag] = true
	}
	return &Router{mode: mode, model: model, stub: NewStub(nil), whitelist: wl}
}

// Complete dispatches to the model or the stub.
func (r *Router) Complete(ctx context.Context, taskTag, prompt string) (string, error) {
	if r.model == nil {
		return r.stub.Complete(ctx, taskTag, prompt)
	}
	switch r.mode {
	case ModeFull:
		return r.model.Complete(ctx, taskTag, prompt)
	case ModeBasic:
		if r.whitelist[taskTag] {
			return r.model.Complete(ctx, taskTag, prompt)
		}
	}
	return r.stub.Complete(ctx, taskTag, prompt)
}

// Stub is a deterministic Client returning fixed shapes per task tag.
// Used in disabled mode and throughout the tests.
type Stub struct {
	responses map[string]string
}

// NewStub creates a stub. responses maps task tags to canned JSON;
// unmapped tags get a sensible empty shape.
func NewStub(responses map[string]string) *Stub {
	return &Stub{responses: responses}
}

func (s *Stub) Complete(_ context.Context, taskTag, _ string) (string, error) {
	if r, ok := s.responses[taskTag]; ok {
		return r, nil
	}
	switch taskTag {
	case TaskBlueprintCritique:
		return `{"issues":[],"score":1.0}`, nil
	case TaskAssignRerank:
		return `{"order":[]}`, nil
	default:
		return `{}`, nil
	}
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// StripFences removes Markdown code fences around a model response. When
// the response contains a fenced block, only the first block's content is
// returned; otherwise the input passes through trimmed.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// DecodeJSON strictly parses a model response into v after stripping code
// fences. Partial or trailing content is an error; the core never consumes
// partial JSON.
func DecodeJSON(raw string, v any) error {
	cleaned := StripFences(raw)
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode ai response: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode ai response: trailing content")
	}
	return nil
}

var (
	secretKeyRe = regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`)
	apiKeyRe    = regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)[^\s"'&]+`)
)

// Redact masks secret material in raw model output before it is persisted
// to prompt logs.
func Redact(s string) string {
	s = secretKeyRe.ReplaceAllString(s, "sk-[REDACTED]")
	s = apiKeyRe.ReplaceAllString(s, "${1}[REDACTED]")
	return s
}
