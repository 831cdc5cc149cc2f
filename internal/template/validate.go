package template

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
)

// LighthouseScores are category scores on the 0-100 scale.
type LighthouseScores struct {
	Performance   int `json:"performance"`
	Accessibility int `json:"accessibility"`
	BestPractices int `json:"best_practices"`
	SEO           int `json:"seo"`
}

// AxeFinding is one accessibility violation reported by a runner.
type AxeFinding struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Selector string `json:"selector,omitempty"`
}

// Report is one runner's contribution to a validation pass. Runners fill
// only the slices they know about.
type Report struct {
	Lighthouse *LighthouseScores `json:"lighthouse,omitempty"`
	Axe        []AxeFinding      `json:"axe,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
}

// Runner is an external check (Lighthouse, axe, HTML validator, visual
// regression) run against a preview URL.
type Runner interface {
	Name() string
	Run(ctx context.Context, previewURL string) (*Report, error)
}

// Validator aggregates runner reports into a persisted scorecard and gates
// pass/fail against the policy thresholds.
type Validator struct {
	database *db.DB
	runners  []Runner
	policy   config.Policy
	logger   *slog.Logger
}

// NewValidator creates a validator over the given runners.
func NewValidator(database *db.DB, runners []Runner, policy config.Policy, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{database: database, runners: runners, policy: policy, logger: logger}
}

// Validate runs every runner against the preview and persists the
// aggregated result. Identical inputs (same blueprint, preview, and
// thresholds) reuse the stored result instead of re-running.
func (v *Validator) Validate(ctx context.Context, t *db.Template, previewURL string) (*db.ValidationResult, error) {
	resultsHash, err := contract.Hash(map[string]any{
		"blueprint_hash":       t.BlueprintHash,
		"preview_url":          previewURL,
		"lighthouse_floor":     v.policy.LighthouseFloor,
		"axe_block_severities": v.policy.AxeBlockSeverities,
	})
	if err != nil {
		return nil, fmt.Errorf("hash validation inputs: %w", err)
	}

	existing, err := v.database.FindValidationResult(ctx, resultsHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		v.logger.Debug("validation skipped, identical inputs",
			"template", t.Slug, "results_hash", resultsHash)
		return existing, nil
	}

	var (
		lighthouse *LighthouseScores
		findings   []AxeFinding
		notes      []string
	)
	for _, runner := range v.runners {
		report, err := runner.Run(ctx, previewURL)
		if err != nil {
			return nil, fmt.Errorf("runner %s: %w", runner.Name(), err)
		}
		if report == nil {
			continue
		}
		if report.Lighthouse != nil {
			lighthouse = mergeLighthouse(lighthouse, report.Lighthouse)
		}
		findings = append(findings, report.Axe...)
		notes = append(notes, report.Notes...)
	}

	failures := v.gate(lighthouse, findings)
	callouts := v.callouts(findings)

	scorecard, _ := json.Marshal(map[string]any{
		"lighthouse": lighthouse,
		"axe": map[string]int{
			"critical": countSeverity(findings, "critical"),
			"serious":  countSeverity(findings, "serious"),
		},
		"callouts": callouts,
		"failures": failures,
		"notes":    notes,
	})

	result := &db.ValidationResult{
		TemplateSlug: t.Slug,
		PreviewURL:   previewURL,
		ResultsHash:  resultsHash,
		Scorecard:    string(scorecard),
		Passed:       len(failures) == 0,
	}
	if err := v.database.SaveValidationResult(ctx, result); err != nil {
		return nil, err
	}
	v.logger.Info("validation finished",
		"template", t.Slug, "passed", result.Passed, "failures", len(failures))
	return result, nil
}

// gate returns the threshold failures that block a pass.
func (v *Validator) gate(lh *LighthouseScores, findings []AxeFinding) []string {
	var failures []string
	floor := v.policy.LighthouseFloor
	if lh == nil {
		failures = append(failures, "no lighthouse report produced")
	} else {
		checks := []struct {
			name  string
			score int
			floor int
		}{
			{"performance", lh.Performance, floor.Performance},
			{"accessibility", lh.Accessibility, floor.Accessibility},
			{"best_practices", lh.BestPractices, floor.BestPractices},
			{"seo", lh.SEO, floor.SEO},
		}
		for _, c := range checks {
			if c.score < c.floor {
				failures = append(failures, fmt.Sprintf("lighthouse %s %d below floor %d", c.name, c.score, c.floor))
			}
		}
	}

	blocked := make(map[string]bool, len(v.policy.AxeBlockSeverities))
	for _, severity := range v.policy.AxeBlockSeverities {
		blocked[severity] = true
	}
	for _, f := range findings {
		if blocked[f.Severity] {
			failures = append(failures, fmt.Sprintf("axe %s violation: %s", f.Severity, f.Rule))
		}
	}
	return failures
}

// callouts surfaces the non-blocking findings, capped by policy.
func (v *Validator) callouts(findings []AxeFinding) []AxeFinding {
	blocked := make(map[string]bool, len(v.policy.AxeBlockSeverities))
	for _, severity := range v.policy.AxeBlockSeverities {
		blocked[severity] = true
	}
	max := v.policy.AxeCalloutMax
	if max <= 0 {
		max = 5
	}
	var out []AxeFinding
	for _, f := range findings {
		if blocked[f.Severity] {
			continue
		}
		out = append(out, f)
		if len(out) == max {
			break
		}
	}
	return out
}

// mergeLighthouse keeps the worst score per category across runners.
func mergeLighthouse(a, b *LighthouseScores) *LighthouseScores {
	if a == nil {
		c := *b
		return &c
	}
	if b.Performance < a.Performance {
		a.Performance = b.Performance
	}
	if b.Accessibility < a.Accessibility {
		a.Accessibility = b.Accessibility
	}
	if b.BestPractices < a.BestPractices {
		a.BestPractices = b.BestPractices
	}
	if b.SEO < a.SEO {
		a.SEO = b.SEO
	}
	return a
}

func countSeverity(findings []AxeFinding, severity string) int {
	n := 0
	for _, f := range findings {
		if f.Severity == severity {
			n++
		}
	}
	return n
}
