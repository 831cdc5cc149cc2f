package template

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/draycraft/dray/internal/ai"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
)

// Blueprint run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Pipeline drives the generate, validate, critique, refine loop for one
// blueprint run and persists the outcome.
type Pipeline struct {
	database *db.DB
	client   ai.Client
	policy   config.Policy
	logger   *slog.Logger
}

// NewPipeline creates a blueprint pipeline. client defaults to the
// deterministic stub; logger may be nil.
func NewPipeline(database *db.DB, client ai.Client, policy config.Policy, logger *slog.Logger) *Pipeline {
	if client == nil {
		client = ai.NewStub(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{database: database, client: client, policy: policy, logger: logger}
}

type promptEntry struct {
	Task     string `json:"task"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

type critique struct {
	Issues []json.RawMessage `json:"issues"`
	Score  float64           `json:"score"`
}

// Run executes one blueprint run for a template slug against a design
// brief. The run row is persisted in every terminal state; a failed run is
// returned alongside a nil error so callers can inspect it.
func (p *Pipeline) Run(ctx context.Context, slug, brief string) (*db.BlueprintRun, error) {
	run := &db.BlueprintRun{TemplateSlug: slug, Status: RunRunning}
	if err := p.database.SaveBlueprintRun(ctx, run); err != nil {
		return nil, err
	}

	var log []promptEntry
	fail := func(reason string) (*db.BlueprintRun, error) {
		run.Status = RunFailed
		run.Error = reason
		run.PromptLog = marshalLog(log)
		if err := p.database.SaveBlueprintRun(ctx, run); err != nil {
			return nil, err
		}
		p.logger.Warn("blueprint run failed", "run_id", run.ID, "template", slug, "error", reason)
		return run, nil
	}

	prompt := fmt.Sprintf("Generate a schema v%d website blueprint for: %s", SchemaVersion, brief)
	bp, raw, err := p.completeBlueprint(ctx, ai.TaskBlueprintGenerate, prompt, &log)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return fail(err.Error())
	}

	maxIterations := p.policy.BlueprintMaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	var lastHash string
	var hardChecks []string
	var crit critique
	for iteration := 1; iteration <= maxIterations; iteration++ {
		run.Iterations = iteration
		run.BlueprintJSON = string(raw)
		run.BlueprintHash = hashBlueprint(raw)

		// A refinement that reproduces the previous blueprint will never
		// converge; stop instead of burning iterations.
		if run.BlueprintHash == lastHash {
			return fail("refinement produced an identical blueprint")
		}
		lastHash = run.BlueprintHash

		hardChecks = Validate(bp)
		crit = critique{Score: 1}
		if len(hardChecks) == 0 {
			critRaw, err := p.complete(ctx, ai.TaskBlueprintCritique,
				fmt.Sprintf("Critique this blueprint for: %s\n%s", brief, raw), &log)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				return fail(err.Error())
			}
			if err := ai.DecodeJSON(critRaw, &crit); err != nil {
				return fail(fmt.Sprintf("critique response: %v", err))
			}
			if len(crit.Issues) == 0 {
				break
			}
		}
		if iteration == maxIterations {
			break
		}

		feedback, _ := json.Marshal(map[string]any{
			"hard_check_failures": hardChecks,
			"critique_issues":     crit.Issues,
		})
		bp, raw, err = p.completeBlueprint(ctx, ai.TaskBlueprintRefine,
			fmt.Sprintf("Refine this blueprint.\nBlueprint: %s\nFeedback: %s", raw, feedback), &log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return fail(err.Error())
		}
	}

	scorecard, _ := json.Marshal(map[string]any{
		"score":      crit.Score,
		"issues":     crit.Issues,
		"iterations": run.Iterations,
	})
	run.Scorecard = string(scorecard)
	run.HardChecks = marshalChecks(hardChecks)
	run.PromptLog = marshalLog(log)

	if len(hardChecks) > 0 {
		run.Status = RunFailed
		run.Error = fmt.Sprintf("blueprint failed %d hard checks after %d iterations", len(hardChecks), run.Iterations)
	} else {
		run.Status = RunSuccess
	}
	if err := p.database.SaveBlueprintRun(ctx, run); err != nil {
		return nil, err
	}
	p.logger.Info("blueprint run finished",
		"run_id", run.ID, "template", slug, "status", run.Status, "iterations", run.Iterations)
	return run, nil
}

// Promote writes a successful run's blueprint into the template registry,
// bumping the version past any existing entry.
func (p *Pipeline) Promote(ctx context.Context, run *db.BlueprintRun, name string) (*db.Template, error) {
	if run.Status != RunSuccess {
		return nil, fmt.Errorf("promote blueprint run %s: status is %s", run.ID, run.Status)
	}
	t, err := p.database.GetTemplate(ctx, run.TemplateSlug)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &db.Template{Slug: run.TemplateSlug, Name: name}
	} else {
		t.Version++
	}
	if name != "" {
		t.Name = name
	}
	t.Status = db.TemplateValidated
	t.BlueprintJSON = run.BlueprintJSON
	t.BlueprintHash = run.BlueprintHash
	if err := p.database.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// completeBlueprint asks the collaborator for a blueprint document. A
// non-parsing response gets exactly one repair attempt before failing.
func (p *Pipeline) completeBlueprint(ctx context.Context, task, prompt string, log *[]promptEntry) (*Blueprint, []byte, error) {
	raw, err := p.complete(ctx, task, prompt, log)
	if err != nil {
		return nil, nil, err
	}

	cleaned := []byte(ai.StripFences(raw))
	bp, _, err := ParseBlueprint(cleaned)
	if err == nil {
		return bp, cleaned, nil
	}

	repaired, repairErr := p.complete(ctx, task,
		fmt.Sprintf("The previous response was not valid JSON (%v). Return only the corrected blueprint JSON.\n%s", err, ai.Redact(raw)),
		log)
	if repairErr != nil {
		return nil, nil, repairErr
	}
	cleaned = []byte(ai.StripFences(repaired))
	bp, _, err = ParseBlueprint(cleaned)
	if err != nil {
		return nil, nil, fmt.Errorf("blueprint did not parse after repair: %w", err)
	}
	return bp, cleaned, nil
}

func (p *Pipeline) complete(ctx context.Context, task, prompt string, log *[]promptEntry) (string, error) {
	raw, err := p.client.Complete(ctx, task, prompt)
	if err != nil {
		return "", fmt.Errorf("%s: %w", task, err)
	}
	*log = append(*log, promptEntry{Task: task, Prompt: ai.Redact(prompt), Response: ai.Redact(raw)})
	return raw, nil
}

func marshalLog(entries []promptEntry) string {
	if len(entries) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(entries)
	return string(data)
}

func marshalChecks(checks []string) string {
	if len(checks) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(checks)
	return string(data)
}

// hashBlueprint hashes the canonical form of a blueprint document so
// whitespace and key order never produce distinct hashes.
func hashBlueprint(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return contract.HashString(string(raw))
	}
	h, err := contract.Hash(v)
	if err != nil {
		return contract.HashString(string(raw))
	}
	return h
}
