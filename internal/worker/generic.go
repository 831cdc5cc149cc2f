package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/metrics"
	"github.com/draycraft/dray/internal/queue"
	"github.com/draycraft/dray/internal/template"
)

// Generic job types.
const (
	JobTemplateRun         = "template_run"
	JobTemplatePreview     = "template_preview"
	JobTemplateValidate    = "template_validate"
	JobTemplatePerformance = "template_performance"
	JobTemplateEvolve      = "template_evolve"
)

// templatePayload is the payload shape shared by the template job types.
// Each type reads the fields it needs.
type templatePayload struct {
	Slug       string                    `json:"slug"`
	Brief      string                    `json:"brief,omitempty"`
	Name       string                    `json:"name,omitempty"`
	Promote    bool                      `json:"promote,omitempty"`
	PreviewURL string                    `json:"preview_url,omitempty"`
	AssetDir   string                    `json:"asset_dir,omitempty"`
	Dataset    map[string]string         `json:"dataset,omitempty"`
	Outcomes   []template.ProjectOutcome `json:"outcomes,omitempty"`
}

// GenericRuntime drains the typed template job queue.
type GenericRuntime struct {
	database  *db.DB
	queue     *queue.GenericQueue
	pipeline  *template.Pipeline
	renderer  *template.Renderer
	validator *template.Validator
	publisher events.Publisher
	policy    config.Policy
	workerID  string
	poll      time.Duration
	logger    *slog.Logger
}

// NewGenericRuntime creates a generic worker. publisher and logger may be
// nil; poll <= 0 defaults to 2s.
func NewGenericRuntime(database *db.DB, q *queue.GenericQueue, p *template.Pipeline,
	renderer *template.Renderer, validator *template.Validator, publisher events.Publisher,
	policy config.Policy, workerID string, poll time.Duration, logger *slog.Logger) *GenericRuntime {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenericRuntime{
		database:  database,
		queue:     q,
		pipeline:  p,
		renderer:  renderer,
		validator: validator,
		publisher: publisher,
		policy:    policy,
		workerID:  workerID,
		poll:      poll,
		logger:    logger,
	}
}

// Run polls until ctx is canceled. Jobs run one at a time: the template
// pipelines are model-bound, not CPU-bound.
func (g *GenericRuntime) Run(ctx context.Context) error {
	g.logger.Info("generic worker started", "worker_id", g.workerID, "poll", g.poll)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := g.queue.ReapExpired(ctx); err != nil {
			g.logger.Warn("lease reap failed", "error", err)
		}
		job, err := g.queue.Claim(ctx, g.workerID)
		if err != nil {
			g.logger.Warn("generic claim failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}
		g.execute(ctx, job)
	}
}

// execute runs one job under a lease heartbeat.
func (g *GenericRuntime) execute(ctx context.Context, job *db.Job) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	// The job outlives a shutdown signal: drain means finish, not abandon.
	runCtx := context.WithoutCancel(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	go g.heartbeat(hbCtx, job.ID)

	result, err := g.dispatch(runCtx, job)
	if err != nil {
		if _, ferr := g.queue.MarkFailed(runCtx, job.ID, err.Error(), true); ferr != nil {
			g.logger.Error("mark generic failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	if _, err := g.queue.MarkSuccess(runCtx, job.ID, result); err != nil {
		g.logger.Error("mark generic success", "job_id", job.ID, "error", err)
	}
}

// heartbeat extends the lease at a third of its duration until stopped.
func (g *GenericRuntime) heartbeat(ctx context.Context, jobID string) {
	interval := g.policy.GenericJobLease() / 3
	if interval <= 0 {
		interval = 40 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.queue.ExtendLease(ctx, jobID, g.workerID); err != nil {
				g.logger.Warn("lease extension failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (g *GenericRuntime) dispatch(ctx context.Context, job *db.Job) (string, error) {
	var payload templatePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", fmt.Errorf("parse payload for %s job %s: %w", job.Type, job.ID, err)
	}
	if payload.Slug == "" {
		return "", fmt.Errorf("%s job %s has no template slug", job.Type, job.ID)
	}

	switch job.Type {
	case JobTemplateRun:
		return g.runBlueprint(ctx, payload)
	case JobTemplatePreview:
		return g.renderPreview(ctx, payload)
	case JobTemplateValidate:
		return g.validatePreview(ctx, payload)
	case JobTemplatePerformance:
		return g.aggregatePerformance(ctx, payload)
	case JobTemplateEvolve:
		return g.proposeEvolution(ctx, payload)
	}
	return "", fmt.Errorf("unknown generic job type %s", job.Type)
}

// runBlueprint executes a blueprint run and optionally promotes the result
// into the registry. A business-level run failure is a successful job: the
// outcome lives in the blueprint_runs row.
func (g *GenericRuntime) runBlueprint(ctx context.Context, payload templatePayload) (string, error) {
	run, err := g.pipeline.Run(ctx, payload.Slug, payload.Brief)
	if err != nil {
		return "", err
	}
	out := map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"iterations": run.Iterations,
	}
	if run.Status == template.RunSuccess && payload.Promote {
		tmpl, err := g.pipeline.Promote(ctx, run, payload.Name)
		if err != nil {
			return "", err
		}
		out["template_version"] = tmpl.Version
	}
	return marshalResult(out)
}

func (g *GenericRuntime) renderPreview(ctx context.Context, payload templatePayload) (string, error) {
	tmpl, err := g.registryTemplate(ctx, payload.Slug)
	if err != nil {
		return "", err
	}
	preview, err := g.renderer.Render(ctx, tmpl, payload.Dataset, payload.AssetDir)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"url":           preview.URL,
		"thumbnail_url": preview.ThumbnailURL,
		"bundle_bytes":  preview.BundleBytes,
		"asset_count":   preview.AssetCount,
	})
}

func (g *GenericRuntime) validatePreview(ctx context.Context, payload templatePayload) (string, error) {
	if payload.PreviewURL == "" {
		return "", fmt.Errorf("validate job for %s has no preview URL", payload.Slug)
	}
	tmpl, err := g.registryTemplate(ctx, payload.Slug)
	if err != nil {
		return "", err
	}
	result, err := g.validator.Validate(ctx, tmpl, payload.PreviewURL)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"result_id": result.ID,
		"passed":    result.Passed,
	})
}

func (g *GenericRuntime) aggregatePerformance(ctx context.Context, payload templatePayload) (string, error) {
	m, err := template.AggregatePerformance(ctx, g.database, g.policy, payload.Slug, payload.Outcomes)
	if err != nil {
		return "", err
	}
	if m == nil {
		return marshalResult(map[string]any{"projects": 0})
	}
	return marshalResult(map[string]any{
		"score":    m.Score,
		"projects": m.Projects,
	})
}

func (g *GenericRuntime) proposeEvolution(ctx context.Context, payload templatePayload) (string, error) {
	proposals, err := template.ProposeEvolution(ctx, g.database, g.publisher, payload.Slug)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{"proposals": len(proposals)})
}

func (g *GenericRuntime) registryTemplate(ctx context.Context, slug string) (*db.Template, error) {
	tmpl, err := g.database.GetTemplate(ctx, slug)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s is not in the registry", slug)
	}
	return tmpl, nil
}

func marshalResult(v map[string]any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal job result: %w", err)
	}
	return string(raw), nil
}
