package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Template registry statuses.
const (
	TemplateDraft      = "draft"
	TemplateValidated  = "validated"
	TemplateDeprecated = "deprecated"
)

// Template is one registry entry: a named, versioned blueprint.
type Template struct {
	Slug          string
	Name          string
	Version       int
	Status        string
	BlueprintJSON string
	BlueprintHash string
	Performance   string // JSON: performance_metrics
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SaveTemplate creates or updates a registry entry.
func (d *DB) SaveTemplate(ctx context.Context, t *Template) error {
	if t.Slug == "" {
		return fmt.Errorf("save template: empty slug")
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TemplateDraft
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Performance == "" {
		t.Performance = "{}"
	}

	_, err := d.Exec(ctx, `
		INSERT INTO templates (slug, name, version, status, blueprint_json, blueprint_hash,
			performance_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			status = excluded.status,
			blueprint_json = excluded.blueprint_json,
			blueprint_hash = excluded.blueprint_hash,
			performance_json = excluded.performance_json,
			updated_at = excluded.updated_at`,
		t.Slug, t.Name, t.Version, t.Status, t.BlueprintJSON, t.BlueprintHash,
		t.Performance, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.Slug, err)
	}
	return nil
}

// GetTemplate returns a template by slug, or nil.
func (d *DB) GetTemplate(ctx context.Context, slug string) (*Template, error) {
	row := d.QueryRow(ctx, `SELECT slug, name, version, status, blueprint_json, blueprint_hash,
		performance_json, created_at, updated_at FROM templates WHERE slug = ?`, slug)
	var t Template
	var createdAt, updatedAt string
	err := row.Scan(&t.Slug, &t.Name, &t.Version, &t.Status, &t.BlueprintJSON, &t.BlueprintHash,
		&t.Performance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", slug, err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// BlueprintRun is one generate-critique-refine pipeline execution.
type BlueprintRun struct {
	ID            string
	TemplateSlug  string
	Status        string // queued, running, success, failed
	Iterations    int
	BlueprintJSON string
	BlueprintHash string
	Scorecard     string // JSON
	HardChecks    string // JSON: []string failures
	PromptLog     string // JSON: redacted prompt/response pairs
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SaveBlueprintRun creates or updates a blueprint run.
func (d *DB) SaveBlueprintRun(ctx context.Context, r *BlueprintRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = "queued"
	}
	if r.Scorecard == "" {
		r.Scorecard = "{}"
	}
	if r.HardChecks == "" {
		r.HardChecks = "[]"
	}
	if r.PromptLog == "" {
		r.PromptLog = "[]"
	}

	_, err := d.Exec(ctx, `
		INSERT INTO blueprint_runs (id, template_slug, status, iterations, blueprint_json,
			blueprint_hash, scorecard_json, hard_checks, prompt_log, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			iterations = excluded.iterations,
			blueprint_json = excluded.blueprint_json,
			blueprint_hash = excluded.blueprint_hash,
			scorecard_json = excluded.scorecard_json,
			hard_checks = excluded.hard_checks,
			prompt_log = excluded.prompt_log,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.ID, r.TemplateSlug, r.Status, r.Iterations, r.BlueprintJSON,
		r.BlueprintHash, r.Scorecard, r.HardChecks, r.PromptLog, r.Error,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save blueprint run %s: %w", r.ID, err)
	}
	return nil
}

// GetBlueprintRun returns a blueprint run by ID, or nil.
func (d *DB) GetBlueprintRun(ctx context.Context, id string) (*BlueprintRun, error) {
	row := d.QueryRow(ctx, `SELECT id, template_slug, status, iterations, blueprint_json,
		blueprint_hash, scorecard_json, hard_checks, prompt_log, error, created_at, updated_at
		FROM blueprint_runs WHERE id = ?`, id)
	var r BlueprintRun
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.TemplateSlug, &r.Status, &r.Iterations, &r.BlueprintJSON,
		&r.BlueprintHash, &r.Scorecard, &r.HardChecks, &r.PromptLog, &r.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint run %s: %w", id, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// ValidationResult is an aggregated runner scorecard keyed by results hash.
type ValidationResult struct {
	ID           string
	TemplateSlug string
	PreviewURL   string
	ResultsHash  string
	Scorecard    string // JSON
	Passed       bool
	CreatedAt    time.Time
}

// SaveValidationResult writes an aggregated validation scorecard.
func (d *DB) SaveValidationResult(ctx context.Context, v *ValidationResult) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if v.Scorecard == "" {
		v.Scorecard = "{}"
	}
	_, err := d.Exec(ctx, `INSERT INTO validation_results (id, template_slug, preview_url,
		results_hash, scorecard_json, passed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TemplateSlug, v.PreviewURL, v.ResultsHash, v.Scorecard,
		boolToInt(v.Passed), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("save validation result: %w", err)
	}
	return nil
}

// FindValidationResult returns the most recent result for a results hash, or nil.
// Identical inputs skip re-validation.
func (d *DB) FindValidationResult(ctx context.Context, resultsHash string) (*ValidationResult, error) {
	row := d.QueryRow(ctx, `SELECT id, template_slug, preview_url, results_hash,
		scorecard_json, passed, created_at
		FROM validation_results WHERE results_hash = ?
		ORDER BY created_at DESC LIMIT 1`, resultsHash)
	var v ValidationResult
	var passed int
	var createdAt string
	err := row.Scan(&v.ID, &v.TemplateSlug, &v.PreviewURL, &v.ResultsHash,
		&v.Scorecard, &passed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find validation result: %w", err)
	}
	v.Passed = passed != 0
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

// FindLatestValidationResult returns the most recent result for a template
// slug, or nil.
func (d *DB) FindLatestValidationResult(ctx context.Context, slug string) (*ValidationResult, error) {
	row := d.QueryRow(ctx, `SELECT id, template_slug, preview_url, results_hash,
		scorecard_json, passed, created_at
		FROM validation_results WHERE template_slug = ?
		ORDER BY created_at DESC LIMIT 1`, slug)
	var v ValidationResult
	var passed int
	var createdAt string
	err := row.Scan(&v.ID, &v.TemplateSlug, &v.PreviewURL, &v.ResultsHash,
		&v.Scorecard, &passed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest validation result %s: %w", slug, err)
	}
	v.Passed = passed != 0
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

// ProjectTemplate links a project to its selected template instance.
type ProjectTemplate struct {
	ProjectID         string
	TemplateSlug      string
	TemplateVersion   int
	BlueprintRef      string
	Validated         bool
	FallbackConfirmed bool
	UpdatedAt         time.Time
}

// SaveProjectTemplate creates or updates a project's template selection.
func (d *DB) SaveProjectTemplate(ctx context.Context, pt *ProjectTemplate) error {
	if pt.ProjectID == "" {
		return fmt.Errorf("save project template: empty project id")
	}
	pt.UpdatedAt = time.Now()
	if pt.TemplateVersion == 0 {
		pt.TemplateVersion = 1
	}
	_, err := d.Exec(ctx, `
		INSERT INTO project_templates (project_id, template_slug, template_version,
			blueprint_ref, validated, fallback_confirmed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			template_slug = excluded.template_slug,
			template_version = excluded.template_version,
			blueprint_ref = excluded.blueprint_ref,
			validated = excluded.validated,
			fallback_confirmed = excluded.fallback_confirmed,
			updated_at = excluded.updated_at`,
		pt.ProjectID, pt.TemplateSlug, pt.TemplateVersion, pt.BlueprintRef,
		boolToInt(pt.Validated), boolToInt(pt.FallbackConfirmed), formatTime(pt.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save project template %s: %w", pt.ProjectID, err)
	}
	return nil
}

// GetProjectTemplate returns a project's template selection, or nil.
func (d *DB) GetProjectTemplate(ctx context.Context, projectID string) (*ProjectTemplate, error) {
	row := d.QueryRow(ctx, `SELECT project_id, template_slug, template_version, blueprint_ref,
		validated, fallback_confirmed, updated_at
		FROM project_templates WHERE project_id = ?`, projectID)
	var pt ProjectTemplate
	var validated, fallback int
	var updatedAt string
	err := row.Scan(&pt.ProjectID, &pt.TemplateSlug, &pt.TemplateVersion, &pt.BlueprintRef,
		&validated, &fallback, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project template %s: %w", projectID, err)
	}
	pt.Validated = validated != 0
	pt.FallbackConfirmed = fallback != 0
	pt.UpdatedAt = parseTime(updatedAt)
	return &pt, nil
}
