// Package contract builds the versioned per-project delivery contract: the
// canonical JSON snapshot every gate decision and stage job reads. Nothing
// else in the core inspects project rows directly when deciding what to do.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

// SchemaVersion is the contract document schema, bumped only on breaking
// shape changes.
const SchemaVersion = 1

// Builder projects database state into the contract document and persists
// versioned snapshots.
type Builder struct {
	database  *db.DB
	publisher events.Publisher
	logger    *slog.Logger
}

// NewBuilder creates a contract builder. publisher and logger may be nil.
func NewBuilder(database *db.DB, publisher events.Publisher, logger *slog.Logger) *Builder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{database: database, publisher: publisher, logger: logger}
}

// Get returns the stored contract row for a project, or nil.
func (b *Builder) Get(ctx context.Context, projectID string) (*db.Contract, error) {
	return b.database.GetContract(ctx, projectID)
}

// CreateOrUpdate rebuilds the contract document for a project and persists
// it. Idempotent by content hash: an unchanged projection keeps the current
// version. Returns the resulting version and whether a new snapshot was
// written.
func (b *Builder) CreateOrUpdate(ctx context.Context, projectID, source string) (int, bool, error) {
	doc, err := b.Build(ctx, projectID)
	if err != nil {
		return 0, false, err
	}

	// The approvals section is carried in the document but excluded from
	// the change hash: a gate creating its pending approval must not bump
	// the version and thereby invalidate that same approval on the next
	// pass.
	hashDoc := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "approvals" {
			continue
		}
		hashDoc[k] = v
	}
	hash, err := Hash(hashDoc)
	if err != nil {
		return 0, false, err
	}

	prev, err := b.database.GetContract(ctx, projectID)
	if err != nil {
		return 0, false, err
	}
	if prev != nil && prev.ContentHash == hash {
		return prev.Version, false, nil
	}

	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	meta := doc["meta"].(map[string]any)
	meta["version"] = version
	meta["last_updated_by"] = source
	meta["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, false, fmt.Errorf("marshal contract %s: %w", projectID, err)
	}

	rec := &db.Contract{
		ProjectID:   projectID,
		Version:     version,
		ContentHash: hash,
		JSON:        string(raw),
		UpdatedBy:   source,
	}
	if err := b.database.SaveContract(ctx, rec); err != nil {
		return 0, false, err
	}

	b.logger.Debug("contract updated", "project_id", projectID, "version", version, "source", source)
	b.publisher.Publish(events.New(events.ContractUpdated, projectID, "", map[string]any{
		"version": version,
		"source":  source,
	}))
	return version, true, nil
}

// Build assembles the contract document from current database state. The
// volatile meta fields (version, updated_at, last_updated_by) are filled in
// by CreateOrUpdate after the content-hash comparison; Build's output is
// deterministic for unchanged inputs.
func (b *Builder) Build(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := b.database.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("build contract: project %s not found", projectID)
	}

	doc := map[string]any{
		"meta": map[string]any{
			"schema_version": SchemaVersion,
			"project_id":     project.ID,
			"title":          project.Title,
			"priority":       project.Priority,
			"status":         project.Status,
			"current_stage":  project.CurrentStage,
		},
		"assignments": map[string]any{
			"consultant_id": nullable(project.ConsultantID),
			"builder_id":    nullable(project.BuilderID),
			"tester_id":     nullable(project.TesterID),
		},
	}

	doc["onboarding"] = b.onboardingSection(ctx, projectID)
	doc["template"] = b.templateSection(ctx, projectID)

	stages, artifacts, quality := b.stageSections(ctx, projectID)
	doc["stages"] = stages
	doc["artifacts"] = artifacts
	doc["quality"] = quality

	doc["approvals"] = b.approvalSection(ctx, projectID)
	doc["audit"] = auditSection(project)

	return doc, nil
}

func (b *Builder) onboardingSection(ctx context.Context, projectID string) map[string]any {
	section := map[string]any{
		"completion_percent": 0,
		"submitted":          false,
		"submitted_at":       nil,
		"fields":             map[string]any{},
	}
	ob, err := b.database.GetOnboarding(ctx, projectID)
	if err != nil {
		b.logger.Warn("contract: onboarding read failed", "project_id", projectID, "error", err)
		return section
	}
	if ob == nil {
		return section
	}

	section["completion_percent"] = ob.CompletionPercent
	if ob.SubmittedAt != nil {
		section["submitted"] = true
		section["submitted_at"] = ob.SubmittedAt.UTC().Format(time.RFC3339)
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(ob.Data), &fields); err == nil {
		section["fields"] = fields
	}
	return section
}

func (b *Builder) templateSection(ctx context.Context, projectID string) map[string]any {
	section := map[string]any{
		"selected_template_id":      nil,
		"selected_template_version": 0,
		"blueprint_ref":             nil,
		"validated":                 false,
		"fallback_confirmed":        false,
	}
	pt, err := b.database.GetProjectTemplate(ctx, projectID)
	if err != nil {
		b.logger.Warn("contract: template read failed", "project_id", projectID, "error", err)
		return section
	}
	if pt == nil {
		return section
	}
	section["selected_template_id"] = pt.TemplateSlug
	section["selected_template_version"] = pt.TemplateVersion
	section["blueprint_ref"] = nullable(pt.BlueprintRef)
	section["validated"] = pt.Validated
	section["fallback_confirmed"] = pt.FallbackConfirmed
	return section
}

// stageSections folds the stage-state rows into three contract sections:
// per-stage status+outputs, the artifact lists pulled from evidence bags,
// and the quality scorecard from the latest test evidence.
func (b *Builder) stageSections(ctx context.Context, projectID string) (map[string]any, map[string]any, map[string]any) {
	stages := map[string]any{}
	artifacts := map[string]any{
		"uploads":       []any{},
		"build_outputs": []any{},
	}
	quality := map[string]any{}

	states, err := b.database.ListStageStates(ctx, projectID)
	if err != nil {
		b.logger.Warn("contract: stage states read failed", "project_id", projectID, "error", err)
		return stages, artifacts, quality
	}

	for _, st := range states {
		outputs := map[string]any{}
		if st.Evidence != "" {
			_ = json.Unmarshal([]byte(st.Evidence), &outputs)
		}
		stages[st.StageKey] = map[string]any{
			"status":  st.Status,
			"outputs": outputs,
		}

		if v, ok := outputs["uploads"].([]any); ok {
			artifacts["uploads"] = v
		}
		if v, ok := outputs["build_outputs"].([]any); ok {
			artifacts["build_outputs"] = v
		}
		if v, ok := outputs["lighthouse"].(map[string]any); ok {
			quality["lighthouse"] = v
		}
		if v, ok := outputs["axe"].(map[string]any); ok {
			quality["axe"] = v
		}
	}
	return stages, artifacts, quality
}

func (b *Builder) approvalSection(ctx context.Context, projectID string) []any {
	out := []any{}
	approvals, err := b.database.ListApprovals(ctx, projectID)
	if err != nil {
		b.logger.Warn("contract: approvals read failed", "project_id", projectID, "error", err)
		return out
	}
	for _, a := range approvals {
		entry := map[string]any{
			"stage_key": a.StageKey,
			"status":    a.Status,
		}
		if a.DecidedAt != nil {
			entry["decided_at"] = a.DecidedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	return out
}

func auditSection(p *db.Project) map[string]any {
	section := map[string]any{
		"transitions": len(p.History()),
	}
	if history := p.History(); len(history) > 0 {
		last := history[len(history)-1]
		section["last_transition"] = map[string]any{
			"from_stage": last.FromStage,
			"to_stage":   last.ToStage,
			"at":         last.At.UTC().Format(time.RFC3339),
		}
	}
	return section
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Fingerprint hashes the approval-relevant slice of a contract: version,
// onboarding submission time, selected template, artifact counts, and the
// identity set of stage outputs for the gated stage. A pending approval
// whose fingerprint no longer matches is stale and must be invalidated.
func Fingerprint(version int, contractJSON, stageKey string) string {
	slice := map[string]any{
		"version":       version,
		"submitted_at":  gjson.Get(contractJSON, "onboarding.submitted_at").String(),
		"template_id":   gjson.Get(contractJSON, "template.selected_template_id").String(),
		"uploads":       len(gjson.Get(contractJSON, "artifacts.uploads").Array()),
		"outputs":       len(gjson.Get(contractJSON, "artifacts.build_outputs").Array()),
		"stage_outputs": outputKeys(contractJSON, stageKey),
	}
	hash, err := Hash(slice)
	if err != nil {
		return ""
	}
	return hash
}

func outputKeys(contractJSON, stageKey string) []string {
	keys := []string{}
	outputs := gjson.Get(contractJSON, "stages."+stageKey+".outputs")
	outputs.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	sort.Strings(keys)
	return keys
}
