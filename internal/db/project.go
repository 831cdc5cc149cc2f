package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Project statuses.
const (
	ProjectStatusDraft       = "DRAFT"
	ProjectStatusActive      = "ACTIVE"
	ProjectStatusHold        = "HOLD"
	ProjectStatusNeedsReview = "NEEDS_REVIEW"
	ProjectStatusComplete    = "COMPLETE"
	ProjectStatusArchived    = "ARCHIVED"
	ProjectStatusPaused      = "PAUSED"
	ProjectStatusCancelled   = "CANCELLED"
)

// Autopilot modes.
const (
	AutopilotOff         = "off"
	AutopilotConditional = "conditional"
	AutopilotFull        = "full"
)

// Project represents a website-build project moving through the pipeline.
type Project struct {
	ID          string
	Title       string
	ClientName  string
	ClientEmail string
	Priority    string // LOW, MEDIUM, HIGH, CRITICAL
	Status      string
	CurrentStage string

	// Role holders
	SalesID      string
	ConsultantID string
	PCID         string
	BuilderID    string
	TesterID     string
	ManagerID    string

	AutopilotEnabled      bool
	AutopilotMode         string
	AutopilotFailureCount int
	AutopilotLockUntil    *time.Time

	DefectCycleCount int
	StageHistory     string // JSON: []StageHistoryEntry
	PhaseStartedAt   string // JSON: map[stageKey]RFC3339
	HoldReason       string
	NeedsReviewReason string
	HitlOverrides    string // JSON: []hitl rule, same shape as global rules
	NeedSkills       string // JSON: []string, project-derived skill needs
	AssignmentRationale string // JSON: []assign.Rationale
	LastAssignmentRunAt *time.Time
	DueAt               *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Archived  bool
}

// StageHistoryEntry is one append-only record of a stage transition.
type StageHistoryEntry struct {
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	At        time.Time `json:"at"`
}

// History decodes the stage-history JSON list.
func (p *Project) History() []StageHistoryEntry {
	if p.StageHistory == "" {
		return nil
	}
	var entries []StageHistoryEntry
	if err := json.Unmarshal([]byte(p.StageHistory), &entries); err != nil {
		return nil
	}
	return entries
}

// PhaseStarts decodes the per-stage start-time map.
func (p *Project) PhaseStarts() map[string]string {
	m := map[string]string{}
	if p.PhaseStartedAt != "" {
		_ = json.Unmarshal([]byte(p.PhaseStartedAt), &m)
	}
	return m
}

// AutopilotEligible reports whether the orchestrator may act on the project.
func (p *Project) AutopilotEligible(now time.Time) bool {
	if p.Archived {
		return false
	}
	switch p.Status {
	case ProjectStatusHold, ProjectStatusNeedsReview, ProjectStatusCancelled,
		ProjectStatusArchived, ProjectStatusPaused, ProjectStatusComplete:
		return false
	}
	if !p.AutopilotEnabled || p.AutopilotMode == AutopilotOff {
		return false
	}
	if p.AutopilotLockUntil != nil && p.AutopilotLockUntil.After(now) {
		return false
	}
	return true
}

const projectColumns = `id, title, client_name, client_email, priority, status, current_stage,
	sales_id, consultant_id, pc_id, builder_id, tester_id, manager_id,
	autopilot_enabled, autopilot_mode, autopilot_failure_count, autopilot_lock_until,
	defect_cycle_count, stage_history, phase_started_at, hold_reason, needs_review_reason,
	hitl_overrides_json, need_skills_json, assignment_rationale, last_assignment_run_at, due_at,
	created_at, updated_at, archived`

// SaveProject creates or updates a project.
func (d *DB) SaveProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		return fmt.Errorf("save project: empty id")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = ProjectStatusDraft
	}
	if p.CurrentStage == "" {
		p.CurrentStage = "SALES"
	}
	if p.AutopilotMode == "" {
		p.AutopilotMode = AutopilotConditional
	}
	if p.StageHistory == "" {
		p.StageHistory = "[]"
	}
	if p.PhaseStartedAt == "" {
		p.PhaseStartedAt = "{}"
	}
	if p.NeedSkills == "" {
		p.NeedSkills = "[]"
	}
	if p.AssignmentRationale == "" {
		p.AssignmentRationale = "[]"
	}

	_, err := d.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			client_name = excluded.client_name,
			client_email = excluded.client_email,
			priority = excluded.priority,
			status = excluded.status,
			current_stage = excluded.current_stage,
			sales_id = excluded.sales_id,
			consultant_id = excluded.consultant_id,
			pc_id = excluded.pc_id,
			builder_id = excluded.builder_id,
			tester_id = excluded.tester_id,
			manager_id = excluded.manager_id,
			autopilot_enabled = excluded.autopilot_enabled,
			autopilot_mode = excluded.autopilot_mode,
			autopilot_failure_count = excluded.autopilot_failure_count,
			autopilot_lock_until = excluded.autopilot_lock_until,
			defect_cycle_count = excluded.defect_cycle_count,
			stage_history = excluded.stage_history,
			phase_started_at = excluded.phase_started_at,
			hold_reason = excluded.hold_reason,
			needs_review_reason = excluded.needs_review_reason,
			hitl_overrides_json = excluded.hitl_overrides_json,
			need_skills_json = excluded.need_skills_json,
			assignment_rationale = excluded.assignment_rationale,
			last_assignment_run_at = excluded.last_assignment_run_at,
			due_at = excluded.due_at,
			updated_at = excluded.updated_at,
			archived = excluded.archived`,
		p.ID, p.Title, p.ClientName, p.ClientEmail, p.Priority, p.Status, p.CurrentStage,
		p.SalesID, p.ConsultantID, p.PCID, p.BuilderID, p.TesterID, p.ManagerID,
		boolToInt(p.AutopilotEnabled), p.AutopilotMode, p.AutopilotFailureCount, formatTimePtr(p.AutopilotLockUntil),
		p.DefectCycleCount, p.StageHistory, p.PhaseStartedAt, p.HoldReason, p.NeedsReviewReason,
		p.HitlOverrides, p.NeedSkills, p.AssignmentRationale, formatTimePtr(p.LastAssignmentRunAt), formatTimePtr(p.DueAt),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), boolToInt(p.Archived),
	)
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject returns a project by ID, or nil if it doesn't exist.
func (d *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	row := d.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListActiveProjects returns non-archived projects whose status allows
// orchestration (DRAFT and ACTIVE). Used by the sweeper.
func (d *DB) ListActiveProjects(ctx context.Context) ([]*Project, error) {
	return d.listProjects(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE archived = 0 AND status IN (?, ?) ORDER BY created_at`,
		ProjectStatusDraft, ProjectStatusActive)
}

// ListProjectsByStatus returns non-archived projects with the given status.
func (d *DB) ListProjectsByStatus(ctx context.Context, status string) ([]*Project, error) {
	return d.listProjects(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE archived = 0 AND status = ? ORDER BY created_at`, status)
}

// ListProjectsInStage returns non-archived projects at the given stage.
func (d *DB) ListProjectsInStage(ctx context.Context, stage string) ([]*Project, error) {
	return d.listProjects(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE archived = 0 AND current_stage = ? ORDER BY created_at`, stage)
}

func (d *DB) listProjects(ctx context.Context, query string, args ...any) ([]*Project, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*Project, error) {
	var p Project
	var enabled, archived int
	var lockUntil, lastAssign, dueAt *string
	var createdAt, updatedAt string
	err := s.Scan(
		&p.ID, &p.Title, &p.ClientName, &p.ClientEmail, &p.Priority, &p.Status, &p.CurrentStage,
		&p.SalesID, &p.ConsultantID, &p.PCID, &p.BuilderID, &p.TesterID, &p.ManagerID,
		&enabled, &p.AutopilotMode, &p.AutopilotFailureCount, &lockUntil,
		&p.DefectCycleCount, &p.StageHistory, &p.PhaseStartedAt, &p.HoldReason, &p.NeedsReviewReason,
		&p.HitlOverrides, &p.NeedSkills, &p.AssignmentRationale, &lastAssign, &dueAt,
		&createdAt, &updatedAt, &archived,
	)
	if err != nil {
		return nil, err
	}
	p.AutopilotEnabled = enabled != 0
	p.Archived = archived != 0
	p.AutopilotLockUntil = parseTimePtr(lockUntil)
	p.LastAssignmentRunAt = parseTimePtr(lastAssign)
	p.DueAt = parseTimePtr(dueAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
