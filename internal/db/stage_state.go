package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stage-state statuses.
const (
	StageNotStarted       = "not_started"
	StageReady            = "ready"
	StageRunning          = "running"
	StageAwaitingApproval = "awaiting_approval"
	StageComplete         = "complete"
	StageBlocked          = "blocked"
	StageFailed           = "failed"
)

// StageState is the per-(project, stage_key) progress row.
type StageState struct {
	ProjectID       string
	StageKey        string
	Status          string
	BlockedReasons  string // JSON: []string
	RequiredActions string // JSON: []string
	LastJobID       string
	Evidence        string // JSON object
	UpdatedAt       time.Time
}

// BlockedReasonList decodes the blocked-reasons JSON.
func (s *StageState) BlockedReasonList() []string {
	var reasons []string
	if s.BlockedReasons != "" {
		_ = json.Unmarshal([]byte(s.BlockedReasons), &reasons)
	}
	return reasons
}

// RequiredActionList decodes the required-actions JSON.
func (s *StageState) RequiredActionList() []string {
	var actions []string
	if s.RequiredActions != "" {
		_ = json.Unmarshal([]byte(s.RequiredActions), &actions)
	}
	return actions
}

// SaveStageState creates or updates a stage-state row.
func (d *DB) SaveStageState(ctx context.Context, s *StageState) error {
	if s.ProjectID == "" || s.StageKey == "" {
		return fmt.Errorf("save stage state: missing project or stage key")
	}
	if s.Status == "" {
		s.Status = StageNotStarted
	}
	if s.BlockedReasons == "" {
		s.BlockedReasons = "[]"
	}
	if s.RequiredActions == "" {
		s.RequiredActions = "[]"
	}
	if s.Evidence == "" {
		s.Evidence = "{}"
	}
	s.UpdatedAt = time.Now()

	_, err := d.Exec(ctx, `
		INSERT INTO stage_states (project_id, stage_key, status, blocked_reasons_json,
			required_actions_json, last_job_id, evidence_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, stage_key) DO UPDATE SET
			status = excluded.status,
			blocked_reasons_json = excluded.blocked_reasons_json,
			required_actions_json = excluded.required_actions_json,
			last_job_id = excluded.last_job_id,
			evidence_json = excluded.evidence_json,
			updated_at = excluded.updated_at`,
		s.ProjectID, s.StageKey, s.Status, s.BlockedReasons,
		s.RequiredActions, s.LastJobID, s.Evidence, formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save stage state %s/%s: %w", s.ProjectID, s.StageKey, err)
	}
	return nil
}

// GetStageState returns the row for (project, stage_key), or nil.
func (d *DB) GetStageState(ctx context.Context, projectID, stageKey string) (*StageState, error) {
	row := d.QueryRow(ctx, `
		SELECT project_id, stage_key, status, blocked_reasons_json,
			required_actions_json, last_job_id, evidence_json, updated_at
		FROM stage_states WHERE project_id = ? AND stage_key = ?`, projectID, stageKey)
	s, err := scanStageState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage state %s/%s: %w", projectID, stageKey, err)
	}
	return s, nil
}

// ListStageStates returns all stage-state rows for a project in key order.
func (d *DB) ListStageStates(ctx context.Context, projectID string) ([]*StageState, error) {
	rows, err := d.Query(ctx, `
		SELECT project_id, stage_key, status, blocked_reasons_json,
			required_actions_json, last_job_id, evidence_json, updated_at
		FROM stage_states WHERE project_id = ? ORDER BY stage_key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list stage states %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var states []*StageState
	for rows.Next() {
		s, err := scanStageState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// SetStageStatus updates only the status column of an existing row.
func (d *DB) SetStageStatus(ctx context.Context, projectID, stageKey, status string) error {
	_, err := d.Exec(ctx, `
		UPDATE stage_states SET status = ?, updated_at = ?
		WHERE project_id = ? AND stage_key = ?`,
		status, formatTime(time.Now()), projectID, stageKey)
	if err != nil {
		return fmt.Errorf("set stage status %s/%s: %w", projectID, stageKey, err)
	}
	return nil
}

func scanStageState(s scanner) (*StageState, error) {
	var st StageState
	var updatedAt string
	err := s.Scan(&st.ProjectID, &st.StageKey, &st.Status, &st.BlockedReasons,
		&st.RequiredActions, &st.LastJobID, &st.Evidence, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
