package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Approval statuses.
const (
	ApprovalPending     = "pending"
	ApprovalApproved    = "approved"
	ApprovalRejected    = "rejected"
	ApprovalExpired     = "expired"
	ApprovalInvalidated = "invalidated"
)

// Approval is a stage-approval record for a (project, stage_key) gate.
type Approval struct {
	ID                string
	ProjectID         string
	StageKey          string
	Status            string
	ApproverID        string
	ApproverRoles     string // JSON: []string
	Comment           string
	GateSnapshot      string // JSON: the resolved gate rule at creation time
	InputsFingerprint string
	CreatedAt         time.Time
	DecidedAt         *time.Time
	UpdatedAt         time.Time
}

const approvalColumns = `id, project_id, stage_key, status, approver_id, approver_roles,
	comment, gate_snapshot_json, inputs_fingerprint, created_at, decided_at, updated_at`

// SaveApproval creates or updates an approval. The partial unique index on
// (project_id, stage_key) WHERE status='pending' enforces the single-pending
// invariant at the database level.
func (d *DB) SaveApproval(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	if a.ApproverRoles == "" {
		a.ApproverRoles = "[]"
	}
	if a.GateSnapshot == "" {
		a.GateSnapshot = "{}"
	}

	_, err := d.Exec(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			approver_id = excluded.approver_id,
			approver_roles = excluded.approver_roles,
			comment = excluded.comment,
			gate_snapshot_json = excluded.gate_snapshot_json,
			inputs_fingerprint = excluded.inputs_fingerprint,
			decided_at = excluded.decided_at,
			updated_at = excluded.updated_at`,
		a.ID, a.ProjectID, a.StageKey, a.Status, a.ApproverID, a.ApproverRoles,
		a.Comment, a.GateSnapshot, a.InputsFingerprint,
		formatTime(a.CreatedAt), formatTimePtr(a.DecidedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

// GetApproval returns an approval by ID, or nil.
func (d *DB) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := d.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, nil
}

// GetPendingApproval returns the pending approval for (project, stage_key), or nil.
func (d *DB) GetPendingApproval(ctx context.Context, projectID, stageKey string) (*Approval, error) {
	row := d.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE project_id = ? AND stage_key = ? AND status = ?`,
		projectID, stageKey, ApprovalPending)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval %s/%s: %w", projectID, stageKey, err)
	}
	return a, nil
}

// ListApprovals returns all approvals for a project, newest first.
func (d *DB) ListApprovals(ctx context.Context, projectID string) ([]*Approval, error) {
	rows, err := d.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list approvals %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ListPendingApprovalsOlderThan returns pending approvals created before cutoff.
// Used by the TTL expiry sweep.
func (d *DB) ListPendingApprovalsOlderThan(ctx context.Context, cutoff time.Time) ([]*Approval, error) {
	rows, err := d.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND created_at < ? ORDER BY created_at`,
		ApprovalPending, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(s scanner) (*Approval, error) {
	var a Approval
	var createdAt, updatedAt string
	var decidedAt *string
	err := s.Scan(&a.ID, &a.ProjectID, &a.StageKey, &a.Status, &a.ApproverID, &a.ApproverRoles,
		&a.Comment, &a.GateSnapshot, &a.InputsFingerprint, &createdAt, &decidedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.DecidedAt = parseTimePtr(decidedAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
