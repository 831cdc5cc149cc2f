package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Confirmation statuses.
const (
	ConfirmationPending  = "pending"
	ConfirmationApproved = "approved"
	ConfirmationDeclined = "declined"
)

// ConfirmationRequest is a client-visible request to approve a fallback
// template or substitute artifact.
type ConfirmationRequest struct {
	ID          string
	ProjectID   string
	Title       string
	Kind        string
	Status      string
	RequestedAt time.Time
	ResolvedAt  *time.Time
	Resolver    string
}

// SaveConfirmationRequest creates or updates a confirmation request.
func (d *DB) SaveConfirmationRequest(ctx context.Context, c *ConfirmationRequest) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RequestedAt.IsZero() {
		c.RequestedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = ConfirmationPending
	}
	if c.Kind == "" {
		c.Kind = "fallback_template"
	}
	_, err := d.Exec(ctx, `
		INSERT INTO confirmation_requests (id, project_id, title, kind, status, requested_at, resolved_at, resolver)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			resolver = excluded.resolver`,
		c.ID, c.ProjectID, c.Title, c.Kind, c.Status,
		formatTime(c.RequestedAt), formatTimePtr(c.ResolvedAt), c.Resolver)
	if err != nil {
		return fmt.Errorf("save confirmation request %s: %w", c.ID, err)
	}
	return nil
}

// GetPendingConfirmation returns the pending request of a kind for a project, or nil.
func (d *DB) GetPendingConfirmation(ctx context.Context, projectID, kind string) (*ConfirmationRequest, error) {
	row := d.QueryRow(ctx, `SELECT id, project_id, title, kind, status, requested_at, resolved_at, resolver
		FROM confirmation_requests
		WHERE project_id = ? AND kind = ? AND status = ?
		ORDER BY requested_at DESC LIMIT 1`, projectID, kind, ConfirmationPending)
	c, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending confirmation %s: %w", projectID, err)
	}
	return c, nil
}

// ResolveConfirmation marks a pending request approved or declined.
func (d *DB) ResolveConfirmation(ctx context.Context, id, status, resolver string) error {
	now := time.Now()
	res, err := d.Exec(ctx, `UPDATE confirmation_requests
		SET status = ?, resolved_at = ?, resolver = ?
		WHERE id = ? AND status = ?`,
		status, formatTime(now), resolver, id, ConfirmationPending)
	if err != nil {
		return fmt.Errorf("resolve confirmation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve confirmation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("resolve confirmation %s: not pending", id)
	}
	return nil
}

func scanConfirmation(s scanner) (*ConfirmationRequest, error) {
	var c ConfirmationRequest
	var requestedAt string
	var resolvedAt *string
	err := s.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Kind, &c.Status, &requestedAt, &resolvedAt, &c.Resolver)
	if err != nil {
		return nil, err
	}
	c.RequestedAt = parseTime(requestedAt)
	c.ResolvedAt = parseTimePtr(resolvedAt)
	return &c, nil
}
