package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only audit record. The audit log is evidence,
// never an input to decisions.
type AuditEntry struct {
	ID        string
	ProjectID string
	Actor     string
	Action    string
	StageKey  string
	Detail    string // JSON or plain text
	CreatedAt time.Time
}

// AppendAudit writes one audit record.
func (d *DB) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := d.Exec(ctx, `INSERT INTO audit_log (id, project_id, actor, action, stage_key, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Actor, e.Action, e.StageKey, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail for a project, oldest first.
func (d *DB) ListAudit(ctx context.Context, projectID string) ([]*AuditEntry, error) {
	rows, err := d.Query(ctx, `SELECT id, project_id, actor, action, stage_key, detail, created_at
		FROM audit_log WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Actor, &e.Action, &e.StageKey, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
