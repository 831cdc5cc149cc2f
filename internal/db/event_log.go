package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLog is one persisted notification event.
type EventLog struct {
	ID        string
	EventType string
	ProjectID string
	StageKey  string
	Detail    string // JSON
	Source    string
	CreatedAt time.Time
}

// AppendEvents writes a batch of event records in one transaction.
func (d *DB) AppendEvents(ctx context.Context, events []*EventLog) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if _, err := tx.Exec(ctx, `INSERT INTO event_log (id, event_type, project_id, stage_key, detail, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EventType, e.ProjectID, e.StageKey, e.Detail, e.Source, formatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("append event %s: %w", e.EventType, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events for a project, oldest first, limited to max rows.
func (d *DB) ListEvents(ctx context.Context, projectID string, max int) ([]*EventLog, error) {
	if max <= 0 {
		max = 100
	}
	rows, err := d.Query(ctx, `SELECT id, event_type, project_id, stage_key, detail, source, created_at
		FROM event_log WHERE project_id = ? ORDER BY created_at LIMIT ?`, projectID, max)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*EventLog
	for rows.Next() {
		var e EventLog
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.ProjectID, &e.StageKey, &e.Detail, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
