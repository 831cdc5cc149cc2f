package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Onboarding holds the client-facing intake data for one project.
type Onboarding struct {
	ProjectID           string
	Data                string // JSON: client-provided fields
	CompletionPercent   int
	SubmittedAt         *time.Time
	ReminderCount       int
	LastReminderSent    *time.Time
	NextReminderAt      *time.Time
	AutoReminderEnabled bool
	FieldFingerprint    string // hash over client-provided fields, for invalidation
	UpdatedAt           time.Time
}

const onboardingColumns = `project_id, data_json, completion_percent, submitted_at,
	reminder_count, last_reminder_sent, next_reminder_at, auto_reminder_enabled,
	field_fingerprint, updated_at`

// SaveOnboarding creates or updates onboarding data.
func (d *DB) SaveOnboarding(ctx context.Context, o *Onboarding) error {
	if o.ProjectID == "" {
		return fmt.Errorf("save onboarding: empty project id")
	}
	o.UpdatedAt = time.Now()
	if o.Data == "" {
		o.Data = "{}"
	}

	_, err := d.Exec(ctx, `
		INSERT INTO onboarding (`+onboardingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			data_json = excluded.data_json,
			completion_percent = excluded.completion_percent,
			submitted_at = excluded.submitted_at,
			reminder_count = excluded.reminder_count,
			last_reminder_sent = excluded.last_reminder_sent,
			next_reminder_at = excluded.next_reminder_at,
			auto_reminder_enabled = excluded.auto_reminder_enabled,
			field_fingerprint = excluded.field_fingerprint,
			updated_at = excluded.updated_at`,
		o.ProjectID, o.Data, o.CompletionPercent, formatTimePtr(o.SubmittedAt),
		o.ReminderCount, formatTimePtr(o.LastReminderSent), formatTimePtr(o.NextReminderAt),
		boolToInt(o.AutoReminderEnabled), o.FieldFingerprint, formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save onboarding %s: %w", o.ProjectID, err)
	}
	return nil
}

// GetOnboarding returns onboarding data for a project, or nil.
func (d *DB) GetOnboarding(ctx context.Context, projectID string) (*Onboarding, error) {
	row := d.QueryRow(ctx, `SELECT `+onboardingColumns+` FROM onboarding
		WHERE project_id = ?`, projectID)
	var o Onboarding
	var enabled int
	var submittedAt, lastSent, nextAt *string
	var updatedAt string
	err := row.Scan(&o.ProjectID, &o.Data, &o.CompletionPercent, &submittedAt,
		&o.ReminderCount, &lastSent, &nextAt, &enabled, &o.FieldFingerprint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get onboarding %s: %w", projectID, err)
	}
	o.SubmittedAt = parseTimePtr(submittedAt)
	o.LastReminderSent = parseTimePtr(lastSent)
	o.NextReminderAt = parseTimePtr(nextAt)
	o.AutoReminderEnabled = enabled != 0
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}
