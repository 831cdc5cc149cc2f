package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage-job statuses.
const (
	JobRunQueued     = "QUEUED"
	JobRunRunning    = "RUNNING"
	JobRunSuccess    = "SUCCESS"
	JobRunFailed     = "FAILED"
	JobRunNeedsHuman = "NEEDS_HUMAN"
	JobRunCanceled   = "CANCELED"
)

// JobRun is a stage-scoped job: side-effecting work for (project, stage).
type JobRun struct {
	ID            string
	ProjectID     string
	StageKey      string
	Status        string
	Attempts      int
	MaxAttempts   int
	Payload       string // JSON
	Error         string
	Report        string // JSON, set by mark_needs_human
	RequestID     string
	CorrelationID string
	NextRunAt     time.Time
	LockedBy      string
	LockedAt      *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job is in a terminal status.
func (j *JobRun) Terminal() bool {
	switch j.Status {
	case JobRunSuccess, JobRunFailed, JobRunNeedsHuman, JobRunCanceled:
		return true
	}
	return false
}

const jobRunColumns = `id, project_id, stage_key, status, attempts, max_attempts,
	payload_json, error, report_json, request_id, correlation_id, next_run_at,
	locked_by, locked_at, started_at, finished_at, created_at, updated_at`

// SaveJobRun creates or updates a stage job.
func (d *DB) SaveJobRun(ctx context.Context, j *JobRun) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = JobRunQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.Payload == "" {
		j.Payload = "{}"
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}

	_, err := d.Exec(ctx, `
		INSERT INTO job_runs (`+jobRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			report_json = excluded.report_json,
			next_run_at = excluded.next_run_at,
			locked_by = excluded.locked_by,
			locked_at = excluded.locked_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		j.ID, j.ProjectID, j.StageKey, j.Status, j.Attempts, j.MaxAttempts,
		j.Payload, j.Error, j.Report, j.RequestID, j.CorrelationID, formatTime(j.NextRunAt),
		j.LockedBy, formatTimePtr(j.LockedAt), formatTimePtr(j.StartedAt),
		formatTimePtr(j.FinishedAt), formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save job run %s: %w", j.ID, err)
	}
	return nil
}

// GetJobRun returns a stage job by ID, or nil.
func (d *DB) GetJobRun(ctx context.Context, id string) (*JobRun, error) {
	row := d.QueryRow(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE id = ?`, id)
	j, err := scanJobRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job run %s: %w", id, err)
	}
	return j, nil
}

// ClaimNextJobRun claims the oldest runnable QUEUED stage job for workerID.
// Returns nil when no job is available. The select takes the driver's claim
// suffix (FOR UPDATE SKIP LOCKED on postgres); the conditional UPDATE makes
// the claim safe on SQLite, where the transaction serializes writers anyway.
func (d *DB) ClaimNextJobRun(ctx context.Context, workerID string) (*JobRun, error) {
	now := time.Now()
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim job run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Rows already claimed by another worker are skipped, not waited on,
	// so a held claim never shadows runnable jobs behind it.
	row := tx.QueryRow(ctx, `SELECT `+jobRunColumns+` FROM job_runs
		WHERE status = ? AND next_run_at <= ? AND locked_by = ''
		ORDER BY created_at LIMIT 1`+d.driver.ClaimSuffix(),
		JobRunQueued, formatTime(now))
	j, err := scanJobRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job run: %w", err)
	}

	res, err := tx.Exec(ctx, `UPDATE job_runs
		SET locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ''`,
		workerID, formatTime(now), formatTime(now), j.ID, JobRunQueued)
	if err != nil {
		return nil, fmt.Errorf("claim job run %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job run %s: %w", j.ID, err)
	}
	if n == 0 {
		// Lost the race to another worker.
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job run %s: %w", j.ID, err)
	}

	j.LockedBy = workerID
	lockedAt := now
	j.LockedAt = &lockedAt
	return j, nil
}

// ReclaimStaleJobRunLocks releases claims on QUEUED jobs whose lock is
// older than cutoff. A worker that dies between claiming a job and marking
// it RUNNING leaves the row claimed but invisible to the stuck-job sweep;
// without this the row would stay locked forever. Returns the number of
// locks released.
func (d *DB) ReclaimStaleJobRunLocks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.Exec(ctx, `UPDATE job_runs
		SET locked_by = '', locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_by != '' AND locked_at < ?`,
		formatTime(time.Now()), JobRunQueued, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale job run locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale job run locks: %w", err)
	}
	return int(n), nil
}

// ListJobRuns returns stage jobs for a project, newest first.
func (d *DB) ListJobRuns(ctx context.Context, projectID string) ([]*JobRun, error) {
	return d.listJobRuns(ctx, `SELECT `+jobRunColumns+` FROM job_runs
		WHERE project_id = ? ORDER BY created_at DESC`, projectID)
}

// ListJobRunsForStage returns stage jobs for (project, stage), newest first.
func (d *DB) ListJobRunsForStage(ctx context.Context, projectID, stageKey string) ([]*JobRun, error) {
	return d.listJobRuns(ctx, `SELECT `+jobRunColumns+` FROM job_runs
		WHERE project_id = ? AND stage_key = ? ORDER BY created_at DESC`, projectID, stageKey)
}

// ListRunningJobRunsStartedBefore returns RUNNING jobs whose started_at is
// older than cutoff. Used by the stuck-job sweeper.
func (d *DB) ListRunningJobRunsStartedBefore(ctx context.Context, cutoff time.Time) ([]*JobRun, error) {
	return d.listJobRuns(ctx, `SELECT `+jobRunColumns+` FROM job_runs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at`, JobRunRunning, formatTime(cutoff))
}

// HasActiveJobRun reports whether (project, stage) has a QUEUED or RUNNING job.
func (d *DB) HasActiveJobRun(ctx context.Context, projectID, stageKey string) (bool, error) {
	var n int
	err := d.QueryRow(ctx, `SELECT COUNT(1) FROM job_runs
		WHERE project_id = ? AND stage_key = ? AND status IN (?, ?)`,
		projectID, stageKey, JobRunQueued, JobRunRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active job runs %s/%s: %w", projectID, stageKey, err)
	}
	return n > 0, nil
}

func (d *DB) listJobRuns(ctx context.Context, query string, args ...any) ([]*JobRun, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*JobRun
	for rows.Next() {
		j, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJobRun(s scanner) (*JobRun, error) {
	var j JobRun
	var nextRunAt, createdAt, updatedAt string
	var lockedAt, startedAt, finishedAt *string
	err := s.Scan(&j.ID, &j.ProjectID, &j.StageKey, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.Payload, &j.Error, &j.Report, &j.RequestID, &j.CorrelationID, &nextRunAt,
		&j.LockedBy, &lockedAt, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.NextRunAt = parseTime(nextRunAt)
	j.LockedAt = parseTimePtr(lockedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
