package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generic-job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobRetry   = "retry"
	JobSuccess = "success"
	JobDead    = "dead"
)

// Job is a typed generic job: template pipelines, preview renders,
// validation, metrics aggregation. Not tied to a project stage.
type Job struct {
	ID             string
	Type           string
	Payload        string // JSON
	Status         string
	Attempts       int
	MaxAttempts    int
	RunAt          time.Time
	LockedBy       string
	LockExpiresAt  *time.Time
	IdempotencyKey string
	LastError      string
	Result         string // JSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the job is in a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobDead
}

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_at,
	locked_by, lock_expires_at, idempotency_key, last_error, result_json, created_at, updated_at`

// SaveJob creates or updates a generic job.
func (d *DB) SaveJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.Payload == "" {
		j.Payload = "{}"
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}

	var idemKey *string
	if j.IdempotencyKey != "" {
		idemKey = &j.IdempotencyKey
	}

	_, err := d.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			run_at = excluded.run_at,
			locked_by = excluded.locked_by,
			lock_expires_at = excluded.lock_expires_at,
			last_error = excluded.last_error,
			result_json = excluded.result_json,
			updated_at = excluded.updated_at`,
		j.ID, j.Type, j.Payload, j.Status, j.Attempts, j.MaxAttempts, formatTime(j.RunAt),
		j.LockedBy, formatTimePtr(j.LockExpiresAt), idemKey, j.LastError, j.Result,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a generic job by ID, or nil.
func (d *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	row := d.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// FindJobByIdempotencyKey returns the non-terminal job carrying key, or nil.
func (d *DB) FindJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := d.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = ? AND status IN (?, ?, ?)
		ORDER BY created_at LIMIT 1`,
		key, JobQueued, JobRunning, JobRetry)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return j, nil
}

// ClaimNextJob claims the oldest runnable queued/retry job whose lease is
// free or expired, leasing it to workerID until now+lease.
func (d *DB) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	now := time.Now()
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND run_at <= ?
			AND (lock_expires_at IS NULL OR lock_expires_at < ?)
		ORDER BY created_at LIMIT 1`+d.driver.ClaimSuffix(),
		JobQueued, JobRetry, formatTime(now), formatTime(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	expires := now.Add(lease)
	res, err := tx.Exec(ctx, `UPDATE jobs
		SET locked_by = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
			AND (lock_expires_at IS NULL OR lock_expires_at < ?)`,
		workerID, formatTime(expires), formatTime(now),
		j.ID, JobQueued, JobRetry, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
	}
	if n == 0 {
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
	}

	j.LockedBy = workerID
	j.LockExpiresAt = &expires
	return j, nil
}

// ExtendJobLease moves a held lease forward. Heartbeat for long-running work.
func (d *DB) ExtendJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	expires := time.Now().Add(lease)
	res, err := d.Exec(ctx, `UPDATE jobs
		SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?`,
		formatTime(expires), formatTime(time.Now()), jobID, workerID, JobRunning)
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lease %s: job not held by %s", jobID, workerID)
	}
	return nil
}

// RequeueExpiredJobs flips running jobs with an expired lease back to retry
// so another worker can claim them. Returns the number of jobs requeued.
func (d *DB) RequeueExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := d.Exec(ctx, `UPDATE jobs
		SET status = ?, locked_by = '', lock_expires_at = NULL, updated_at = ?
		WHERE status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		JobRetry, formatTime(now), JobRunning, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return int(n), nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (d *DB) ListJobsByStatus(ctx context.Context, status string) ([]*Job, error) {
	rows, err := d.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var runAt, createdAt, updatedAt string
	var lockExpires, idemKey *string
	err := s.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &runAt,
		&j.LockedBy, &lockExpires, &idemKey, &j.LastError, &j.Result, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.RunAt = parseTime(runAt)
	j.LockExpiresAt = parseTimePtr(lockExpires)
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
