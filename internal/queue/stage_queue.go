// Package queue implements the two durable job queues: the stage queue for
// per-(project, stage) work driven by the orchestrator, and the generic
// queue for typed template/preview/validation pipelines. Both are backed by
// database rows; claiming relies on the driver's row-lock primitive.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/metrics"
)

// Backoff returns the retry delay after the given attempt count:
// min(3600, 2^(attempts-1) * 30) seconds.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	seconds := 30 << (attempts - 1)
	if seconds > 3600 || seconds <= 0 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// StageQueue manages stage-scoped jobs.
type StageQueue struct {
	database  *db.DB
	publisher events.Publisher
	logger    *slog.Logger
}

// NewStageQueue creates a stage queue. publisher and logger may be nil.
func NewStageQueue(database *db.DB, publisher events.Publisher, logger *slog.Logger) *StageQueue {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StageQueue{database: database, publisher: publisher, logger: logger}
}

// Enqueue creates a QUEUED stage job. maxAttempts <= 0 uses the default of 3.
func (q *StageQueue) Enqueue(ctx context.Context, projectID, stageKey, payload, requestID, actor string, maxAttempts int) (*db.JobRun, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &db.JobRun{
		ProjectID:     projectID,
		StageKey:      stageKey,
		Status:        db.JobRunQueued,
		MaxAttempts:   maxAttempts,
		Payload:       payload,
		RequestID:     requestID,
		CorrelationID: actor,
	}
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(stageKey, db.JobRunQueued)
	q.publisher.Publish(events.New(events.JobEnqueued, projectID, stageKey, map[string]any{
		"job_id":     job.ID,
		"request_id": requestID,
		"actor":      actor,
	}))
	return job, nil
}

// Claim hands the oldest runnable QUEUED job to workerID, or nil.
func (q *StageQueue) Claim(ctx context.Context, workerID string) (*db.JobRun, error) {
	return q.database.ClaimNextJobRun(ctx, workerID)
}

// MarkRunning moves a claimed job to RUNNING, incrementing attempts and
// setting started_at on the first run.
func (q *StageQueue) MarkRunning(ctx context.Context, jobID string) (*db.JobRun, error) {
	job, err := q.database.GetJobRun(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	now := time.Now()
	job.Status = db.JobRunRunning
	job.Attempts++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(job.StageKey, db.JobRunRunning)
	q.publisher.Publish(events.New(events.JobStarted, job.ProjectID, job.StageKey, map[string]any{
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}))
	return job, nil
}

// MarkSuccess finishes a job as SUCCESS and releases its lock.
func (q *StageQueue) MarkSuccess(ctx context.Context, jobID string) (*db.JobRun, error) {
	job, err := q.database.GetJobRun(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	now := time.Now()
	job.Status = db.JobRunSuccess
	job.FinishedAt = &now
	job.LockedBy = ""
	job.LockedAt = nil
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(job.StageKey, db.JobRunSuccess)
	if job.StartedAt != nil {
		metrics.RecordStageJobDuration(job.StageKey, now.Sub(*job.StartedAt))
	}
	q.publisher.Publish(events.New(events.JobSucceeded, job.ProjectID, job.StageKey, map[string]any{
		"job_id": job.ID,
	}))
	return job, nil
}

// MarkFailed records a failure. Retryable failures with attempts remaining
// requeue with exponential backoff; everything else goes terminal FAILED.
func (q *StageQueue) MarkFailed(ctx context.Context, jobID, errMsg string, retryable bool) (*db.JobRun, error) {
	job, err := q.database.GetJobRun(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	now := time.Now()
	job.Error = errMsg
	job.LockedBy = ""
	job.LockedAt = nil

	willRetry := retryable && job.Attempts < job.MaxAttempts
	if willRetry {
		job.Status = db.JobRunQueued
		job.NextRunAt = now.Add(Backoff(job.Attempts))
	} else {
		job.Status = db.JobRunFailed
		job.FinishedAt = &now
	}
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(job.StageKey, job.Status)
	q.logger.Warn("stage job failed",
		"job_id", job.ID, "project_id", job.ProjectID, "stage_key", job.StageKey,
		"attempts", job.Attempts, "will_retry", willRetry, "error", errMsg)
	q.publisher.Publish(events.New(events.JobFailed, job.ProjectID, job.StageKey, map[string]any{
		"job_id":     job.ID,
		"error":      errMsg,
		"will_retry": willRetry,
	}))
	return job, nil
}

// MarkNeedsHuman parks a job in NEEDS_HUMAN with the worker's report.
func (q *StageQueue) MarkNeedsHuman(ctx context.Context, jobID, report string) (*db.JobRun, error) {
	job, err := q.database.GetJobRun(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	now := time.Now()
	job.Status = db.JobRunNeedsHuman
	job.Report = report
	job.FinishedAt = &now
	job.LockedBy = ""
	job.LockedAt = nil
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(job.StageKey, db.JobRunNeedsHuman)
	q.publisher.Publish(events.New(events.JobNeedsHuman, job.ProjectID, job.StageKey, map[string]any{
		"job_id": job.ID,
	}))
	return job, nil
}

// Cancel sets CANCELED and clears the lock. Advisory: an in-flight worker
// may still commit its result, and a later orchestrator pass treats
// CANCELED as terminal. Canceling a missing or already-terminal job is a
// no-op returning nil.
func (q *StageQueue) Cancel(ctx context.Context, jobID string) (*db.JobRun, error) {
	job, err := q.database.GetJobRun(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, nil
	}

	now := time.Now()
	job.Status = db.JobRunCanceled
	job.FinishedAt = &now
	job.LockedBy = ""
	job.LockedAt = nil
	if err := q.database.SaveJobRun(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordStageJob(job.StageKey, db.JobRunCanceled)
	q.publisher.Publish(events.New(events.JobCanceled, job.ProjectID, job.StageKey, map[string]any{
		"job_id": job.ID,
	}))
	return job, nil
}
