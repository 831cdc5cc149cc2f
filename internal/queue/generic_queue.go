package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/metrics"
)

// GenericQueue manages typed, leased jobs for the template, preview, and
// validation pipelines.
type GenericQueue struct {
	database  *db.DB
	publisher events.Publisher
	lease     time.Duration
	logger    *slog.Logger
}

// NewGenericQueue creates a generic queue with the given lease duration.
// publisher and logger may be nil; lease <= 0 defaults to 120 seconds.
func NewGenericQueue(database *db.DB, publisher events.Publisher, lease time.Duration, logger *slog.Logger) *GenericQueue {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = 120 * time.Second
	}
	return &GenericQueue{database: database, publisher: publisher, lease: lease, logger: logger}
}

// Enqueue creates a queued job. When idempotencyKey matches an existing
// non-terminal job, that job is returned instead with existing=true.
func (q *GenericQueue) Enqueue(ctx context.Context, jobType, payload, idempotencyKey string, maxAttempts int) (*db.Job, bool, error) {
	if idempotencyKey != "" {
		dup, err := q.database.FindJobByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if dup != nil {
			return dup, true, nil
		}
	}

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &db.Job{
		Type:           jobType,
		Payload:        payload,
		Status:         db.JobQueued,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: idempotencyKey,
	}
	if err := q.database.SaveJob(ctx, job); err != nil {
		return nil, false, err
	}

	metrics.RecordGenericJob(jobType, db.JobQueued)
	q.publisher.Publish(events.New(events.JobEnqueued, "", "", map[string]any{
		"job_id":   job.ID,
		"job_type": jobType,
	}))
	return job, false, nil
}

// Claim leases the oldest runnable job to workerID and moves it to running,
// incrementing attempts. Returns nil when nothing is claimable.
func (q *GenericQueue) Claim(ctx context.Context, workerID string) (*db.Job, error) {
	job, err := q.database.ClaimNextJob(ctx, workerID, q.lease)
	if err != nil || job == nil {
		return nil, err
	}

	job.Status = db.JobRunning
	job.Attempts++
	if err := q.database.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.RecordGenericJob(job.Type, db.JobRunning)
	return job, nil
}

// ExtendLease is the worker heartbeat for long-running jobs.
func (q *GenericQueue) ExtendLease(ctx context.Context, jobID, workerID string) error {
	return q.database.ExtendJobLease(ctx, jobID, workerID, q.lease)
}

// MarkSuccess finishes a job with its result JSON.
func (q *GenericQueue) MarkSuccess(ctx context.Context, jobID, result string) (*db.Job, error) {
	job, err := q.database.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	job.Status = db.JobSuccess
	job.Result = result
	job.LockedBy = ""
	job.LockExpiresAt = nil
	if err := q.database.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.RecordGenericJob(job.Type, db.JobSuccess)
	q.publisher.Publish(events.New(events.JobSucceeded, "", "", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
	}))
	return job, nil
}

// MarkFailed records a failure: retryable with attempts remaining goes to
// retry with backoff, otherwise dead.
func (q *GenericQueue) MarkFailed(ctx context.Context, jobID, errMsg string, retryable bool) (*db.Job, error) {
	job, err := q.database.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	job.LastError = errMsg
	job.LockedBy = ""
	job.LockExpiresAt = nil

	if retryable && job.Attempts < job.MaxAttempts {
		job.Status = db.JobRetry
		job.RunAt = time.Now().Add(Backoff(job.Attempts))
	} else {
		job.Status = db.JobDead
	}
	if err := q.database.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordGenericJob(job.Type, job.Status)
	q.publisher.Publish(events.New(events.JobFailed, "", "", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": job.Attempts,
		"status":   job.Status,
		"error":    errMsg,
	}))
	q.logger.Warn("generic job failed",
		"job_id", job.ID, "job_type", job.Type,
		"attempts", job.Attempts, "status", job.Status, "error", errMsg)
	return job, nil
}

// ReapExpired requeues running jobs whose lease expired. Called by the
// worker before each claim.
func (q *GenericQueue) ReapExpired(ctx context.Context) (int, error) {
	n, err := q.database.RequeueExpiredJobs(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("requeued expired generic jobs", "count", n)
	}
	return n, nil
}
