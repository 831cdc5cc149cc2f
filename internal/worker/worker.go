// Package worker executes queued jobs. The stage runtime claims jobs from
// the stage queue, runs the handler for the stage under its policy timeout,
// writes the resulting evidence into the stage-state row, and hands the
// project back to the orchestrator. The generic runtime drains the typed
// template/preview/validation queue under lease heartbeats.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/metrics"
	"github.com/draycraft/dray/internal/pipeline"
	"github.com/draycraft/dray/internal/queue"
)

// StageFunc runs one stage job and returns the evidence object to persist
// on the stage-state row. An empty evidence string leaves the row untouched.
type StageFunc func(ctx context.Context, job *db.JobRun) (string, error)

// Runtime is the stage-job worker loop.
type Runtime struct {
	database *db.DB
	queue    *queue.StageQueue
	orch     *pipeline.Orchestrator
	handlers map[string]StageFunc
	policy   config.Policy
	workerID string
	poll     time.Duration
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewRuntime creates a stage worker. orch may be nil to skip the advance
// callback; poll <= 0 defaults to 2s; parallelism comes from the policy.
func NewRuntime(database *db.DB, q *queue.StageQueue, orch *pipeline.Orchestrator,
	handlers map[string]StageFunc, policy config.Policy, workerID string,
	poll time.Duration, logger *slog.Logger) *Runtime {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	parallel := policy.MaxParallelJobs
	if parallel <= 0 {
		parallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		database: database,
		queue:    q,
		orch:     orch,
		handlers: handlers,
		policy:   policy,
		workerID: workerID,
		poll:     poll,
		sem:      semaphore.NewWeighted(int64(parallel)),
		logger:   logger,
	}
}

// Run polls until ctx is canceled, then drains in-flight executions.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("stage worker started", "worker_id", r.workerID, "poll", r.poll)
	g := new(errgroup.Group)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stage worker draining", "worker_id", r.workerID)
			return g.Wait()
		case <-ticker.C:
		}
		r.tick(ctx, g)
	}
}

// tick runs one poll pass: fail stuck jobs, then claim and dispatch until
// the queue is empty or all execution slots are busy.
func (r *Runtime) tick(ctx context.Context, g *errgroup.Group) {
	if err := r.sweepStuck(ctx); err != nil {
		r.logger.Warn("stuck-job sweep failed", "error", err)
	}

	for {
		if !r.sem.TryAcquire(1) {
			return
		}
		job, err := r.queue.Claim(ctx, r.workerID)
		if err != nil {
			r.sem.Release(1)
			r.logger.Warn("stage claim failed", "error", err)
			return
		}
		if job == nil {
			r.sem.Release(1)
			return
		}
		g.Go(func() error {
			defer r.sem.Release(1)
			r.execute(ctx, job)
			return nil
		})
	}
}

// execute runs one claimed job to a terminal status.
func (r *Runtime) execute(ctx context.Context, claimed *db.JobRun) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	job, err := r.queue.MarkRunning(ctx, claimed.ID)
	if err != nil || job == nil {
		r.logger.Warn("mark running failed", "job_id", claimed.ID, "error", err)
		return
	}

	handler, ok := r.handlers[job.StageKey]
	if !ok {
		_, _ = r.queue.MarkFailed(ctx, job.ID,
			fmt.Sprintf("no handler registered for stage %s", job.StageKey), false)
		return
	}

	// The job outlives a shutdown signal: drain means finish, not abandon.
	timeout := r.policy.StageTimeout(bareStage(job.StageKey))
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	evidence, err := handler(runCtx, job)
	if err != nil {
		// A timeout means the stage is wedged; retrying would wedge again.
		retryable := !errors.Is(err, context.DeadlineExceeded)
		if _, ferr := r.queue.MarkFailed(runCtx, job.ID, err.Error(), retryable); ferr != nil {
			r.logger.Error("mark failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if evidence != "" {
		if err := r.saveEvidence(runCtx, job, evidence); err != nil {
			_, _ = r.queue.MarkFailed(runCtx, job.ID, err.Error(), true)
			return
		}
	}
	if _, err := r.queue.MarkSuccess(runCtx, job.ID); err != nil {
		r.logger.Error("mark success", "job_id", job.ID, "error", err)
		return
	}

	if r.orch != nil {
		if _, err := r.orch.Advance(runCtx, job.ProjectID, "worker:"+r.workerID); err != nil {
			r.logger.Warn("post-job advance failed", "project_id", job.ProjectID, "error", err)
		}
	}
}

// saveEvidence writes the handler's evidence onto the stage-state row,
// preserving the other columns.
func (r *Runtime) saveEvidence(ctx context.Context, job *db.JobRun, evidence string) error {
	st, err := r.database.GetStageState(ctx, job.ProjectID, job.StageKey)
	if err != nil {
		return err
	}
	if st == nil {
		st = &db.StageState{ProjectID: job.ProjectID, StageKey: job.StageKey, Status: db.StageRunning}
	}
	st.Evidence = evidence
	st.LastJobID = job.ID
	return r.database.SaveStageState(ctx, st)
}

// claimGrace is how long a claimed job may sit without reaching RUNNING
// before its lock is released back to the queue. Claims normally reach
// RUNNING within one poll interval.
const claimGrace = time.Minute

// sweepStuck recovers the two ways a dead worker can strand a job: a
// QUEUED claim that never reached RUNNING has its lock released, and a
// RUNNING job that outlived its stage timeout is failed.
func (r *Runtime) sweepStuck(ctx context.Context) error {
	reclaimed, err := r.database.ReclaimStaleJobRunLocks(ctx, time.Now().Add(-claimGrace))
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.logger.Warn("released stale stage job claims", "count", reclaimed)
	}

	running, err := r.database.ListRunningJobRunsStartedBefore(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, j := range running {
		timeout := r.policy.StageTimeout(bareStage(j.StageKey))
		if j.StartedAt == nil || time.Since(*j.StartedAt) < timeout {
			continue
		}
		if _, err := r.queue.MarkFailed(ctx, j.ID,
			fmt.Sprintf("stage job stuck for more than %s", timeout), false); err != nil {
			return err
		}
		r.logger.Warn("failed stuck stage job",
			"job_id", j.ID, "project_id", j.ProjectID, "stage_key", j.StageKey)
	}
	return nil
}

// bareStage strips the order prefix from a stage key: "3_build" -> "build".
func bareStage(key string) string {
	if i := strings.IndexByte(key, '_'); i >= 0 {
		return key[i+1:]
	}
	return key
}
