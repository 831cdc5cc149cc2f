package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/hitl"
	"github.com/draycraft/dray/internal/queue"
	"github.com/draycraft/dray/internal/reminder"
)

// Sweeper runs the periodic orchestration pass: advance every active
// project, tick the reminder loop, expire stale approvals, and reclaim
// expired generic-job leases. It never executes jobs synchronously.
type Sweeper struct {
	database  *db.DB
	orch      *Orchestrator
	reminders *reminder.Loop
	gates     *hitl.Service
	generic   *queue.GenericQueue
	cron      *cron.Cron
	schedule  string
	logger    *slog.Logger
}

// NewSweeper creates a sweeper on the given cron schedule (default
// "@every 1m"). reminders and generic may be nil to skip those passes.
func NewSweeper(database *db.DB, orch *Orchestrator, reminders *reminder.Loop,
	gates *hitl.Service, generic *queue.GenericQueue, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		database:  database,
		orch:      orch,
		reminders: reminders,
		gates:     gates,
		generic:   generic,
		cron:      cron.New(),
		schedule:  schedule,
		logger:    logger,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Tick(ctx, time.Now()); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Tick runs one full sweep. Per-project advance errors are logged and do
// not stop the pass; infrastructure errors abort it.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) error {
	projects, err := s.database.ListActiveProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if !project.AutopilotEligible(now) {
			continue
		}
		if _, err := s.orch.Advance(ctx, project.ID, actorOrchestrator); err != nil {
			// Failure accounting already ran inside Advance.
			s.logger.Warn("sweep advance failed", "project_id", project.ID, "error", err)
		}
	}

	if s.reminders != nil {
		if _, err := s.reminders.Tick(ctx, now); err != nil {
			s.logger.Warn("reminder sweep failed", "error", err)
		}
	}

	if expired, err := s.gates.ExpireStale(ctx, now); err != nil {
		s.logger.Warn("approval expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("expired stale approvals", "count", expired)
	}

	if s.generic != nil {
		if _, err := s.generic.ReapExpired(ctx); err != nil {
			s.logger.Warn("lease reap failed", "error", err)
		}
	}
	return nil
}
