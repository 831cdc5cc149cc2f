// Package cli implements the dray command-line interface.
// This file contains the shared wiring used across commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"github.com/draycraft/dray/internal/ai"
	"github.com/draycraft/dray/internal/assign"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/db/driver"
	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/hitl"
	"github.com/draycraft/dray/internal/notify"
	"github.com/draycraft/dray/internal/objstore"
	"github.com/draycraft/dray/internal/pipeline"
	"github.com/draycraft/dray/internal/queue"
	"github.com/draycraft/dray/internal/reminder"
	"github.com/draycraft/dray/internal/stage"
	"github.com/draycraft/dray/internal/template"
)

// loadConfig loads the layered file/env configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// newLogger builds the process logger: human-readable on a terminal,
// JSON lines otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openDatabase opens the configured database with migrations applied.
func openDatabase(cfg *config.Config) (*db.DB, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		return db.Open(cfg.Database.Path)
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires database.dsn")
		}
		return db.OpenWithDialect(cfg.Database.DSN, driver.DialectPostgres)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// services holds the wired orchestration stack shared by the serve,
// worker, and one-shot commands.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	database  *db.DB
	publisher events.Publisher
	policy    config.Policy
	machine   *stage.Machine
	contracts *contract.Builder
	gates     *hitl.Service
	assigner  *assign.Engine
	stageQ    *queue.StageQueue
	genericQ  *queue.GenericQueue
	orch      *pipeline.Orchestrator
	reminders *reminder.Loop
	store     *objstore.FS
	renderer  *template.Renderer
	validator *template.Validator
	templates *template.Pipeline
}

// buildServices wires the full stack. source labels persisted events with
// the process that emitted them ("serve", "worker", "cli").
func buildServices(ctx context.Context, cfg *config.Config, source string) (*services, error) {
	logger := newLogger(cfg)

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	publisher := events.NewPersistentPublisher(database, source, logger)
	policy := config.LoadPolicy(ctx, database)

	aiClient := ai.NewRouter(cfg.AI.Mode, nil, []string{ai.TaskCopyValidate, ai.TaskAssignRerank})

	machine := stage.NewMachine(database, publisher, logger)
	contracts := contract.NewBuilder(database, publisher, logger)
	gates := hitl.NewService(database, publisher, policy, logger)
	assigner := assign.NewEngine(database, aiClient, publisher, policy, logger)
	stageQ := queue.NewStageQueue(database, publisher, logger)
	genericQ := queue.NewGenericQueue(database, publisher, policy.GenericJobLease(), logger)
	var sender notify.EmailSender = &notify.LogSender{Logger: logger}
	mailer := notify.NewRetryingSender(sender, 3, 0, logger)
	orch := pipeline.NewOrchestrator(database, machine, contracts, gates, assigner, stageQ,
		mailer, cfg.PortalBaseURL, policy, logger)
	reminders := reminder.NewLoop(database, machine, mailer,
		publisher, policy, cfg.PortalBaseURL, logger)

	store, err := objstore.NewFS(cfg.Storage.Root, cfg.Storage.MaxObjectMB, cfg.PortalBaseURL)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	runners, err := buildRunners(cfg)
	if err != nil {
		return nil, err
	}
	renderer := template.NewRenderer(store, policy, logger)
	validator := template.NewValidator(database, runners, policy, logger)
	templates := template.NewPipeline(database, aiClient, policy, logger)

	return &services{
		cfg:       cfg,
		logger:    logger,
		database:  database,
		publisher: publisher,
		policy:    policy,
		machine:   machine,
		contracts: contracts,
		gates:     gates,
		assigner:  assigner,
		stageQ:    stageQ,
		genericQ:  genericQ,
		orch:      orch,
		reminders: reminders,
		store:     store,
		renderer:  renderer,
		validator: validator,
		templates: templates,
	}, nil
}

// buildRunners constructs the configured external validation checks.
func buildRunners(cfg *config.Config) ([]template.Runner, error) {
	var runners []template.Runner
	for _, rc := range cfg.Validation.Runners {
		r, err := template.NewCommandRunner(rc.Name, rc.Command)
		if err != nil {
			return nil, fmt.Errorf("validation runner config: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, nil
}

// Close releases the database and flushes buffered events.
func (s *services) Close() {
	s.publisher.Close()
	if err := s.database.Close(); err != nil {
		s.logger.Warn("close database", "error", err)
	}
}
