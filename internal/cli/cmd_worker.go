package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/draycraft/dray/internal/worker"
)

// newWorkerCmd creates the worker command.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a job worker",
		Long: `Start a worker that executes queued jobs.

The stage loop claims build/test/defect-validation jobs, runs them under
their policy timeouts, and hands the project back to the orchestrator.
The generic loop drains template pipeline jobs (blueprint runs, previews,
validation, performance aggregation, evolution proposals).

On SIGINT/SIGTERM the worker stops claiming and drains in-flight jobs
before exiting.

Example:
  dray worker                  # Run both loops
  dray worker --stage-only     # Stage jobs only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stageOnly, _ := cmd.Flags().GetBool("stage-only")
			genericOnly, _ := cmd.Flags().GetBool("generic-only")
			if stageOnly && genericOnly {
				return fmt.Errorf("--stage-only and --generic-only are mutually exclusive")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, "worker")
			if err != nil {
				return err
			}
			defer svc.Close()

			workerID := workerIdentity()
			g, ctx := errgroup.WithContext(ctx)

			if !genericOnly {
				handlers := worker.StageHandlers(svc.database, svc.renderer, svc.validator, svc.logger)
				stageRT := worker.NewRuntime(svc.database, svc.stageQ, svc.orch, handlers,
					svc.policy, workerID, cfg.Worker.PollInterval, svc.logger)
				g.Go(func() error { return stageRT.Run(ctx) })
			}
			if !stageOnly {
				genericRT := worker.NewGenericRuntime(svc.database, svc.genericQ, svc.templates,
					svc.renderer, svc.validator, svc.publisher, svc.policy, workerID,
					cfg.Worker.PollInterval, svc.logger)
				g.Go(func() error { return genericRT.Run(ctx) })
			}

			return g.Wait()
		},
	}

	cmd.Flags().Bool("stage-only", false, "run only the stage-job loop")
	cmd.Flags().Bool("generic-only", false, "run only the generic-job loop")
	return cmd
}

// workerIdentity builds a stable-enough worker ID for job locks.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
