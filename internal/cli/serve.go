package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/pipeline"
)

// newServeCmd creates the serve command for the API server and sweeper.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the orchestration sweeper",
		Long: `Start the dray API server.

The server exposes:
  GET /healthz                        Liveness probe
  GET /metrics                        Prometheus metrics
  GET /events                         Websocket event stream
  GET /api/projects/{id}/status       Pipeline status projection

The sweeper runs alongside it, advancing every active project on a
schedule. It only enqueues work; stage jobs execute on workers started
with "dray worker".

Example:
  dray serve               # Listen on the configured address
  dray serve --port 3000   # Override the port`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, "serve")
			if err != nil {
				return err
			}
			defer svc.Close()

			return runServer(ctx, svc)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServer(ctx context.Context, svc *services) error {
	sweeper := pipeline.NewSweeper(svc.database, svc.orch, svc.reminders, svc.gates,
		svc.genericQ, fmt.Sprintf("@every %s", svc.cfg.Worker.SweepInterval), svc.logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	hub := events.NewHub(svc.publisher, svc.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", hub)
	mux.HandleFunc("/api/projects/", func(w http.ResponseWriter, r *http.Request) {
		handleProjectStatus(svc, w, r)
	})

	addr := fmt.Sprintf("%s:%d", svc.cfg.Server.Host, svc.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		svc.logger.Info("api server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	svc.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// handleProjectStatus serves GET /api/projects/{id}/status.
func handleProjectStatus(svc *services, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	projectID, op, ok := strings.Cut(rest, "/")
	if !ok || op != "status" || projectID == "" {
		http.NotFound(w, r)
		return
	}

	status, err := svc.orch.Status(r.Context(), projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
