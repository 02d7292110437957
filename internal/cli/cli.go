// ============================================================================
// model-hub CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface for the two processes that
// make up the dispatch fabric, based on the Cobra framework.
//
// Command Structure:
//   model-hub
//   ├── controller                 # Start the Controller process
//   │   └── --config, -c          # Optional YAML config file (tuning knobs)
//   └── worker                     # Start a Worker process
//       └── --config, -c          # Optional YAML config file (tuning knobs)
//
// Configuration:
//   Required identity and secrets (WORKER_ID, MODEL_ID, BACKEND_URL,
//   CONTROLLER_URL, INTERNAL_API_KEY, ...) always come from the environment; the
//   optional --config file only overlays non-secret tuning knobs
//   (timeouts, intervals, thresholds). See internal/config.
//
// Signal Handling:
//   Both commands capture SIGINT/SIGTERM and shut down gracefully:
//   stop accepting new work, let in-flight requests finish, deregister
//   (worker only), then exit.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bytefuck/model-hub/internal/agent"
	"github.com/bytefuck/model-hub/internal/config"
	"github.com/bytefuck/model-hub/internal/controllerapi"
	"github.com/bytefuck/model-hub/internal/health"
	"github.com/bytefuck/model-hub/internal/metrics"
	"github.com/bytefuck/model-hub/internal/registry"
	"github.com/bytefuck/model-hub/internal/router"
	"github.com/bytefuck/model-hub/internal/workerapi"
)

// BuildCLI assembles the root command and its two subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "model-hub",
		Short: "model-hub: a least-loaded dispatch fabric for LLM inference workers",
		Long: `model-hub routes OpenAI-compatible chat completions across a fleet of
worker processes, each fronting its own model backend. The Controller
tracks worker health and load; Workers register and heartbeat with it.`,
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildControllerCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

func buildControllerCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Start the Controller process",
		Long:  "Start the Controller: worker registry, health monitor, router, and public HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "optional YAML config file for tuning knobs")
	return cmd
}

func buildWorkerCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a Worker process",
		Long:  "Start a Worker: registers with the Controller, heartbeats, and forwards chat completions to its backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "optional YAML config file for tuning knobs")
	return cmd
}

func runController(configFile string) error {
	log := slog.Default()

	cfg, err := config.LoadControllerConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load controller config: %w", err)
	}

	reg := registry.New()
	route := router.New(reg)
	collector := metrics.NewCollector()

	mon := health.New(reg, collector, cfg.HealthConfig(), log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	srv := controllerapi.New(reg, route, collector, cfg.AuthToken, log)

	go startMetricsServer(cfg.MetricsAddr, log)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	go func() {
		log.Info("controller listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("controller server error", "error", err)
		}
	}()

	waitForShutdownSignal(log)

	mon.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("controller shutdown error", "error", err)
	}

	log.Info("controller stopped")
	return nil
}

func runWorker(configFile string) error {
	log := slog.Default()

	cfg, err := config.LoadWorkerConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load worker config: %w", err)
	}

	a := agent.New(cfg.AgentConfig(), log)

	registerCtx, registerCancel := context.WithTimeout(context.Background(), time.Minute)
	defer registerCancel()
	if err := a.Register(registerCtx); err != nil {
		return fmt.Errorf("failed to register with controller: %w", err)
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(context.Background())
	defer heartbeatCancel()
	go a.RunHeartbeat(heartbeatCtx)

	srv := workerapi.New(a, cfg.BackendURL, cfg.WorkerID, cfg.ModelID, cfg.Capacity, cfg.BackendProbeTimeout, log)

	go startMetricsServer(cfg.MetricsAddr, log)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	go func() {
		log.Info("worker listening", "addr", cfg.ListenAddr, "worker_id", cfg.WorkerID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("worker server error", "error", err)
		}
	}()

	waitForShutdownSignal(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker shutdown error", "error", err)
	}

	a.Stop(context.Background())

	log.Info("worker stopped")
	return nil
}

func startMetricsServer(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server error", "error", err)
	}
}

func waitForShutdownSignal(log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal, stopping gracefully")
}
