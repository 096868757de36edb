package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/config"
	"github.com/marmos91/dittolease/pkg/controlplane/api"
	"github.com/marmos91/dittolease/pkg/metrics"
	"github.com/marmos91/dittolease/pkg/oplock"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the oplock manager",
	Long: `Start the oplock manager in the foreground with the status API and,
when enabled, the Prometheus metrics endpoint.

logging.level and oplock.break_timeout are reloaded when the config file
changes. Other settings need a restart.

Examples:
  # Start with the default config location
  dlease start

  # Start with a custom config file
  dlease start --config /etc/dittolease/config.yaml

  # Override settings from the environment
  DITTOLEASE_OPLOCK_BREAK_TIMEOUT=5s dlease start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(cfg.Telemetry.Profiling, telemetryCfg.ServiceName, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if cfg.Telemetry.Profiling.Enabled {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	}

	// Metrics first so the manager's collectors land in the registry.
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		reg := metrics.InitRegistry()
		metricsServer = metrics.NewServer(cfg.Metrics.Port, reg)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	store, err := config.CreateDurableStore(cfg.Durable)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("durable store close error", "error", err)
		}
	}()
	mgr := oplock.NewManager(cfg.Oplock, oplock.Dependencies{
		Durable: store,
		Metrics: oplock.NewMetrics(metrics.Registerer()),
	})
	defer mgr.Close()

	if n, err := mgr.RestoreDurable(ctx); err == nil {
		logger.Info("Durable store opened", "backend", cfg.Durable.Backend, "restored", n)
	} else {
		logger.Warn("Failed to restore durable handles", "backend", cfg.Durable.Backend, "error", err)
	}
	logger.Info("Oplock manager ready",
		"enabled", cfg.Oplock.Enabled,
		"leases", cfg.Oplock.LeasesEnabled,
		"break_timeout", mgr.BreakTimeout())

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(cfg.API, mgr)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
	} else {
		logger.Info("API server disabled")
	}

	watchPath := GetConfigFile()
	if watchPath == "" {
		watchPath = config.GetDefaultConfigPath()
	}
	if err := config.Watch(watchPath, func(next *config.Config) {
		logger.SetLevel(next.Logging.Level)
		mgr.SetBreakTimeout(next.Oplock.BreakTimeout)
	}); err != nil {
		logger.Warn("Config reload disabled", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsServer != nil {
		g.Go(func() error { return metricsServer.Start(gctx) })
	}
	if apiServer != nil {
		g.Go(func() error { return apiServer.Start(gctx) })
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case <-gctx.Done():
	}
	cancel()

	return waitShutdown(g, cfg.ShutdownTimeout)
}

// waitShutdown waits for the server goroutines, giving up after timeout.
func waitShutdown(g *errgroup.Group, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown did not complete within %s", timeout)
	}
}
