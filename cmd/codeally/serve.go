package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/benhmoore/codeally/internal/config"
	"github.com/benhmoore/codeally/internal/daemon"
	"github.com/benhmoore/codeally/internal/events"
	"github.com/benhmoore/codeally/internal/observability"
	"github.com/benhmoore/codeally/internal/plugins"
	"github.com/benhmoore/codeally/internal/rpc"
	"github.com/benhmoore/codeally/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load plugins, start their daemons, and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	client := rpc.NewClient(
		rpc.WithMaxResponseSize(cfg.RPC.MaxResponseSize),
		rpc.WithLogger(logger),
	)

	manager := daemon.NewManager(
		daemon.WithLogger(logger),
		daemon.WithMetrics(metrics),
		daemon.WithRPCClient(client),
	)

	bus := events.NewBus(manager, client,
		events.WithLogger(logger),
		events.WithMetrics(metrics),
	)

	toolRegistry := tools.NewRegistry()
	toolRegistry.SetMetrics(metrics)

	loader := plugins.NewLoader(toolRegistry,
		plugins.WithRunner(manager),
		plugins.WithRPCClient(client),
		plugins.WithEventBus(bus),
		plugins.WithRPCTimeout(cfg.RPC.Timeout),
		plugins.WithLogger(logger),
	)

	loaded, err := loader.Load(cfg.Plugins.Paths)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dc := range loaded.Daemons {
		dc = withDaemonDefaults(dc, cfg)
		if err := manager.Start(ctx, dc); err != nil {
			logger.Error("failed to start plugin daemon", "daemon", dc.Name, "error", err)
		}
	}

	var watcher *plugins.Watcher
	if cfg.Plugins.Watch {
		watcher = plugins.NewWatcher(cfg.Plugins.Paths, func() {
			logger.Info("plugin manifests changed; restart to apply")
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("plugin watcher unavailable", "error", err)
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("codeally serving",
		"plugins", len(loaded.Plugins),
		"daemons", len(loaded.Daemons),
		"tools", len(toolRegistry.List()))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	manager.StopAll(shutdownCtx)
	bus.Flush()
	return nil
}

// withDaemonDefaults overlays the config-level daemon defaults on fields the
// manifest left unset.
func withDaemonDefaults(dc daemon.Config, cfg *config.Config) daemon.Config {
	d := cfg.Daemons
	if dc.StartupTimeout == 0 {
		dc.StartupTimeout = d.StartupTimeout
	}
	if dc.ShutdownGrace == 0 {
		dc.ShutdownGrace = d.ShutdownGrace
	}
	if dc.HealthInterval == 0 {
		dc.HealthInterval = d.HealthInterval
	}
	if dc.HealthTimeout == 0 {
		dc.HealthTimeout = d.HealthTimeout
	}
	if dc.MaxHealthFailures == 0 {
		dc.MaxHealthFailures = d.MaxHealthFailures
	}
	if dc.MaxRestartAttempts == 0 {
		dc.MaxRestartAttempts = d.MaxRestartAttempts
	}
	if dc.RestartDelay == 0 {
		dc.RestartDelay = d.RestartDelay
	}
	return dc
}
