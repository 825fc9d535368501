// Package main provides the CLI entry point for the CodeAlly execution host.
//
// CodeAlly runs the tool-execution core of a coding agent: it loads plugin
// manifests, supervises their background daemons, and dispatches tool calls
// over JSON-RPC.
//
// # Basic Usage
//
// Start the host:
//
//	codeally serve --config codeally.yaml
//
// Inspect plugins:
//
//	codeally plugins list --path ./plugins
//	codeally plugins validate ./plugins/analyzer
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benhmoore/codeally/internal/config"
	"github.com/benhmoore/codeally/internal/observability"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "codeally",
		Short:        "CodeAlly - plugin-extensible tool execution host",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPluginsCmd(),
		buildDaemonsCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration: the flag path when given, defaults
// otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return logger
}
