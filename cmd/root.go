// Package cmd provides the heron CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - migrate: apply pending database migrations
//   - version: print the build version
package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/heronchat/heron/internal/config"
	"github.com/heronchat/heron/internal/log"
)

var rootCmd = &cobra.Command{
	Use:           "heron",
	Short:         "Multi-session AI chat backend",
	Long:          "heron runs the session-oriented chat backend: durable conversation state in PostgreSQL, pooled tool-server subprocesses, and per-session SSE streaming.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from configuration and installs it as
// the slog default for the few code paths that have no injected logger.
func newLogger(cfg *config.Config) log.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	slog.SetDefault(logger)
	return logger
}
