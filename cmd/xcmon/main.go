// Command xcmon runs the cross-chain message monitoring agent: it
// correlates per-chain Sent/Received event streams into journeys and
// delivers filtered notifications to subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sodazone/xcmon/config"
	"github.com/sodazone/xcmon/service"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cli, err := parseFlags(args)
	if err != nil {
		return 2
	}

	if cli.ShowVersion {
		fmt.Printf("xcmon %s\n", version)
		return 0
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	applyOverrides(&cfg, cli)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if cli.Validate {
		fmt.Println("configuration ok")
		return 0
	}

	logger := newLogger(cfg.LogLevel, cli.LogFormat)

	agent, err := service.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble agent", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting xcmon", "version", version, "agent", cfg.AgentID)
	if err := agent.Run(ctx); err != nil {
		logger.Error("Agent exited with error", "error", err)
		return 1
	}
	return 0
}

// applyOverrides layers CLI/env overrides on top of the file config.
func applyOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.NATSURL != "" {
		cfg.NATS.URL = cli.NATSURL
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
