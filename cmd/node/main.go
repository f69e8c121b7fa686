package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"echosos/beacon-node/internal/app"
	"echosos/beacon-node/internal/config"
	"echosos/beacon-node/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Node.LogLevel, cfg.Node.LogFormat, os.Stdout).With("node", cfg.Node.Name)
	slog.SetDefault(logger)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}
