package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyonlabs/chorus/internal/config"
	"github.com/halcyonlabs/chorus/internal/daemon"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("CHORUS_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Build the daemon
	app, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}

	// 3. Run until signal
	err = app.Run(ctx)
	closeErr := app.Close()
	switch {
	case err != nil:
		logger.Error("chorusd failed", "error", err)
		os.Exit(1)
	case ctx.Err() != nil:
		os.Exit(130)
	case closeErr != nil:
		logger.Error("shutdown incomplete", "error", closeErr)
		os.Exit(1)
	}
}
