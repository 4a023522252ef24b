// The sproutd binary runs the appliance control plane: it reconciles the
// board's GPIO pins against the cloud device document, runs watering and
// lighting schedules, and serves the on-device diagnostics page.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/verdant-devices/sproutd/appliance"
	"github.com/verdant-devices/sproutd/logging"
)

func main() {
	logger := logging.NewLogger("sproutd")

	cfg, err := appliance.ConfigFromEnv()
	if err != nil {
		logger.Fatal(err)
	}
	if level, err := logging.LevelFromString(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnw("unknown log level; staying at info", "level", cfg.LogLevel)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Warnw("data dir unavailable; no log file or interval cache", "dir", cfg.DataDir, "error", err)
	} else {
		logger.AddAppender(logging.NewFileAppender(cfg.DataDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := appliance.New(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("initialisation failed", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Errorw("appliance failed", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}
