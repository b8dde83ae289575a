// Command sweeper expires idle tasks on a fixed interval. It can run next to
// the server or as a one-shot job with -once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/pkg/flow"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLOWDESK_CONFIG"), "path to a YAML config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stderr).With("component", "sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("start", "error", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if *once {
		if _, err := a.Lifecycle.Sweep(ctx); err != nil {
			logger.Error("sweep", "error", err)
			os.Exit(1)
		}
		return
	}
	loop(ctx, a.Lifecycle, cfg.Lifecycle.SweepInterval, logger)
}

// loop sweeps immediately, then on every tick until ctx is done.
func loop(ctx context.Context, life *flow.Lifecycle, every time.Duration, logger *slog.Logger) {
	logger.Info("sweeper running", "interval", every)
	sweep(ctx, life, logger)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper shutting down")
			return
		case <-ticker.C:
			sweep(ctx, life, logger)
		}
	}
}

func sweep(ctx context.Context, life *flow.Lifecycle, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := life.Sweep(ctx); err != nil && ctx.Err() == nil {
		logger.Error("sweep", "error", err)
	}
}
