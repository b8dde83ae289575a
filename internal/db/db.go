// Package db opens the Postgres pool shared by the stores.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for url and waits until the database answers a ping.
// Startup races with the database container are absorbed by retrying with
// exponential backoff for up to maxWait.
func Connect(ctx context.Context, url string, maxWait time.Duration, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var pool *pgxpool.Pool
	attempt := 0
	op := func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("database not ready", "attempt", attempt, "error", err)
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect after %d attempts: %w", attempt, err)
	}
	logger.Info("database connected", "attempts", attempt, "max_conns", cfg.MaxConns)
	return pool, nil
}
