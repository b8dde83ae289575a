// Package app assembles the stores, engine and HTTP handler from a Config.
// Every binary starts here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowdesk/internal/api"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/pkg/flow"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/link"
	"flowdesk/pkg/messaging"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
	"flowdesk/pkg/telemetry"
	"flowdesk/pkg/validate"
)

// Version is stamped into telemetry resources.
var Version = "dev"

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Pool      *pgxpool.Pool // nil with the memory store
	Tasks     task.Store
	Records   *record.Registry
	Links     link.Store
	Journal   *journal.Bus
	Sink      messaging.Sink
	Metrics   *telemetry.Metrics
	Telemetry *telemetry.Provider
	Lifecycle *flow.Lifecycle
	Engine    *flow.Engine

	ensure []func(context.Context) error
}

// NewLogger returns a JSON logger at the configured level.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// New connects to storage and builds the engine. Tables are not created;
// call EnsureTables for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	tp, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Service: "flowdesk",
		Version: Version,
	})
	if err != nil {
		return nil, err
	}
	a.Telemetry = tp
	a.Metrics = telemetry.NewMetrics()

	var (
		tasks     task.Store
		providers record.Capability
		customers record.Capability
		journals  journal.Store
	)
	switch cfg.Store {
	case config.StoreMemory:
		tasks = task.NewMemStore()
		providers = record.NewMemStore(task.RoleProvider)
		customers = record.NewMemStore(task.RoleCustomer)
		a.Links = link.NewMemStore()
		journals = journal.NewMemStore()
		logger.Warn("using in-memory stores; nothing survives a restart")
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, 30*time.Second, logger)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		pgTasks := task.NewPgStore(pool)
		pgProviders := record.NewPgStore(pool, task.RoleProvider)
		pgLinks := link.NewPgStore(pool)
		pgJournal := journal.NewPgStore(pool)
		tasks, providers, a.Links, journals = pgTasks, pgProviders, pgLinks, pgJournal
		customers = record.NewPgStore(pool, task.RoleCustomer)
		// profiles is shared by both roles; creating it once is enough.
		a.ensure = append(a.ensure, pgTasks.EnsureTable, pgProviders.EnsureTable, pgLinks.EnsureTable, pgJournal.EnsureTable)
	}

	a.Tasks = task.NewCachedStore(telemetry.WrapStore(tp, tasks), cfg.Cache.Size, cfg.Cache.TTL)
	a.Records = record.NewRegistry(map[task.Role]record.Capability{
		task.RoleProvider: providers,
		task.RoleCustomer: customers,
	})
	a.Journal = journal.NewBus(journals)

	if cfg.Sink.URL != "" {
		a.Sink = messaging.NewHTTPSink(cfg.Sink.URL, cfg.Sink.Timeout)
	} else {
		a.Sink = messaging.LogSink{Logger: logger.With("component", "sink")}
	}

	catalog := flow.DefaultCatalog()
	if cfg.Flows.Catalog != "" {
		if catalog, err = flow.LoadCatalog(cfg.Flows.Catalog); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	defs, err := flow.BuiltinDefinitions(flow.Deps{
		Catalog:  catalog,
		Records:  a.Records,
		Links:    a.Links,
		Sink:     a.Sink,
		Region:   cfg.Validation.Region,
		PriceMin: cfg.Validation.PriceMin,
		PriceMax: cfg.Validation.PriceMax,
		Logger:   logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("flow definitions: %w", err)
	}

	retries := validate.NewRetryCounter(cfg.Validation.MaxRetries, cfg.Validation.RetryTTL, cfg.Validation.RetryCapacity)
	a.Lifecycle = flow.NewLifecycle(a.Tasks, a.Journal, a.Metrics, cfg.Windows(), cfg.Lifecycle.SweepBatch, logger)
	a.Engine = flow.New(flow.Options{
		Store:       a.Tasks,
		Definitions: defs,
		Validators:  validate.NewRegistry(retries),
		Lifecycle:   a.Lifecycle,
		Sink:        a.Sink,
		Journal:     a.Journal,
		Observer:    a.Metrics,
		Catalog:     catalog,
		Policy:      cfg.Policy(),
		Logger:      logger,
	})
	return a, nil
}

// EnsureTables creates any missing tables and indexes.
func (a *App) EnsureTables(ctx context.Context) error {
	for _, fn := range a.ensure {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.New(api.Deps{
		Engine:  a.Engine,
		Tasks:   a.Tasks,
		Journal: a.Journal,
		Feed:    a.Journal,
		Links:   a.Links,
		Metrics: a.Metrics.Handler(),
		Limiter: api.NewLimiter(a.Config.RateLimit.RPS, a.Config.RateLimit.Burst, 10*time.Minute),
		Logger:  a.Logger,
	})
}

// Close flushes telemetry and releases the pool.
func (a *App) Close(ctx context.Context) {
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("telemetry shutdown", "error", err)
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
