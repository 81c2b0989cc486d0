// Package app wires the application together: configuration in, a running set
// of collaborators out. Construction is explicit and ordered; Close tears down
// in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heronchat/heron/db"
	"github.com/heronchat/heron/internal/config"
	"github.com/heronchat/heron/internal/observability"
	"github.com/heronchat/heron/internal/orchestrator"
	"github.com/heronchat/heron/internal/pool"
	"github.com/heronchat/heron/internal/registry"
	"github.com/heronchat/heron/internal/session"
	"github.com/heronchat/heron/internal/toolserver"
)

// closeTimeout bounds teardown of any single component during Close.
const closeTimeout = 10 * time.Second

// App holds the constructed application components.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	DBPool       *pgxpool.Pool
	Sessions     *session.Store
	Registry     *registry.Registry
	ToolPool     *pool.Pool[toolserver.Client]
	Tools        *toolserver.Source
	Orchestrator *orchestrator.Orchestrator

	otelCleanup func(context.Context) error
}

// Setup creates and initializes the application. gen is the model-call seam;
// pass nil to run the built-in simulation generator (no model configured).
//
// Returns an App whose Close releases everything; on a setup failure
// everything initialized so far is torn down before the error returns.
func Setup(ctx context.Context, cfg *config.Config, gen orchestrator.Generator, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if cfg.Otel.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Otel.Endpoint,
			Environment: cfg.Otel.Environment,
			ServiceName: cfg.Otel.ServiceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelCleanup = shutdown
	}

	dbPool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = dbPool

	a.Sessions = session.New(session.NewQueries(dbPool), dbPool, logger.With("component", "session"))

	toolPool, source, err := provideToolPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.ToolPool = toolPool
	a.Tools = source

	a.Registry = registry.New(cfg.IdleTimeout, logger.With("component", "registry"))
	a.Registry.Start()

	if gen == nil {
		logger.Info("no generator configured, running in simulation mode")
		gen = NewSimulation(0)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		DrainGrace:   cfg.DrainGrace,
		HistoryLimit: config.NormalizeHistoryLimit(cfg.HistoryLimit),
	}, gen, a.Sessions, a.Registry, a.Tools, logger.With("component", "orchestrator"))

	return a, nil
}

// provideDBPool runs migrations, then creates and pings the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := dbPool.Ping(pingCtx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return dbPool, nil
}

// provideToolPool spawns the configured tool-server instances and wraps the
// pool in the per-task checkout source.
func provideToolPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pool.Pool[toolserver.Client], *toolserver.Source, error) {
	specs := make(map[string]toolserver.CommandSpec, len(cfg.ToolServers))
	for key, ts := range cfg.ToolServers {
		specs[key] = toolserver.CommandSpec{Command: ts.Command, Args: ts.Args, Env: ts.Env}
	}

	spawner := toolserver.NewSpawner(specs, Version, logger.With("component", "toolserver"))
	toolPool := pool.New(spawner, logger.With("component", "pool"))

	keys := spawner.Keys()
	if err := toolPool.Initialize(ctx, keys, cfg.PoolSize); err != nil {
		return nil, nil, fmt.Errorf("initializing tool-server pool: %w", err)
	}

	source := toolserver.NewSource(toolPool, keys, cfg.AcquireTimeout, logger.With("component", "toolserver"))
	return toolPool, source, nil
}

// Close releases all application resources in reverse construction order.
// Safe to call on a partially constructed App.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.Orchestrator != nil {
		a.Orchestrator.Shutdown(ctx)
	}
	if a.Registry != nil {
		a.Registry.Stop()
		a.Registry.CloseAll()
	}
	if a.ToolPool != nil {
		a.ToolPool.Shutdown(ctx)
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		if err := a.otelCleanup(ctx); err != nil {
			return fmt.Errorf("shutting down tracer provider: %w", err)
		}
	}
	return nil
}
