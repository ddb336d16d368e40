// Package app wires a configured boardline instance: the gateway (remote
// client or local store), the realtime bus, the schema cache, metrics and
// the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/engine"
	"boardline/internal/gateway"
	"boardline/internal/metrics"
	"boardline/internal/migrate"
	"boardline/internal/realtime"
	"boardline/internal/repo"
	"boardline/internal/schema"
)

type App struct {
	Workspace string
	DB        *sql.DB
	// Local is set when the gateway is the workspace's sqlite store.
	Local    *repo.Repo
	Gateway  gateway.Gateway
	Bus      realtime.Bus
	Schemas  *schema.Cache
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	mu      sync.RWMutex
	cfg     *config.Config
	engine  engine.Engine
	closers []func() error
}

type Options struct {
	Logger *slog.Logger
	// InMemory keeps a local store in memory instead of the workspace file.
	InMemory bool
}

// Open builds the instance described by cfg. Close releases it.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// local.workspace is relative to the workspace the config was read from.
	if w := cfg.Local.Workspace; filepath.IsAbs(w) {
		workspace = w
	} else if w != "" {
		workspace = filepath.Join(workspace, w)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{
		Workspace: workspace,
		Registry:  reg,
		Metrics:   metrics.New(reg),
		Logger:    logger,
		cfg:       cfg,
	}

	bus, err := openBus(cfg.Realtime, logger)
	if err != nil {
		return nil, err
	}
	a.Bus = bus
	a.closers = append(a.closers, bus.Close)

	var base gateway.Gateway
	switch cfg.Gateway.Mode {
	case config.ModeLocal:
		conn, err := db.Open(db.Config{Workspace: workspace, InMemory: opts.InMemory})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		applied, err := migrate.Apply(ctx, conn)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "migrations", applied)
		}
		r := repo.New(conn, cfg, bus, logger)
		a.Local = &r
		base = r
	default:
		c := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.APISecret)
		if cfg.Gateway.Timeout > 0 {
			c.Timeout = cfg.Gateway.Timeout
		}
		if cfg.Gateway.MetaMethod != "" {
			c.MetaMethod = cfg.Gateway.MetaMethod
		}
		c.Bus = bus
		base = c
	}
	a.Gateway = gateway.Instrument(base, a.Metrics, logger)
	a.Schemas = schema.New(a.Gateway, schema.Options{Logger: logger, Metrics: a.Metrics})
	unwatch, err := a.Schemas.Watch(bus)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { unwatch(); return nil })
	a.engine = a.newEngine(cfg)
	return a, nil
}

func openBus(cfg config.Realtime, logger *slog.Logger) (realtime.Bus, error) {
	if cfg.NATSURL == "" {
		return realtime.NewLocalBus(logger), nil
	}
	return realtime.ConnectNATS(cfg.NATSURL, cfg.SubjectPrefix, logger)
}

func (a *App) newEngine(cfg *config.Config) engine.Engine {
	return engine.New(a.Gateway, a.Schemas, cfg, engine.Options{Bus: a.Bus, Metrics: a.Metrics, Logger: a.Logger})
}

func (a *App) Engine() engine.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload swaps in new view and operation settings and drops cached schemas.
// Gateway, realtime and local store settings only apply after a restart.
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.engine = a.newEngine(cfg)
	a.mu.Unlock()
	if prev.Gateway != cfg.Gateway || prev.Realtime != cfg.Realtime || prev.Local != cfg.Local {
		a.Logger.Warn("gateway, realtime or local settings changed; restart to apply them")
	}
	a.Schemas.InvalidateAll()
	a.Logger.Info("config reloaded")
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, realtime.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
