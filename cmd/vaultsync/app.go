package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fentz26/vaultsync/internal/config"
	"github.com/fentz26/vaultsync/internal/metrics"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/scheduler"
	"github.com/fentz26/vaultsync/internal/store"
	"github.com/fentz26/vaultsync/internal/tasks"
)

// app holds the components every command shares.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	metrics    *metrics.Metrics
	registry   *reconcile.Registry
	engine     *tasks.Engine
	reconciler *reconcile.Reconciler
}

// openApp opens the store and wires the sync components for cfg.
func openApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	reg := reconcile.NewRegistry(cfg.PluginsDir)

	eng, err := tasks.New(tasks.Config{
		ProjectRoot: cfg.ProjectRoot,
		StateDir:    filepath.Join(cfg.StateDir, "tasks"),
		Include:     cfg.Vault.Include,
		Exclude:     cfg.Vault.Exclude,
		Store:       st,
		Logger:      logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := reg.Register(tasks.Plugin, eng.Adapter); err != nil {
		st.Close()
		return nil, fmt.Errorf("register %s: %w", tasks.Plugin, err)
	}

	rec := reconcile.New(st, reg, reconcile.Config{
		ProjectRoot: cfg.ProjectRoot,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
		Metrics:     m,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		metrics:    m,
		registry:   reg,
		engine:     eng,
		reconciler: rec,
	}, nil
}

// sources rereads the config file, if any, so source edits apply to the
// next cycle. Other settings keep their startup values.
func (a *app) sources() ([]models.Source, error) {
	if a.cfg.Path == "" {
		return a.cfg.ListSources(), nil
	}
	fresh, err := config.NewLoader(a.logger).Load(a.cfg.Path)
	if err != nil {
		return nil, err
	}
	return fresh.ListSources(), nil
}

// selectSources checks that every id names a configured source.
func (a *app) selectSources(ids []string) error {
	for _, id := range ids {
		if _, ok := a.cfg.Source(id); !ok {
			return fmt.Errorf("unknown source %q", id)
		}
	}
	return nil
}

// scheduler builds a scheduler that shares the cross-process cycle lock.
func (a *app) scheduler(runOnStart bool) *scheduler.Scheduler {
	return scheduler.New(a.reconciler, a.sources, &scheduler.Config{
		Interval:   a.cfg.Interval,
		LockPath:   filepath.Join(a.cfg.StateDir, "cycle.lock"),
		RunOnStart: runOnStart,
	}, scheduler.WithLogger(a.logger), scheduler.WithMetrics(a.metrics))
}

func (a *app) Close() error {
	return a.store.Close()
}
