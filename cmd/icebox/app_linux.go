//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/reaper"
	"github.com/p-arndt/icebox/internal/runtime/linux"
	"github.com/p-arndt/icebox/internal/store"
	"github.com/p-arndt/icebox/internal/task"
)

const reapInterval = 30 * time.Second

// app wires the store, driver and task manager for one command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	driver *linux.Driver
	tasks  *task.Manager
}

func loadConfig(opts globalOpts) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	return cfg, newLogger(level), nil
}

func newApp(opts globalOpts) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	// The driver creates the data directory the database lives in.
	driver, err := linux.NewDriver(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sandbox driver: %w", err)
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		driver: driver,
		tasks:  task.NewManager(driver, st, logger),
	}, nil
}

func (a *app) reaper() *reaper.Reaper {
	return reaper.New(a.store, a.driver, reapInterval, a.cfg.Run.Retention, a.logger)
}

func (a *app) Close() error {
	return a.store.Close()
}
