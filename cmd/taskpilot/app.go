package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/scheduler"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/internal/streaming"
)

// app is the wired process: store, engine and services over one database.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	engine *engine.Engine
	review *review.Service
}

func openApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(s, nil, engine.Config{
		PoolSize:         cfg.PoolSize,
		RecordsPerSecond: cfg.RecordsPerSecond,
		Safety: safety.Config{
			Breaker: safety.BreakerConfig{Threshold: cfg.Threshold, MinSample: cfg.MinSample},
			Scope:   cfg.Scope,
		},
		Logger: logger,
		Hub:    hub,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  s,
		hub:    hub,
		engine: eng,
		review: review.NewService(s, eng, logger),
	}, nil
}

func (a *app) scheduler(reader scheduler.RecordReader) *scheduler.Scheduler {
	return scheduler.New(a.store, a.engine, reader, scheduler.Config{
		Interval: time.Duration(a.cfg.ScheduleSeconds) * time.Second,
		Logger:   a.logger,
	})
}

func (a *app) Close() error {
	return a.store.Close()
}
