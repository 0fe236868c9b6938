// Package app assembles featsync's services from a Config.
//
// Every service is constructed explicitly here and injected into the next:
//
//	localdb ─┬─ cache ──────────┐
//	         └─ queue ──────────┼─ syncer ── coordinator ── repository ── usecase
//	remote client ──────────────┘
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/config"
	"github.com/trackflow/featsync/internal/coordinator"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/localdb"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/remote"
	"github.com/trackflow/featsync/internal/repository"
	"github.com/trackflow/featsync/internal/syncer"
	"github.com/trackflow/featsync/internal/usecase"
)

// App holds the wired services.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB          *localdb.DB
	Cache       *cache.Store
	Queue       *queue.Queue
	Remote      *remote.Client
	Syncer      syncer.Syncer
	Coordinator *coordinator.Coordinator
	Repository  *repository.Repository
	Features    *usecase.Features
	Keys        syncer.Keys
}

// Open opens the local database and wires every service. The coordinator
// is started, so triggers run immediately. Close releases everything.
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := localdb.Open(path)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Keys:   syncer.KeysFor(feature.EntityType),
	}
	a.Cache = cache.New(db, feature.EntityType, logger)
	a.Queue = queue.New(db, QueueConfig(cfg), logger)
	a.Remote = remote.New(cfg.Remote.URL, cfg.Remote.Collection,
		remote.WithAPIKey(cfg.Remote.APIKey),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
		remote.WithLogger(logger),
	)
	a.Syncer = syncer.New(a.Cache, a.Queue, a.Remote, &syncer.Options{
		EntityType: feature.EntityType,
		BatchSize:  cfg.Sync.BatchSize,
		Logger:     logger,
	})
	a.Coordinator = coordinator.New(a.Syncer, &coordinator.Config{
		Workers:     cfg.Sync.Workers,
		Buffer:      cfg.Sync.Buffer,
		TaskTimeout: cfg.Sync.TaskTimeout,
		Logger:      logger,
	})
	a.Repository = repository.New(a.Cache, a.Queue, a.Coordinator, logger)
	a.Features = usecase.New(a.Repository)

	if err := a.Coordinator.Start(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// QueueConfig maps the queue settings.
func QueueConfig(cfg *config.Config) *queue.Config {
	return &queue.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		Multiplier:     cfg.Queue.Multiplier,
		MaxBackoff:     cfg.Queue.MaxBackoff,
		Jitter:         cfg.Queue.Jitter,
		ClaimLease:     cfg.Queue.ClaimLease,
	}
}

// Close stops background sync, giving in-flight work until ctx ends, and
// closes the database. Work abandoned at the deadline stays queued.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Coordinator.Stop(ctx); err != nil {
		a.Logger.Warn("background sync abandoned at shutdown, operations stay queued", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
