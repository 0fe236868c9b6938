// Package daemon runs featsync's long-lived background sync.
//
// The daemon:
//  1. Returns claims abandoned by a previous process to the queue
//  2. Triggers a drain at startup and then on every tick
//  3. Optionally wakes live queries on writes by other processes
//  4. Optionally serves the live feed
//  5. Stops background sync with a deadline on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/livefeed"
	"github.com/trackflow/featsync/internal/queue"
)

// Queue is the queue surface the daemon uses.
type Queue interface {
	RecoverClaims(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Subscribe() (<-chan queue.DeadLetter, func())
}

// Scheduler runs and stops background sync.
type Scheduler interface {
	TriggerBackgroundSync(key string) bool
	Stop(ctx context.Context) error
}

// Config holds daemon configuration.
type Config struct {
	// DrainKey is the sync key triggered on every tick.
	DrainKey string

	// DrainInterval is how often a drain is triggered (default: 30s).
	DrainInterval time.Duration

	// StopTimeout bounds how long in-flight sync may run after shutdown is
	// requested (default: 10s).
	StopTimeout time.Duration

	// WatchExternal wakes live queries on database writes made by other
	// processes.
	WatchExternal bool
	// ExternalDebounce batches those writes (default: 100ms).
	ExternalDebounce time.Duration

	// LiveFeed enables the WebSocket feed when non-nil.
	LiveFeed *livefeed.Config
	// StatsInterval is how often the feed polls queue statistics.
	StatsInterval time.Duration

	// Logger for daemon activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainKey:         "features_drain",
		DrainInterval:    30 * time.Second,
		StopTimeout:      10 * time.Second,
		ExternalDebounce: 100 * time.Millisecond,
	}
}

// Daemon drives periodic sync for one process.
type Daemon struct {
	cache     *cache.Store
	queue     Queue
	scheduler Scheduler
	config    *Config
	logger    *slog.Logger

	feedServer *livefeed.Server

	wg sync.WaitGroup
}

// New creates a Daemon. Run starts it.
func New(store *cache.Store, q Queue, s Scheduler, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DrainKey == "" {
		config.DrainKey = defaults.DrainKey
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Daemon{
		cache:     store,
		queue:     q,
		scheduler: s,
		config:    config,
		logger:    logger.With("component", "daemon"),
	}, nil
}

// Run blocks until ctx is cancelled, then shuts down. The returned error
// is nil on a clean shutdown, or reports sync work abandoned at the stop
// deadline.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon",
		"drain_interval", d.config.DrainInterval,
		"watch_external", d.config.WatchExternal,
		"livefeed", d.config.LiveFeed != nil)

	recovered, err := d.queue.RecoverClaims(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover claims: %w", err)
	}
	if recovered > 0 {
		d.logger.Info("returned abandoned operations to the queue", "count", recovered)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.config.WatchExternal {
		ew, err := cache.NewExternalWatcher(d.cache, d.config.ExternalDebounce)
		if err != nil {
			return err
		}
		if err := ew.Start(); err != nil {
			return err
		}
		defer func() {
			if err := ew.Stop(); err != nil {
				d.logger.Warn("failed to stop external watcher", "error", err)
			}
		}()
	}

	if d.config.LiveFeed != nil {
		if err := d.startFeed(runCtx); err != nil {
			return err
		}
	}

	d.wg.Add(2)
	go d.drainLoop(runCtx)
	go d.reportDeadLetters(runCtx)

	<-ctx.Done()
	d.logger.Info("shutdown signal received")
	return d.shutdown(cancel)
}

func (d *Daemon) startFeed(ctx context.Context) error {
	cfg := *d.config.LiveFeed
	if cfg.Logger == nil {
		cfg.Logger = d.logger
	}
	d.feedServer = livefeed.NewServer(&cfg)
	if err := d.feedServer.Start(); err != nil {
		return fmt.Errorf("failed to start live feed: %w", err)
	}

	feed := livefeed.NewFeed(d.feedServer, d.cache, d.queue, d.config.StatsInterval, d.logger)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := feed.Run(ctx); err != nil {
			d.logger.Warn("live feed stopped", "error", err)
		}
	}()
	return nil
}

// FeedAddr returns the live feed address, or "" when the feed is off.
func (d *Daemon) FeedAddr() string {
	if d.feedServer == nil {
		return ""
	}
	return d.feedServer.Addr()
}

// drainLoop triggers a drain now and on every tick.
func (d *Daemon) drainLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	d.scheduler.TriggerBackgroundSync(d.config.DrainKey)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.scheduler.TriggerBackgroundSync(d.config.DrainKey) {
				d.logger.Debug("drain already in flight, skipping tick")
			}
			if stats, err := d.queue.Stats(ctx); err == nil && stats.Pending+stats.Claimed+stats.Dead > 0 {
				d.logger.Debug("queue state", "pending", stats.Pending, "claimed", stats.Claimed, "dead", stats.Dead)
			}
		}
	}
}

// reportDeadLetters surfaces dead letters in the daemon log.
func (d *Daemon) reportDeadLetters(ctx context.Context) {
	defer d.wg.Done()

	letters, unsubscribe := d.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case dl, ok := <-letters:
			if !ok {
				return
			}
			d.logger.Error("operation needs attention: retries exhausted",
				"operation", dl.Operation.ID,
				"kind", dl.Operation.Kind,
				"entity_id", dl.Operation.EntityID,
				"cause", dl.Cause,
				"hint", "featsync queue retry "+dl.Operation.ID)
		}
	}
}

func (d *Daemon) shutdown(cancel context.CancelFunc) error {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), d.config.StopTimeout)
	defer stopCancel()

	var errs []error
	if err := d.scheduler.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("background sync abandoned: %w", err))
	}

	cancel()
	if d.feedServer != nil {
		if err := d.feedServer.Stop(stopCtx); err != nil {
			d.logger.Warn("live feed shutdown failed", "error", err)
		}
	}
	d.wg.Wait()

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
