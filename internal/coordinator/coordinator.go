// Package coordinator schedules background reconciliation per sync key.
//
// TriggerBackgroundSync never blocks and never runs redundant work: a key
// that already has a task queued is not scheduled again, and a key whose
// task is running gets at most one follow-up run once it finishes, so
// changes made during a run are not left for some later trigger. Tasks are
// handed to a fixed pool of workers over a buffered channel. When the
// buffer is full the trigger is dropped and logged; nothing is lost,
// because the durable queue still holds every unsynced operation and the
// next trigger for the key picks it up.
//
// The coordinator never retries a failed task. Retry policy lives in the
// pending operation queue.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Reconciler performs the work for one sync key.
type Reconciler interface {
	Reconcile(ctx context.Context, key string) error
}

// ReconcileFunc adapts a function to Reconciler.
type ReconcileFunc func(ctx context.Context, key string) error

func (f ReconcileFunc) Reconcile(ctx context.Context, key string) error {
	return f(ctx, key)
}

// Config holds coordinator tuning.
type Config struct {
	// Workers is the number of concurrent reconciliations.
	Workers int
	// Buffer is how many scheduled keys may wait for a worker.
	Buffer int
	// TaskTimeout bounds a single reconciliation. Zero means no bound.
	TaskTimeout time.Duration
	// Logger for coordinator activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:     4,
		Buffer:      64,
		TaskTimeout: 2 * time.Minute,
	}
}

// Coordinator owns the in-flight set and the worker pool.
type Coordinator struct {
	rec    Reconciler
	config *Config
	logger *slog.Logger
	tracer trace.Tracer

	work chan string

	mu sync.Mutex
	// inFlight maps queued keys to false and running keys to true.
	inFlight map[string]bool
	rerun    map[string]bool
	idle     chan struct{}
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a coordinator. Call Start to begin processing; triggers
// before Start wait in the buffer.
func New(rec Reconciler, config *Config) *Coordinator {
	if rec == nil {
		panic("coordinator: nil reconciler")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Buffer < 1 {
		config.Buffer = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)

	return &Coordinator{
		rec:      rec,
		config:   config,
		logger:   logger.With("component", "coordinator"),
		tracer:   otel.Tracer("github.com/trackflow/featsync/internal/coordinator"),
		work:     make(chan string, config.Buffer),
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
		idle:     idle,
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	if c.stopped {
		return fmt.Errorf("coordinator stopped")
	}
	c.started = true

	// Tasks are detached from any caller: they outlive the trigger.
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group = new(errgroup.Group)
	for i := 0; i < c.config.Workers; i++ {
		c.group.Go(func() error {
			c.worker(i)
			return nil
		})
	}
	c.logger.Info("sync workers started", "workers", c.config.Workers, "buffer", c.config.Buffer)
	return nil
}

// TriggerBackgroundSync schedules reconciliation of key unless work for it
// is already queued. A trigger for a running key asks for one more run
// after the current one. It returns immediately and reports whether a new
// task was scheduled.
func (c *Coordinator) TriggerBackgroundSync(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		c.logger.Debug("trigger after stop ignored", "key", key)
		return false
	}
	if running, busy := c.inFlight[key]; busy {
		if running {
			c.rerun[key] = true
		}
		return false
	}

	// The send is non-blocking, so holding mu across it is fine and keeps
	// Stop from racing a late enqueue.
	select {
	case c.work <- key:
	default:
		c.logger.Warn("sync buffer full, dropping trigger", "key", key)
		return false
	}
	if len(c.inFlight) == 0 {
		c.idle = make(chan struct{})
	}
	c.inFlight[key] = false
	return true
}

// InFlight reports whether key is queued or running.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// Active returns the number of keys queued or running.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Wait blocks until no key is queued or running, or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new triggers, lets queued and running tasks finish until
// ctx's deadline, then cancels whatever is left. Cancelled tasks leave
// their queue claims to lease recovery.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		c.drainBuffer()
		return nil
	}

	waitErr := c.Wait(ctx)
	if waitErr != nil {
		c.logger.Warn("stop deadline reached, abandoning sync tasks", "active", c.Active())
	}
	c.cancel()
	_ = c.group.Wait()
	c.drainBuffer()

	c.logger.Info("sync workers stopped")
	return waitErr
}

// drainBuffer releases keys that were queued but never picked up.
func (c *Coordinator) drainBuffer() {
	for {
		select {
		case key := <-c.work:
			c.finish(key)
		default:
			return
		}
	}
}

func (c *Coordinator) worker(id int) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case key := <-c.work:
			c.run(id, key)
		}
	}
}

func (c *Coordinator) run(worker int, key string) {
	c.mu.Lock()
	c.inFlight[key] = true
	c.mu.Unlock()
	defer c.finish(key)

	ctx := c.ctx
	if c.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.TaskTimeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "sync.reconcile",
		trace.WithAttributes(attribute.String("featsync.sync_key", key)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			c.logger.Error("sync task panicked", "key", key, "worker", worker, "panic", r)
		}
	}()

	start := time.Now()
	if err := c.rec.Reconcile(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("background sync failed", "key", key, "worker", worker, "error", err)
		return
	}
	c.logger.Debug("background sync complete", "key", key, "worker", worker, "duration", time.Since(start))
}

func (c *Coordinator) finish(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rerun[key] {
		delete(c.rerun, key)
		if !c.stopped {
			select {
			case c.work <- key:
				c.inFlight[key] = false
				return
			default:
				c.logger.Warn("sync buffer full, dropping follow-up run", "key", key)
			}
		}
	}

	delete(c.inFlight, key)
	if len(c.inFlight) == 0 {
		select {
		case <-c.idle:
		default:
			close(c.idle)
		}
	}
}
