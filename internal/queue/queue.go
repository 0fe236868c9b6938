// Package queue implements the durable pending operation queue: the only
// path by which local mutations reach the remote store.
//
// Operations are persisted before Enqueue returns and survive restarts.
// Draining happens through Claim, which hands out ready operations in
// priority order (high, normal, low) and FIFO by enqueue order within a
// priority. Operations on the same entity are additionally released in
// enqueue order: an operation is only claimable once every earlier
// operation on its entity has been acked or dead-lettered, so an update can
// never overtake the create it depends on.
//
// A claimed operation is leased. Ack removes it; Fail schedules a retry with
// exponential backoff or, once the attempt budget is spent, moves it to the
// dead-letter state and publishes it to subscribers. A lease that is never
// resolved (process crash, abandoned shutdown) expires and the operation
// becomes claimable again.
package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/trackflow/featsync/internal/localdb"
)

// Kind is the mutation an operation replays.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Priority orders claimable operations. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "normal" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a stored operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDead    Status = "dead"
)

// Operation is one queued mutation.
type Operation struct {
	ID         string         `json:"id" yaml:"id"`
	Seq        int64          `json:"seq" yaml:"seq"`
	Kind       Kind           `json:"kind" yaml:"kind"`
	EntityType string         `json:"entityType" yaml:"entity_type"`
	EntityID   string         `json:"entityId" yaml:"entity_id"`
	Payload    map[string]any `json:"payload" yaml:"payload"`
	Priority   Priority       `json:"priority" yaml:"priority"`
	EnqueuedAt time.Time      `json:"enqueuedAt" yaml:"enqueued_at"`

	AttemptCount  int        `json:"attemptCount" yaml:"attempt_count"`
	NextAttemptAt time.Time  `json:"nextAttemptAt" yaml:"next_attempt_at"`
	Status        Status     `json:"status" yaml:"status"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty" yaml:"claimed_at,omitempty"`
	LastError     string     `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	DeadAt        *time.Time `json:"deadAt,omitempty" yaml:"dead_at,omitempty"`
}

// DeadLetter is published when an operation exhausts its retries.
type DeadLetter struct {
	Operation Operation
	Cause     string
}

// Config holds queue tuning.
type Config struct {
	// MaxAttempts is how many failed attempts an operation gets before it
	// is dead-lettered.
	MaxAttempts int

	// InitialBackoff, Multiplier and MaxBackoff shape the retry delay.
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration

	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64

	// ClaimLease is how long a claim is honored before the operation is
	// considered abandoned and handed out again.
	ClaimLease time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2,
		MaxBackoff:     5 * time.Minute,
		Jitter:         0.2,
		ClaimLease:     2 * time.Minute,
		Now:            time.Now,
	}
}

// Queue is the durable operation log.
type Queue struct {
	db     *localdb.DB
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan DeadLetter
	nextSub int
}

// New creates a queue on db. A nil config uses DefaultConfig; a nil logger
// uses slog.Default.
func New(db *localdb.DB, config *Config, logger *slog.Logger) *Queue {
	if db == nil {
		panic("queue: nil database")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:     db,
		config: config,
		logger: logger.With("component", "queue"),
		subs:   make(map[int]chan DeadLetter),
	}
}

// Subscribe returns a channel receiving every dead-lettered operation and a
// function that ends the subscription. The channel is buffered; a
// subscriber that stops reading misses letters (they stay queryable
// through DeadLetters) and a warning is logged.
func (q *Queue) Subscribe() (<-chan DeadLetter, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextSub
	q.nextSub++
	ch := make(chan DeadLetter, 64)
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.subs, id)
			close(ch)
		})
	}
}

func (q *Queue) publish(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, ch := range q.subs {
		select {
		case ch <- dl:
		default:
			q.logger.Warn("dead letter subscriber is full, dropping notification",
				"subscriber", id, "operation", dl.Operation.ID)
		}
	}
}

// backoffFor returns the delay before retry number attempt (1-based).
func (q *Queue) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.config.InitialBackoff
	b.Multiplier = q.config.Multiplier
	b.MaxInterval = q.config.MaxBackoff
	b.RandomizationFactor = q.config.Jitter
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d < 0 {
		d = 0
	}
	return d
}
