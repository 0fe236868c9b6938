package livefeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/queue"
)

// Watcher is the live cache query the feed mirrors.
type Watcher interface {
	Watch(ctx context.Context, filter cache.Filter) <-chan cache.Snapshot
}

// QueueSource is the queue state the feed reports.
type QueueSource interface {
	Subscribe() (<-chan queue.DeadLetter, func())
	Stats(ctx context.Context) (queue.Stats, error)
}

// Broadcaster sends feed messages. *Server implements it.
type Broadcaster interface {
	Broadcast(msg Message)
}

// SnapshotData is the payload of a snapshot message.
type SnapshotData struct {
	Count     int              `json:"count"`
	Documents []map[string]any `json:"documents"`
}

// DeadLetterData is the payload of a dead_letter message.
type DeadLetterData struct {
	Operation queue.Operation `json:"operation"`
	Cause     string          `json:"cause"`
}

// Feed bridges cache and queue events to a Broadcaster.
type Feed struct {
	out           Broadcaster
	watcher       Watcher
	queue         QueueSource
	statsInterval time.Duration
	logger        *slog.Logger

	lastStats queue.Stats
	haveStats bool
}

// NewFeed creates a feed. statsInterval is how often queue statistics are
// polled (default 2s); unchanged statistics are not rebroadcast.
func NewFeed(out Broadcaster, w Watcher, q QueueSource, statsInterval time.Duration, logger *slog.Logger) *Feed {
	if statsInterval <= 0 {
		statsInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		out:           out,
		watcher:       w,
		queue:         q,
		statsInterval: statsInterval,
		logger:        logger.With("component", "livefeed"),
	}
}

// Run pumps events until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	snapshots := f.watcher.Watch(ctx, cache.Filter{})
	letters, unsubscribe := f.queue.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(f.statsInterval)
	defer ticker.Stop()
	f.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if snap.Err != nil {
				continue
			}
			f.publishSnapshot(snap.Documents)

		case dl, ok := <-letters:
			if !ok {
				return nil
			}
			f.send(MessageTypeDeadLetter, DeadLetterData{Operation: dl.Operation, Cause: dl.Cause})
			f.publishStats(ctx)

		case <-ticker.C:
			f.publishStats(ctx)
		}
	}
}

func (f *Feed) publishSnapshot(docs []cache.Document) {
	data := SnapshotData{Count: len(docs), Documents: make([]map[string]any, 0, len(docs))}
	for _, d := range docs {
		data.Documents = append(data.Documents, d.Fields)
	}
	f.send(MessageTypeSnapshot, data)
}

func (f *Feed) publishStats(ctx context.Context) {
	stats, err := f.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("failed to read queue stats", "error", err)
		}
		return
	}
	if f.haveStats && sameStats(stats, f.lastStats) {
		return
	}
	f.lastStats, f.haveStats = stats, true
	f.send(MessageTypeQueueStats, stats)
}

func sameStats(a, b queue.Stats) bool {
	if a.Pending != b.Pending || a.Claimed != b.Claimed || a.Dead != b.Dead {
		return false
	}
	if (a.Oldest == nil) != (b.Oldest == nil) {
		return false
	}
	return a.Oldest == nil || a.Oldest.Equal(*b.Oldest)
}

func (f *Feed) send(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		f.logger.Warn("dropping feed message", "type", t, "error", err)
		return
	}
	f.out.Broadcast(msg)
}
