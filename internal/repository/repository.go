// Package repository is the offline-first data access layer for features.
//
// Every call is served by the local cache and the pending operation queue
// alone. The network is only ever touched by background sync, which the
// repository starts through fire-and-forget triggers:
//
//	GetByID      cache lookup, trigger feature_<id>
//	WatchByUser  trigger features_<userId>, stream the cache live query
//	Create       cache Insert, enqueue create, trigger features_create
//	Update       cache Put, enqueue update, trigger features_update
//	Delete       cache SoftDelete, enqueue delete, trigger features_delete
//
// A write succeeds once it is durable locally: stored in the cache and
// recorded in the queue. Remote durability is eventual.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/syncer"
)

// Cache is the local document store.
type Cache interface {
	Get(ctx context.Context, id string, opts ...cache.GetOption) (cache.Document, error)
	Put(ctx context.Context, doc cache.Document) error
	// Insert fails with an invalid error when the id is already stored.
	Insert(ctx context.Context, doc cache.Document) error
	SoftDelete(ctx context.Context, id string) error
	Watch(ctx context.Context, filter cache.Filter) <-chan cache.Snapshot
}

// Queue records mutations for background sync.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, entityType, entityID string, payload map[string]any, priority queue.Priority) (string, error)
}

// Trigger schedules background sync for a key without waiting for it.
type Trigger interface {
	TriggerBackgroundSync(key string) bool
}

// Update is one emission of WatchByUser.
type Update struct {
	Features []feature.Feature
	Err      error
}

// Repository implements the offline-first contract for features.
type Repository struct {
	cache   Cache
	queue   Queue
	trigger Trigger
	keys    syncer.Keys
	logger  *slog.Logger
}

// New creates a Repository. A nil logger uses slog.Default.
func New(c Cache, q Queue, t Trigger, logger *slog.Logger) *Repository {
	if c == nil || q == nil || t == nil {
		panic("repository: nil dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		cache:   c,
		queue:   q,
		trigger: t,
		keys:    syncer.KeysFor(feature.EntityType),
		logger:  logger.With("component", "repository"),
	}
}

// GetByID returns the cached feature and schedules a refresh of it. When
// the feature is not cached the refresh is still scheduled and a not-found
// error is returned. GetByID never waits on the network.
func (r *Repository) GetByID(ctx context.Context, id string) (feature.Feature, error) {
	r.trigger.TriggerBackgroundSync(r.keys.Entity(id))
	return r.load(ctx, id)
}

func (r *Repository) load(ctx context.Context, id string) (feature.Feature, error) {
	doc, err := r.cache.Get(ctx, id)
	if err != nil {
		return feature.Feature{}, err
	}
	f, err := feature.FromFields(doc.Fields)
	if err != nil {
		return feature.Feature{}, failure.Storage("load feature", fmt.Errorf("corrupt cached document %s: %w", id, err))
	}
	return f, nil
}

// WatchByUser schedules a refresh of userID's features and returns the live
// cache query over them. The channel closes when ctx ends.
func (r *Repository) WatchByUser(ctx context.Context, userID string) <-chan Update {
	r.trigger.TriggerBackgroundSync(r.keys.Owner(userID))

	snapshots := r.cache.Watch(ctx, cache.Filter{CreatedBy: userID})
	out := make(chan Update)
	go func() {
		defer close(out)
		for snap := range snapshots {
			u := Update{Err: snap.Err}
			if snap.Err == nil {
				u.Features = r.decode(snap.Documents)
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Repository) decode(docs []cache.Document) []feature.Feature {
	features := make([]feature.Feature, 0, len(docs))
	for _, doc := range docs {
		f, err := feature.FromFields(doc.Fields)
		if err != nil {
			r.logger.Warn("skipping corrupt cached document", "id", doc.ID, "error", err)
			continue
		}
		features = append(features, f)
	}
	return features
}

// Create stores a new feature locally and queues it for the remote store.
func (r *Repository) Create(ctx context.Context, f feature.Feature) (feature.Feature, error) {
	if err := f.Validate(); err != nil {
		return feature.Feature{}, failure.Invalid("create feature", err)
	}

	// Insert decides existence and writes in one transaction, so of two
	// concurrent creates with the same id exactly one succeeds.
	if err := r.write(ctx, "create feature", queue.KindCreate, f, r.cache.Insert); err != nil {
		return feature.Feature{}, err
	}
	return f, nil
}

// Update replaces the mutable fields of an existing feature. The id, owner
// and creation time of the stored copy are kept, and updatedAt never moves
// backwards.
func (r *Repository) Update(ctx context.Context, f feature.Feature) (feature.Feature, error) {
	current, err := r.load(ctx, f.ID)
	if err != nil {
		return feature.Feature{}, err
	}

	next := current
	next.Name = f.Name
	next.Description = f.Description
	if f.UpdatedAt.After(next.UpdatedAt) {
		next.UpdatedAt = f.UpdatedAt.UTC()
	}
	if err := next.Validate(); err != nil {
		return feature.Feature{}, failure.Invalid("update feature", err)
	}

	if err := r.write(ctx, "update feature", queue.KindUpdate, next, r.cache.Put); err != nil {
		return feature.Feature{}, err
	}
	return next, nil
}

// Delete soft-deletes a feature locally and queues the remote delete.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.cache.SoftDelete(ctx, id); err != nil {
		return err
	}
	payload := map[string]any{feature.FieldID: id}
	return r.enqueue(ctx, "delete feature", queue.KindDelete, id, payload)
}

func (r *Repository) write(ctx context.Context, op string, kind queue.Kind, f feature.Feature,
	store func(context.Context, cache.Document) error) error {
	fields := f.ToFields()
	err := store(ctx, cache.Document{
		ID:        f.ID,
		CreatedBy: f.CreatedBy,
		Fields:    fields,
	})
	if errors.Is(err, failure.ErrInvalid) {
		return failure.Invalid(op, fmt.Errorf("feature %s already exists", f.ID))
	}
	if err != nil {
		return failure.Storage(op, err)
	}
	return r.enqueue(ctx, op, kind, f.ID, fields)
}

func (r *Repository) enqueue(ctx context.Context, op string, kind queue.Kind, id string, payload map[string]any) error {
	if _, err := r.queue.Enqueue(ctx, kind, feature.EntityType, id, payload, queue.PriorityHigh); err != nil {
		r.logger.Error("local write not queued for sync", "op", op, "id", id, "error", err)
		return failure.Storage(op, err)
	}
	r.trigger.TriggerBackgroundSync(r.keys.Write(kind))
	return nil
}
