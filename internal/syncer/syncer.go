package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/remote"
)

// Syncer reconciles one entity type.
type Syncer interface {
	// Reconcile runs the work named by a sync key. It satisfies
	// coordinator.Reconciler.
	Reconcile(ctx context.Context, key string) error

	// Drain replays claimable operations until none are left.
	Drain(ctx context.Context) (DrainResult, error)

	// RefreshEntity pulls one remote document into the cache. A document
	// missing remotely is not an error.
	RefreshEntity(ctx context.Context, id string) error

	// RefreshOwner pulls every remote document owned by userID.
	RefreshOwner(ctx context.Context, userID string) (RefreshResult, error)
}

// LocalCache is the part of the cache store the syncer writes to.
// MergeRemote must decide and write in one transaction, see
// cache.Store.MergeRemote.
type LocalCache interface {
	MergeRemote(ctx context.Context, doc cache.Document, accept func(local cache.Document) bool) (bool, error)
}

// OperationQueue is the part of the pending queue the syncer drains.
type OperationQueue interface {
	Claim(ctx context.Context, entityType string, limit int) ([]queue.Operation, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (bool, error)
	Release(ctx context.Context, ids ...string) error
}

// RemoteStore is the remote collection client.
type RemoteStore interface {
	Fetch(ctx context.Context, id string) (remote.Document, error)
	Query(ctx context.Context, filter remote.Filter) ([]remote.Document, error)
	Create(ctx context.Context, doc remote.Document) error
	Update(ctx context.Context, doc remote.Document) error
	Delete(ctx context.Context, id string) error
}

// DrainResult counts the outcome of one Drain.
type DrainResult struct {
	Applied      int
	Failed       int
	DeadLettered int
}

// RefreshResult counts the outcome of one RefreshOwner.
type RefreshResult struct {
	Fetched int
	Updated int
	Skipped int
}

// Options tunes a syncer.
type Options struct {
	// EntityType selects the queue entries and keys. Default "feature".
	EntityType string
	// BatchSize is how many operations one Claim leases. Default 16.
	BatchSize int
	// Logger for sync activity (default: slog.Default()).
	Logger *slog.Logger
}

type syncer struct {
	entityType string
	keys       Keys
	batchSize  int

	cache  LocalCache
	queue  OperationQueue
	remote RemoteStore
	logger *slog.Logger
}

// New creates a Syncer.
func New(c LocalCache, q OperationQueue, r RemoteStore, opts *Options) Syncer {
	if c == nil || q == nil || r == nil {
		panic("syncer: nil dependency")
	}
	if opts == nil {
		opts = &Options{}
	}
	entityType := opts.EntityType
	if entityType == "" {
		entityType = feature.EntityType
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &syncer{
		entityType: entityType,
		keys:       KeysFor(entityType),
		batchSize:  batch,
		cache:      c,
		queue:      q,
		remote:     r,
		logger:     logger.With("component", "syncer", "entity_type", entityType),
	}
}

// Reconcile implements Syncer.Reconcile.
func (s *syncer) Reconcile(ctx context.Context, key string) error {
	target, err := s.keys.Parse(key)
	if err != nil {
		return err
	}

	switch target.Kind {
	case TargetDrain:
		res, err := s.Drain(ctx)
		if res.Applied+res.Failed > 0 {
			s.logger.Info("drain finished", "key", key,
				"applied", res.Applied, "failed", res.Failed, "dead_lettered", res.DeadLettered)
		}
		return err
	case TargetEntity:
		return s.RefreshEntity(ctx, target.Arg)
	case TargetOwner:
		res, err := s.RefreshOwner(ctx, target.Arg)
		if res.Updated > 0 {
			s.logger.Info("owner refresh finished", "key", key,
				"fetched", res.Fetched, "updated", res.Updated, "skipped", res.Skipped)
		}
		return err
	}
	return fmt.Errorf("unhandled sync target %s", target.Kind)
}

// Drain implements Syncer.Drain.
func (s *syncer) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ops, err := s.queue.Claim(ctx, s.entityType, s.batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to claim operations: %w", err)
		}
		if len(ops) == 0 {
			return res, nil
		}

		for i, op := range ops {
			if ctx.Err() != nil {
				s.release(ops[i:])
				return res, ctx.Err()
			}

			applyErr := s.apply(ctx, op)
			if applyErr == nil {
				// The remote already has the write; record it even if ctx just ended.
				if err := s.queue.Ack(context.WithoutCancel(ctx), op.ID); err != nil {
					s.logger.Warn("failed to ack operation", "operation", op.ID, "error", err)
					continue
				}
				res.Applied++
				continue
			}

			// Interrupted round trips are not the operation's fault.
			if ctx.Err() != nil {
				s.release(ops[i:])
				return res, ctx.Err()
			}

			res.Failed++
			dead, err := s.queue.Fail(ctx, op.ID, applyErr)
			if err != nil {
				s.logger.Warn("failed to record operation failure", "operation", op.ID, "error", err)
				continue
			}
			if dead {
				res.DeadLettered++
			}
		}
	}
}

func (s *syncer) release(ops []queue.Operation) {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.Release(ctx, ids...); err != nil {
		s.logger.Warn("failed to release claims, leaving them to lease expiry", "count", len(ids), "error", err)
	}
}

// apply replays op against the remote store.
func (s *syncer) apply(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindCreate:
		return s.remote.Create(ctx, remote.Document(op.Payload))
	case queue.KindUpdate:
		return s.remote.Update(ctx, remote.Document(op.Payload))
	case queue.KindDelete:
		err := s.remote.Delete(ctx, op.EntityID)
		if failure.IsNotFound(err) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// RefreshEntity implements Syncer.RefreshEntity.
func (s *syncer) RefreshEntity(ctx context.Context, id string) error {
	doc, err := s.remote.Fetch(ctx, id)
	if failure.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.merge(ctx, doc)
	return err
}

// RefreshOwner implements Syncer.RefreshOwner.
func (s *syncer) RefreshOwner(ctx context.Context, userID string) (RefreshResult, error) {
	var res RefreshResult
	docs, err := s.remote.Query(ctx, remote.Filter{CreatedBy: userID})
	if err != nil {
		return res, err
	}
	res.Fetched = len(docs)

	var errs []error
	for _, doc := range docs {
		updated, err := s.merge(ctx, doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if updated {
			res.Updated++
		} else {
			res.Skipped++
		}
	}
	return res, errors.Join(errs...)
}

// merge writes a remote document into the cache when it is safe to do so.
// It reports whether the cache changed.
func (s *syncer) merge(ctx context.Context, doc remote.Document) (bool, error) {
	incoming, err := feature.FromFields(doc)
	if err != nil {
		s.logger.Warn("skipping malformed remote document", "id", doc.ID(), "error", err)
		return false, nil
	}

	// Pending operations and local soft deletes are checked by the cache
	// inside the write transaction.
	newer := func(local cache.Document) bool {
		localUpdated, err := feature.TimeField(local.Fields, feature.FieldUpdatedAt)
		return err != nil || incoming.UpdatedAt.After(localUpdated)
	}
	merged, err := s.cache.MergeRemote(ctx, cache.Document{
		ID:        incoming.ID,
		CreatedBy: incoming.CreatedBy,
		Fields:    incoming.ToFields(),
	}, newer)
	if err != nil {
		return false, err
	}
	if !merged {
		s.logger.Debug("kept local copy", "id", incoming.ID)
		return false, nil
	}
	s.logger.Debug("cache refreshed from remote", "id", incoming.ID)
	return true, nil
}
