package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/localdb"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/remote"
)

// fakeRemote is an in-memory RemoteStore that records calls and can be
// told to fail.
type fakeRemote struct {
	mu    sync.Mutex
	docs  map[string]remote.Document
	calls []string
	err   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[string]remote.Document)}
}

func (f *fakeRemote) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) Fetch(ctx context.Context, id string) (remote.Document, error) {
	if err := f.record("fetch " + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, failure.Remote("fetch", failure.ReasonNotFound, nil)
	}
	return doc, nil
}

func (f *fakeRemote) Query(ctx context.Context, filter remote.Filter) ([]remote.Document, error) {
	if err := f.record("query " + filter.CreatedBy); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Document
	for _, d := range f.docs {
		if d["createdBy"] == filter.CreatedBy {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRemote) Create(ctx context.Context, doc remote.Document) error {
	if err := f.record("create " + doc.ID()); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID()] = doc
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, doc remote.Document) error {
	if err := f.record("update " + doc.ID()); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.docs[doc.ID()]
	if !ok {
		return failure.Remote("update", failure.ReasonNotFound, nil)
	}
	for k, v := range doc {
		existing[k] = v
	}
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	if err := f.record("delete " + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return failure.Remote("delete", failure.ReasonNotFound, nil)
	}
	delete(f.docs, id)
	return nil
}

type fixture struct {
	cache  *cache.Store
	queue  *queue.Queue
	remote *fakeRemote
	syncer Syncer
}

func setup(t *testing.T, qcfg *queue.Config) *fixture {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("localdb.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if qcfg == nil {
		qcfg = &queue.Config{MaxAttempts: 3, ClaimLease: time.Minute}
	}
	f := &fixture{
		cache:  cache.New(db, feature.EntityType, nil),
		queue:  queue.New(db, qcfg, nil),
		remote: newFakeRemote(),
	}
	f.syncer = New(f.cache, f.queue, f.remote, &Options{BatchSize: 2})
	return f
}

func newFeature(t *testing.T, name, owner string) feature.Feature {
	t.Helper()
	f, err := feature.New(name, "", owner)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) enqueue(t *testing.T, kind queue.Kind, feat feature.Feature) {
	t.Helper()
	if _, err := f.queue.Enqueue(context.Background(), kind, feature.EntityType, feat.ID, feat.ToFields(), queue.PriorityHigh); err != nil {
		t.Fatal(err)
	}
}

func TestDrain_AppliesInOrderAndAcks(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	feat := newFeature(t, "Search", "u1")
	f.enqueue(t, queue.KindCreate, feat)
	renamed := feat
	renamed.Name = "Search v2"
	f.enqueue(t, queue.KindUpdate, renamed)
	other := newFeature(t, "Export", "u1")
	f.enqueue(t, queue.KindCreate, other)
	f.enqueue(t, queue.KindDelete, other)

	res, err := f.syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Applied != 4 || res.Failed != 0 {
		t.Errorf("Drain() = %+v", res)
	}

	n, _ := f.queue.Len(ctx)
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	doc, err := f.remote.Fetch(ctx, feat.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := feature.FromFields(doc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(renamed, got); diff != "" {
		t.Errorf("remote document mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.remote.Fetch(ctx, other.ID); !failure.IsNotFound(err) {
		t.Errorf("deleted document still remote: %v", err)
	}
}

func TestDrain_DeleteOfMissingRemoteSucceeds(t *testing.T) {
	f := setup(t, nil)
	feat := newFeature(t, "Ghost", "u1")
	f.enqueue(t, queue.KindDelete, feat)

	res, err := f.syncer.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Errorf("Drain() = %+v, want 1 applied", res)
	}
}

func TestDrain_FailureRetriesThenDeadLetters(t *testing.T) {
	f := setup(t, &queue.Config{MaxAttempts: 3, ClaimLease: time.Minute})
	ctx := context.Background()
	letters, unsubscribe := f.queue.Subscribe()
	defer unsubscribe()

	f.remote.setErr(failure.Remote("create", failure.ReasonServer, errors.New("503")))
	feat := newFeature(t, "Flaky", "u1")
	f.enqueue(t, queue.KindCreate, feat)

	// Zero backoff: one Drain keeps reclaiming until the budget is spent.
	res, err := f.syncer.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 3 || res.DeadLettered != 1 || res.Applied != 0 {
		t.Errorf("Drain() = %+v", res)
	}

	select {
	case dl := <-letters:
		if dl.Operation.EntityID != feat.ID {
			t.Errorf("dead letter for %s, want %s", dl.Operation.EntityID, feat.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no dead letter published")
	}

	// Dead letters are excluded from later drains.
	f.remote.setErr(nil)
	res, err = f.syncer.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 0 {
		t.Errorf("dead letter replayed: %+v", res)
	}
}

// cancellingRemote cancels the drain mid round trip.
type cancellingRemote struct {
	*fakeRemote
	cancel context.CancelFunc
}

func (c *cancellingRemote) Create(ctx context.Context, doc remote.Document) error {
	c.cancel()
	return ctx.Err()
}

func TestDrain_CancelReleasesClaims(t *testing.T) {
	f := setup(t, nil)
	f.enqueue(t, queue.KindCreate, newFeature(t, "Cancelled", "u1"))
	f.enqueue(t, queue.KindCreate, newFeature(t, "Also cancelled", "u1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(f.cache, f.queue, &cancellingRemote{fakeRemote: f.remote, cancel: cancel}, &Options{BatchSize: 2})

	if _, err := s.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain() = %v, want context.Canceled", err)
	}
	stats, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 || stats.Claimed != 0 || stats.Dead != 0 {
		t.Errorf("Stats() = %+v, want both operations pending", stats)
	}

	ops, err := f.queue.List(context.Background(), queue.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range ops {
		if op.AttemptCount != 0 {
			t.Errorf("operation %s charged %d attempts for a cancelled drain", op.ID, op.AttemptCount)
		}
	}
}

func TestRefreshEntity(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	feat := newFeature(t, "Remote only", "u1")
	f.remote.docs[feat.ID] = remote.Document(feat.ToFields())

	if err := f.syncer.RefreshEntity(ctx, feat.ID); err != nil {
		t.Fatalf("RefreshEntity() failed: %v", err)
	}
	doc, err := f.cache.Get(ctx, feat.ID)
	if err != nil {
		t.Fatalf("cache.Get() failed: %v", err)
	}
	got, _ := feature.FromFields(doc.Fields)
	if diff := cmp.Diff(feat, got); diff != "" {
		t.Errorf("cached feature mismatch (-want +got):\n%s", diff)
	}

	if err := f.syncer.RefreshEntity(ctx, "missing"); err != nil {
		t.Errorf("RefreshEntity(missing) = %v, want nil", err)
	}
}

func TestRefresh_KeepsNewerLocalAndPendingAndDeleted(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	put := func(feat feature.Feature) {
		t.Helper()
		if err := f.cache.Put(ctx, cache.Document{ID: feat.ID, CreatedBy: feat.CreatedBy, Fields: feat.ToFields()}); err != nil {
			t.Fatal(err)
		}
	}

	// Local copy newer than remote.
	newer := newFeature(t, "Local newer", "u1")
	stale := newer
	stale.Name = "Remote stale"
	stale.UpdatedAt = newer.UpdatedAt.Add(-time.Minute)
	stale.CreatedAt = stale.UpdatedAt
	put(newer)
	f.remote.docs[newer.ID] = remote.Document(stale.ToFields())

	// Local change not yet pushed, remote is newer.
	pending := newFeature(t, "Pending local", "u1")
	put(pending)
	f.enqueue(t, queue.KindUpdate, pending)
	remotePending := pending
	remotePending.Name = "Remote wins?"
	remotePending.UpdatedAt = pending.UpdatedAt.Add(time.Hour)
	f.remote.docs[pending.ID] = remote.Document(remotePending.ToFields())

	// Locally soft-deleted, remote still has it.
	deleted := newFeature(t, "Deleted locally", "u1")
	put(deleted)
	if err := f.cache.SoftDelete(ctx, deleted.ID); err != nil {
		t.Fatal(err)
	}
	resurrect := deleted
	resurrect.UpdatedAt = deleted.UpdatedAt.Add(time.Hour)
	f.remote.docs[deleted.ID] = remote.Document(resurrect.ToFields())

	// Remote newer than local, nothing pending: should apply.
	outdated := newFeature(t, "Outdated local", "u1")
	put(outdated)
	fresher := outdated
	fresher.Name = "Fresh remote"
	fresher.UpdatedAt = outdated.UpdatedAt.Add(time.Hour)
	f.remote.docs[outdated.ID] = remote.Document(fresher.ToFields())

	res, err := f.syncer.RefreshOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("RefreshOwner() failed: %v", err)
	}
	if res.Fetched != 4 || res.Updated != 1 || res.Skipped != 3 {
		t.Errorf("RefreshOwner() = %+v", res)
	}

	check := func(id, wantName string) {
		t.Helper()
		doc, err := f.cache.Get(ctx, id, cache.IncludeDeleted())
		if err != nil {
			t.Fatal(err)
		}
		if doc.Fields[feature.FieldName] != wantName {
			t.Errorf("%s name = %v, want %q", id, doc.Fields[feature.FieldName], wantName)
		}
	}
	check(newer.ID, "Local newer")
	check(pending.ID, "Pending local")
	check(outdated.ID, "Fresh remote")

	if _, err := f.cache.Get(ctx, deleted.ID); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("soft-deleted document resurrected: %v", err)
	}
}

// racingCache starts a local delete from inside the merge transaction,
// the way a user action would land while a refresh is being applied.
type racingCache struct {
	*cache.Store
	queue *queue.Queue
	done  chan error
}

func (c *racingCache) MergeRemote(ctx context.Context, doc cache.Document, accept func(cache.Document) bool) (bool, error) {
	return c.Store.MergeRemote(ctx, doc, func(local cache.Document) bool {
		go func() {
			if err := c.Store.SoftDelete(ctx, local.ID); err != nil {
				c.done <- err
				return
			}
			_, err := c.queue.Enqueue(ctx, queue.KindDelete, feature.EntityType, local.ID,
				map[string]any{feature.FieldID: local.ID}, queue.PriorityHigh)
			c.done <- err
		}()
		return accept(local)
	})
}

func TestRefresh_LocalDeleteDuringMergeSurvives(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	feat := newFeature(t, "Racy", "u1")
	if err := f.cache.Put(ctx, cache.Document{ID: feat.ID, CreatedBy: feat.CreatedBy, Fields: feat.ToFields()}); err != nil {
		t.Fatal(err)
	}
	fresher := feat
	fresher.Name = "Remote rename"
	fresher.UpdatedAt = feat.UpdatedAt.Add(time.Hour)
	f.remote.docs[feat.ID] = remote.Document(fresher.ToFields())

	rc := &racingCache{Store: f.cache, queue: f.queue, done: make(chan error, 1)}
	s := New(rc, f.queue, f.remote, nil)

	if err := s.RefreshEntity(ctx, feat.ID); err != nil {
		t.Fatalf("RefreshEntity() failed: %v", err)
	}
	select {
	case err := <-rc.done:
		if err != nil {
			t.Fatalf("local delete failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("local delete never completed")
	}

	doc, err := f.cache.Get(ctx, feat.ID, cache.IncludeDeleted())
	if err != nil {
		t.Fatal(err)
	}
	if !doc.IsDeleted {
		t.Error("local delete was overwritten by the refresh")
	}
	if n, err := f.queue.PendingFor(ctx, feature.EntityType, feat.ID); err != nil || n != 1 {
		t.Errorf("PendingFor() = %d, %v, want the delete still queued", n, err)
	}

	// A later refresh must not bring the record back.
	if err := s.RefreshEntity(ctx, feat.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Get(ctx, feat.ID); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("soft-deleted document resurrected: %v", err)
	}
}

func TestReconcile_Dispatch(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	keys := KeysFor(feature.EntityType)

	feat := newFeature(t, "Dispatch", "u7")
	f.enqueue(t, queue.KindCreate, feat)

	if err := f.syncer.Reconcile(ctx, keys.Write(queue.KindCreate)); err != nil {
		t.Fatal(err)
	}
	if err := f.syncer.Reconcile(ctx, keys.Entity(feat.ID)); err != nil {
		t.Fatal(err)
	}
	if err := f.syncer.Reconcile(ctx, keys.Owner("u7")); err != nil {
		t.Fatal(err)
	}
	if err := f.syncer.Reconcile(ctx, "bogus"); err == nil {
		t.Error("Reconcile(bogus) succeeded")
	}

	want := []string{"create " + feat.ID, "fetch " + feat.ID, "query u7"}
	if diff := cmp.Diff(want, f.remote.calls); diff != "" {
		t.Errorf("remote calls mismatch (-want +got):\n%s", diff)
	}
}

func TestKeys_Parse(t *testing.T) {
	keys := KeysFor("feature")
	tests := []struct {
		key     string
		want    Target
		wantErr bool
	}{
		{"feature_abc", Target{Kind: TargetEntity, Arg: "abc"}, false},
		{"features_user-1", Target{Kind: TargetOwner, Arg: "user-1"}, false},
		{"features_create", Target{Kind: TargetDrain}, false},
		{"features_update", Target{Kind: TargetDrain}, false},
		{"features_delete", Target{Kind: TargetDrain}, false},
		{"features_drain", Target{Kind: TargetDrain}, false},
		{"features_", Target{}, true},
		{"feature_", Target{}, true},
		{"comment_1", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := keys.Parse(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}

	if keys.Entity("x") != "feature_x" || keys.Owner("u") != "features_u" || keys.Write(queue.KindDelete) != "features_delete" {
		t.Error("key builders do not match the documented scheme")
	}
}
