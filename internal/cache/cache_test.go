package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/localdb"
	"github.com/trackflow/featsync/internal/queue"
)

// setupStore opens a fresh database and returns a feature store on it.
func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("localdb.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "feature", nil)
}

func doc(id, owner, name string) Document {
	return Document{
		ID:        id,
		CreatedBy: owner,
		Fields:    map[string]any{"id": id, "name": name, "createdBy": owner},
	}
}

func TestPut_VersionAndLastModified(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, doc("f1", "u1", "first")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := s.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.LastModified == nil {
		t.Fatal("LastModified not set")
	}
	first := *got.LastModified

	if err := s.Put(ctx, doc("f1", "u1", "second")); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.LastModified.Before(first) {
		t.Errorf("LastModified went backwards: %v < %v", got.LastModified, first)
	}
	if diff := cmp.Diff(map[string]any{"id": "f1", "name": "second", "createdBy": "u1"}, got.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Get() error = %v, want not found", err)
	}
}

func TestPut_RejectsEmptyID(t *testing.T) {
	s := setupStore(t)
	err := s.Put(context.Background(), Document{})
	if !errors.Is(err, failure.ErrInvalid) {
		t.Errorf("Put() error = %v, want invalid", err)
	}
}

func TestInsert_RejectsExistingID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, doc("f1", "u1", "first")); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	err := s.Insert(ctx, doc("f1", "u2", "second"))
	if !errors.Is(err, failure.ErrInvalid) {
		t.Fatalf("Insert(existing) = %v, want invalid", err)
	}

	got, err := s.Get(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["name"] != "first" || got.Version != 1 {
		t.Errorf("existing row changed: %+v", got)
	}

	if err := s.SoftDelete(ctx, "f1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, doc("f1", "u1", "again")); !errors.Is(err, failure.ErrInvalid) {
		t.Errorf("Insert(soft-deleted) = %v, want invalid", err)
	}
}

func TestMergeRemote(t *testing.T) {
	s := setupStore(t)
	q := queue.New(s.db, nil, nil)
	ctx := context.Background()

	always := func(Document) bool { return true }
	never := func(Document) bool { return false }

	for _, d := range []Document{doc("stale", "u1", "local"), doc("pending", "u1", "local"),
		doc("dead", "u1", "local"), doc("deleted", "u1", "local"), doc("fresh", "u1", "local")} {
		if err := s.Put(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Enqueue(ctx, queue.KindUpdate, "feature", "pending", nil, queue.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, queue.KindUpdate, "feature", "dead", nil, queue.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Conn().ExecContext(ctx,
		`UPDATE pending_operations SET status = 'dead' WHERE entity_id = 'dead'`); err != nil {
		t.Fatal(err)
	}
	if err := s.SoftDelete(ctx, "deleted"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id     string
		accept func(Document) bool
		want   bool
	}{
		{"stale", never, false},
		{"pending", always, false},
		{"dead", always, true},
		{"deleted", always, false},
		{"fresh", always, true},
		{"absent", never, true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			merged, err := s.MergeRemote(ctx, doc(tt.id, "u1", "remote"), tt.accept)
			if err != nil {
				t.Fatalf("MergeRemote() failed: %v", err)
			}
			if merged != tt.want {
				t.Errorf("MergeRemote() = %v, want %v", merged, tt.want)
			}

			got, err := s.Get(ctx, tt.id, IncludeDeleted())
			if err != nil {
				t.Fatal(err)
			}
			wantName := "local"
			if tt.want {
				wantName = "remote"
			}
			if got.Fields["name"] != wantName {
				t.Errorf("name = %v, want %q", got.Fields["name"], wantName)
			}
		})
	}

	if _, err := s.Get(ctx, "deleted"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("merge resurrected a soft-deleted document: %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, doc("f1", "u1", "doomed")); err != nil {
		t.Fatal(err)
	}
	if err := s.SoftDelete(ctx, "f1"); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	if _, err := s.Get(ctx, "f1"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Get() after soft delete = %v, want not found", err)
	}

	got, err := s.Get(ctx, "f1", IncludeDeleted())
	if err != nil {
		t.Fatalf("Get(IncludeDeleted) failed: %v", err)
	}
	if !got.IsDeleted {
		t.Error("IsDeleted = false")
	}
	if got.Fields["name"] != "doomed" {
		t.Errorf("fields lost on soft delete: %v", got.Fields)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	if err := s.SoftDelete(ctx, "f1"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("second SoftDelete() = %v, want not found", err)
	}
	if err := s.SoftDelete(ctx, "never"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("SoftDelete(missing) = %v, want not found", err)
	}
}

func TestList_FiltersOwnerAndDeleted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, d := range []Document{doc("a", "u1", "aaa"), doc("b", "u2", "bbb"), doc("c", "u1", "ccc")} {
		if err := s.Put(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SoftDelete(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, Filter{CreatedBy: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("List(u1) = %v, want [a]", ids(got))
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(all)); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch_EmitsImmediatelyAndOnChange(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Put(ctx, doc("a", "u1", "aaa")); err != nil {
		t.Fatal(err)
	}

	updates := s.Watch(ctx, Filter{CreatedBy: "u1"})

	first := receive(t, updates)
	if diff := cmp.Diff([]string{"a"}, ids(first.Documents)); diff != "" {
		t.Fatalf("initial snapshot mismatch (-want +got):\n%s", diff)
	}

	if err := s.Put(ctx, doc("b", "u1", "bbb")); err != nil {
		t.Fatal(err)
	}
	second := receive(t, updates)
	if diff := cmp.Diff([]string{"a", "b"}, ids(second.Documents)); diff != "" {
		t.Errorf("snapshot after put mismatch (-want +got):\n%s", diff)
	}

	if err := s.SoftDelete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	third := receive(t, updates)
	if diff := cmp.Diff([]string{"b"}, ids(third.Documents)); diff != "" {
		t.Errorf("snapshot after soft delete mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch_IgnoresOtherOwners(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.Watch(ctx, Filter{CreatedBy: "u1"})
	if got := receive(t, updates); len(got.Documents) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", ids(got.Documents))
	}

	if err := s.Put(ctx, doc("x", "u2", "other")); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-updates:
		t.Errorf("unexpected snapshot %v for another owner's write", ids(snap.Documents))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_ClosesOnCancel(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	updates := s.Watch(ctx, Filter{})
	receive(t, updates)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				waitFor(t, func() bool { return s.watcherCount() == 0 })
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func TestExternalWatcher_NotifiesOnForeignWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	readerDB, err := localdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer readerDB.Close()
	writerDB, err := localdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writerDB.Close()

	reader := New(readerDB, "feature", nil)
	writer := New(writerDB, "feature", nil)

	ew, err := NewExternalWatcher(reader, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := ew.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer ew.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := reader.Watch(ctx, Filter{})
	receive(t, updates)

	// The writer's Store has no subscribers; only the fs event can wake the reader.
	if err := writer.Put(ctx, doc("ext", "u1", "from elsewhere")); err != nil {
		t.Fatal(err)
	}

	snap := receive(t, updates)
	if diff := cmp.Diff([]string{"ext"}, ids(snap.Documents)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		if snap.Err != nil {
			t.Fatalf("snapshot error: %v", snap.Err)
		}
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func ids(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
