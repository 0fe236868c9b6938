package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/trackflow/featsync/internal/cache"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/localdb"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/repository"
)

type noopTrigger struct{}

func (noopTrigger) TriggerBackgroundSync(string) bool { return true }

func setup(t *testing.T) (*Features, *queue.Queue) {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "usecase.db"))
	if err != nil {
		t.Fatalf("localdb.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := queue.New(db, nil, nil)
	repo := repository.New(cache.New(db, feature.EntityType, nil), q, noopTrigger{}, nil)
	return New(repo), q
}

func ptr(s string) *string { return &s }

func TestCreateFeature_Validation(t *testing.T) {
	u, q := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"empty name", CreateParams{Name: "  ", UserID: "u1"}},
		{"short name", CreateParams{Name: "ab", UserID: "u1"}},
		{"no user", CreateParams{Name: "Search"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := u.CreateFeature(ctx, tt.params); !errors.Is(err, failure.ErrInvalid) {
				t.Errorf("CreateFeature() = %v, want invalid", err)
			}
		})
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("invalid creates queued %d operations", n)
	}

	f, err := u.CreateFeature(ctx, CreateParams{Name: " Search ", Description: "find things", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateFeature() failed: %v", err)
	}
	if f.Name != "Search" || f.CreatedBy != "u1" || f.ID == "" {
		t.Errorf("CreateFeature() = %+v", f)
	}
}

func TestUpdateFeature_Ownership(t *testing.T) {
	u, _ := setup(t)
	ctx := context.Background()
	base := time.Now()
	u.now = func() time.Time { return base.Add(time.Minute) }

	f, err := u.CreateFeature(ctx, CreateParams{Name: "Owned", UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = u.UpdateFeature(ctx, UpdateParams{ID: f.ID, UserID: "mallory", Name: ptr("Hijacked")})
	if !errors.Is(err, failure.ErrPermission) {
		t.Errorf("UpdateFeature(non-owner) = %v, want permission", err)
	}

	got, err := u.UpdateFeature(ctx, UpdateParams{ID: f.ID, UserID: "alice", Description: ptr("now described")})
	if err != nil {
		t.Fatalf("UpdateFeature() failed: %v", err)
	}
	if got.Name != "Owned" || got.Description != "now described" {
		t.Errorf("UpdateFeature() = %+v", got)
	}
	if !got.UpdatedAt.After(f.UpdatedAt) {
		t.Errorf("updatedAt %v did not advance past %v", got.UpdatedAt, f.UpdatedAt)
	}

	if _, err := u.UpdateFeature(ctx, UpdateParams{ID: f.ID, UserID: "alice", Name: ptr("x")}); !errors.Is(err, failure.ErrInvalid) {
		t.Errorf("UpdateFeature(short name) = %v, want invalid", err)
	}
	if _, err := u.UpdateFeature(ctx, UpdateParams{ID: "missing", UserID: "alice"}); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("UpdateFeature(missing) = %v, want not found", err)
	}
}

func TestDeleteFeature_Ownership(t *testing.T) {
	u, _ := setup(t)
	ctx := context.Background()

	f, err := u.CreateFeature(ctx, CreateParams{Name: "Doomed", UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if err := u.DeleteFeature(ctx, DeleteParams{ID: f.ID, UserID: "bob"}); !errors.Is(err, failure.ErrPermission) {
		t.Errorf("DeleteFeature(non-owner) = %v, want permission", err)
	}
	if err := u.DeleteFeature(ctx, DeleteParams{ID: f.ID, UserID: "alice"}); err != nil {
		t.Fatalf("DeleteFeature() failed: %v", err)
	}
	if _, err := u.GetFeatureByID(ctx, f.ID); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("GetFeatureByID(deleted) = %v, want not found", err)
	}
}

func TestWatchFeaturesByUser(t *testing.T) {
	u, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := u.WatchFeaturesByUser(ctx, ""); !errors.Is(err, failure.ErrInvalid) {
		t.Errorf("WatchFeaturesByUser(\"\") = %v, want invalid", err)
	}

	if _, err := u.CreateFeature(ctx, CreateParams{Name: "Mine", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := u.CreateFeature(ctx, CreateParams{Name: "Theirs", UserID: "bob"}); err != nil {
		t.Fatal(err)
	}

	updates, err := u.WatchFeaturesByUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case up := <-updates:
		if up.Err != nil || len(up.Features) != 1 || up.Features[0].Name != "Mine" {
			t.Errorf("first update = %+v", up)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	for range updates {
	}
}

var _ Repository = (*repository.Repository)(nil)
