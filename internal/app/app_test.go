package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/trackflow/featsync/internal/config"
	"github.com/trackflow/featsync/internal/logging"
	"github.com/trackflow/featsync/internal/usecase"
)

func TestOpen_WiresAndCloses(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")
	// Nothing listens here; writes must still succeed locally.
	cfg.Remote.URL = "http://127.0.0.1:1"

	a, err := Open(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := os.Stat(cfg.DBPath()); err != nil {
		t.Fatalf("database not created: %v", err)
	}

	ctx := context.Background()
	f, err := a.Features.CreateFeature(ctx, usecase.CreateParams{Name: "Offline", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateFeature() failed: %v", err)
	}
	got, err := a.Features.GetFeatureByID(ctx, f.ID)
	if err != nil || got.Name != "Offline" {
		t.Fatalf("GetFeatureByID() = %+v, %v", got, err)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if n, err := reopenQueueLen(t, cfg); err != nil || n != 1 {
		t.Errorf("queued operations after close = %d, %v, want 1", n, err)
	}
}

func TestQueueConfig(t *testing.T) {
	cfg := config.Default()
	qc := QueueConfig(cfg)
	if qc.MaxAttempts != cfg.Queue.MaxAttempts || qc.ClaimLease != cfg.Queue.ClaimLease {
		t.Errorf("QueueConfig() = %+v", qc)
	}
}

func reopenQueueLen(t *testing.T, cfg *config.Config) (int, error) {
	t.Helper()
	a, err := Open(cfg, logging.Discard())
	if err != nil {
		return 0, err
	}
	defer a.Close(context.Background())
	return a.Queue.Len(context.Background())
}
