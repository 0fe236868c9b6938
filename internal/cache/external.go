package cache

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExternalWatcher wakes a Store's live queries when another process writes
// the database file (for example the sync daemon draining the queue while
// the CLI runs `feature watch`).
//
// It watches the database directory rather than the file, because SQLite in
// WAL mode writes mostly to the -wal sidecar.
type ExternalWatcher struct {
	store    *Store
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending bool
	lastAt  time.Time
}

// NewExternalWatcher creates a watcher for store's database. Events are
// batched: the store is notified once no event has arrived for debounce.
func NewExternalWatcher(store *Store, debounce time.Duration) (*ExternalWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce < 10*time.Millisecond {
		debounce = 100 * time.Millisecond
	}
	return &ExternalWatcher{
		store:    store,
		debounce: debounce,
		logger:   store.logger.With("subcomponent", "external_watcher"),
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (ew *ExternalWatcher) Start() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(ew.store.db.Path())
	if err := ew.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}

	ew.running = true
	ew.wg.Add(2)
	go ew.processEvents()
	go ew.flushLoop()
	return nil
}

// Stop stops watching and waits for the goroutines to exit.
func (ew *ExternalWatcher) Stop() error {
	ew.mu.Lock()
	if !ew.running {
		ew.mu.Unlock()
		return nil
	}
	ew.running = false
	ew.mu.Unlock()

	close(ew.done)
	err := ew.watcher.Close()
	ew.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (ew *ExternalWatcher) processEvents() {
	defer ew.wg.Done()

	base := filepath.Base(ew.store.db.Path())
	for {
		select {
		case <-ew.done:
			return

		case event, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// db, db-wal and db-shm all count.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			ew.mu.Lock()
			ew.pending = true
			ew.lastAt = time.Now()
			ew.mu.Unlock()

		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("watcher error", "error", err)
		}
	}
}

// flushLoop notifies the store once events have settled.
func (ew *ExternalWatcher) flushLoop() {
	defer ew.wg.Done()

	ticker := time.NewTicker(ew.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ew.done:
			return
		case <-ticker.C:
			ew.mu.Lock()
			fire := ew.pending && time.Since(ew.lastAt) >= ew.debounce
			if fire {
				ew.pending = false
			}
			ew.mu.Unlock()

			if fire {
				ew.logger.Debug("external change detected")
				ew.store.Notify()
			}
		}
	}
}
