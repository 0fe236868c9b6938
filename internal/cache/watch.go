package cache

import (
	"context"
	"strconv"
	"strings"
)

// Snapshot is one emission of a live query: the full active result set, or
// the error that prevented reading it.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Watch returns a live query over the active documents matching filter.
//
// The current result set is emitted immediately, then again after every
// committed change that alters it. Consumers that fall behind only ever see
// the latest state: intermediate snapshots are coalesced. The channel is
// closed when ctx ends, and calling Watch again restarts from a fresh
// snapshot.
func (s *Store) Watch(ctx context.Context, filter Filter) <-chan Snapshot {
	out := make(chan Snapshot)
	id, notify := s.subscribe()

	go func() {
		defer close(out)
		defer s.unsubscribe(id)

		var last string
		first := true
		for {
			docs, err := s.List(ctx, filter)
			if ctx.Err() != nil {
				return
			}
			key := fingerprint(docs)
			if first || err != nil || key != last {
				first = false
				last = key
				if err != nil {
					s.logger.Warn("live query read failed", "error", err)
				}
				select {
				case out <- Snapshot{Documents: docs, Err: err}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Notify wakes every live query so it re-reads. Writes through this Store
// call it automatically; it exists for changes made by other processes.
func (s *Store) Notify() {
	s.notify()
}

func (s *Store) subscribe() (int, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return id, ch
}

func (s *Store) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// notify performs a non-blocking send to each subscriber. The channels have
// capacity 1, so a pending wake-up absorbs any further ones.
func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// watcherCount is used by tests to wait for unsubscription.
func (s *Store) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func fingerprint(docs []Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}
