// Package docserver serves the remote document API that featsync clients
// sync against: collections of JSON documents addressed by id.
//
// Storage is pluggable through Store. MemoryStore backs tests; the libsql
// subpackage provides the durable store used by featsync-remote.
package docserver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored document's fields, including "id".
type Document = map[string]any

// Query selects documents from one collection.
type Query struct {
	CreatedBy string
	Limit     int
}

// Store persists documents.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// List returns matching documents ordered by createdAt descending.
	List(ctx context.Context, collection string, q Query) ([]Document, error)
	// Set replaces the document.
	Set(ctx context.Context, collection, id string, doc Document) error
	// Merge overlays doc's fields onto an existing document, or returns
	// ErrNotFound.
	Merge(ctx context.Context, collection, id string, doc Document) error
	// Delete removes the document, or returns ErrNotFound.
	Delete(ctx context.Context, collection, id string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Document)}
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc), nil
}

func (m *MemoryStore) List(_ context.Context, collection string, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, doc := range m.data[collection] {
		if q.CreatedBy != "" && doc["createdBy"] != q.CreatedBy {
			continue
		}
		out = append(out, clone(doc))
	}
	SortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, collection, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[collection] == nil {
		m.data[collection] = make(map[string]Document)
	}
	m.data[collection][id] = clone(doc)
	return nil
}

func (m *MemoryStore) Merge(_ context.Context, collection, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range doc {
		existing[k] = v
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.data[collection], id)
	return nil
}

// SortNewestFirst orders docs by createdAt, newest first, breaking ties by
// id. Documents without a parseable createdAt sort last.
func SortNewestFirst(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, tj := createdAt(docs[i]), createdAt(docs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		ii, _ := docs[i]["id"].(string)
		ij, _ := docs[j]["id"].(string)
		return ii < ij
	})
}

func createdAt(doc Document) time.Time {
	s, _ := doc["createdAt"].(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
