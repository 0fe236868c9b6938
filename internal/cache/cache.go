// Package cache implements the local cache store: a durable per-entity
// document table with point lookups, owner-filtered live queries, upserts
// and soft deletes.
//
// Every mutation runs in its own transaction and is announced to live
// queries only after it commits, so watchers never observe half-written
// records. Soft-deleted documents stay in the table and are hidden from
// active queries.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/localdb"
)

// Document is a cached entity: its field map plus sync bookkeeping.
type Document struct {
	ID        string
	CreatedBy string
	Fields    map[string]any
	// Version starts at 1 and increases on every local write.
	Version int64
	// LastModified is the time of the last successful local write.
	LastModified *time.Time
	IsDeleted    bool
}

// Filter narrows an active query.
type Filter struct {
	// CreatedBy restricts results to one owner when set.
	CreatedBy string
}

// GetOption tunes Get.
type GetOption func(*getOptions)

type getOptions struct {
	includeDeleted bool
}

// IncludeDeleted makes Get return soft-deleted documents too.
func IncludeDeleted() GetOption {
	return func(o *getOptions) { o.includeDeleted = true }
}

// Store is the document cache for one entity type.
type Store struct {
	db         *localdb.DB
	entityType string
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New creates a store over db for entityType. A nil logger falls back to
// slog.Default.
func New(db *localdb.DB, entityType string, logger *slog.Logger) *Store {
	if db == nil {
		panic("cache: nil database")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:         db,
		entityType: entityType,
		logger:     logger.With("component", "cache", "entity_type", entityType),
		now:        time.Now,
		subs:       make(map[int]chan struct{}),
	}
}

// EntityType returns the entity type this store holds.
func (s *Store) EntityType() string {
	return s.entityType
}

const documentColumns = `id, created_by, fields, version, last_modified, is_deleted`

// Get returns the document with id. Soft-deleted documents are reported as
// not found unless IncludeDeleted is passed.
func (s *Store) Get(ctx context.Context, id string, opts ...GetOption) (Document, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE entity_type = ? AND id = ?`
	if !o.includeDeleted {
		query += ` AND is_deleted = 0`
	}

	doc, err := scanDocument(s.db.Conn().QueryRowContext(ctx, query, s.entityType, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, failure.NotFound("cache get", s.entityType+" "+id)
	}
	if err != nil {
		return Document{}, failure.Storage("cache get", err)
	}
	return doc, nil
}

// List returns the active documents matching filter in insertion order.
func (s *Store) List(ctx context.Context, filter Filter) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE entity_type = ? AND is_deleted = 0`
	args := []any{s.entityType}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, filter.CreatedBy)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Storage("cache list", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, failure.Storage("cache list", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Storage("cache list", err)
	}
	return docs, nil
}

// Put upserts doc. A new document starts at version 1; an existing one has
// its version incremented. LastModified is set to the write time and the
// stored IsDeleted flag is taken from doc.
func (s *Store) Put(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return failure.Invalid("cache put", errors.New("document id is required"))
	}
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return failure.Invalid("cache put", fmt.Errorf("failed to marshal fields: %w", err))
	}
	now := s.now()

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (entity_type, id, created_by, fields, version, last_modified, is_deleted)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(entity_type, id) DO UPDATE SET
				created_by    = excluded.created_by,
				fields        = excluded.fields,
				version       = documents.version + 1,
				last_modified = excluded.last_modified,
				is_deleted    = excluded.is_deleted
		`, s.entityType, doc.ID, doc.CreatedBy, string(fields), localdb.FormatTime(now), boolToInt(doc.IsDeleted))
		return err
	})
	if err != nil {
		return failure.Storage("cache put", err)
	}

	s.notify()
	return nil
}

// Insert stores a new document at version 1. An id that is already
// present, soft-deleted or not, is rejected with an invalid failure and
// leaves the stored row untouched.
func (s *Store) Insert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return failure.Invalid("cache insert", errors.New("document id is required"))
	}
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return failure.Invalid("cache insert", fmt.Errorf("failed to marshal fields: %w", err))
	}
	now := s.now()
	var affected int64

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (entity_type, id, created_by, fields, version, last_modified, is_deleted)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(entity_type, id) DO NOTHING
		`, s.entityType, doc.ID, doc.CreatedBy, string(fields), localdb.FormatTime(now), boolToInt(doc.IsDeleted))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return failure.Storage("cache insert", err)
	}
	if affected == 0 {
		return failure.Invalid("cache insert", fmt.Errorf("%s %s already exists", s.entityType, doc.ID))
	}

	s.notify()
	return nil
}

// MergeRemote writes a document pulled from the remote store unless the
// local copy has to win. The checks and the write share one transaction,
// so a local write either lands before the merge and is seen by it, or
// lands after and replaces it.
//
// The local copy wins when the entity has live queued operations, when it
// is soft-deleted, or when accept returns false for it. accept is not
// called when there is no local copy. MergeRemote reports whether the
// cache changed.
func (s *Store) MergeRemote(ctx context.Context, doc Document, accept func(local Document) bool) (bool, error) {
	if doc.ID == "" {
		return false, failure.Invalid("cache merge", errors.New("document id is required"))
	}
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return false, failure.Invalid("cache merge", fmt.Errorf("failed to marshal fields: %w", err))
	}
	now := s.now()
	merged := false

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pending_operations
			WHERE entity_type = ? AND entity_id = ? AND status != 'dead'
		`, s.entityType, doc.ID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}

		local, err := scanDocument(tx.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE entity_type = ? AND id = ?`,
			s.entityType, doc.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case local.IsDeleted:
			return nil
		case accept != nil && !accept(local):
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (entity_type, id, created_by, fields, version, last_modified, is_deleted)
			VALUES (?, ?, ?, ?, 1, ?, 0)
			ON CONFLICT(entity_type, id) DO UPDATE SET
				created_by    = excluded.created_by,
				fields        = excluded.fields,
				version       = documents.version + 1,
				last_modified = excluded.last_modified
		`, s.entityType, doc.ID, doc.CreatedBy, string(fields), localdb.FormatTime(now)); err != nil {
			return err
		}
		merged = true
		return nil
	})
	if err != nil {
		return false, failure.Storage("cache merge", err)
	}

	if merged {
		s.notify()
	}
	return merged, nil
}

// SoftDelete marks the document deleted in place. The row, its fields and
// its history remain; only active queries stop returning it.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	now := s.now()
	var affected int64

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET is_deleted = 1, version = version + 1, last_modified = ?
			WHERE entity_type = ? AND id = ? AND is_deleted = 0
		`, localdb.FormatTime(now), s.entityType, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return failure.Storage("cache soft delete", err)
	}
	if affected == 0 {
		return failure.NotFound("cache soft delete", s.entityType+" "+id)
	}

	s.notify()
	return nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var (
		doc          Document
		fields       string
		lastModified sql.NullString
		isDeleted    int
	)
	if err := row.Scan(&doc.ID, &doc.CreatedBy, &fields, &doc.Version, &lastModified, &isDeleted); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal fields of %s: %w", doc.ID, err)
	}
	lm, err := localdb.NullTime(lastModified)
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse last_modified of %s: %w", doc.ID, err)
	}
	doc.LastModified = lm
	doc.IsDeleted = isDeleted != 0
	return doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
