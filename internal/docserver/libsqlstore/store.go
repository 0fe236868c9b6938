// Package libsqlstore is a durable docserver.Store on an embedded libSQL
// database file.
//
// Documents are stored as JSON text. created_by and created_at are copied
// into their own columns so owner queries can use an index.
package libsqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/trackflow/featsync/internal/docserver"
)

// Store implements docserver.Store.
type Store struct {
	conn *sql.DB
	path string
}

var _ docserver.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
//
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Single connection: concurrent writers queue in the pool.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS docs (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_owner ON docs(collection, created_by, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docserver.Document, error) {
	var body string
	err := s.conn.QueryRowContext(ctx,
		`SELECT body FROM docs WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docserver.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return decode(body)
}

func (s *Store) List(ctx context.Context, collection string, q docserver.Query) ([]docserver.Document, error) {
	query := `SELECT body FROM docs WHERE collection = ?`
	args := []any{collection}
	if q.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, q.CreatedBy)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []docserver.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decode(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	// createdAt strings are not fixed width, so order after parsing.
	docserver.SortNewestFirst(docs)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, doc docserver.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	createdBy, _ := doc["createdBy"].(string)
	createdAt, _ := doc["createdAt"].(string)

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO docs (collection, id, created_by, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			created_by = excluded.created_by,
			created_at = excluded.created_at,
			body       = excluded.body
	`, collection, id, createdBy, createdAt, string(body))
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Merge reads, overlays and writes back inside one transaction.
func (s *Store) Merge(ctx context.Context, collection, id string, doc docserver.Document) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM docs WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return docserver.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}

	existing, err := decode(body)
	if err != nil {
		return err
	}
	for k, v := range doc {
		existing[k] = v
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	createdBy, _ := existing["createdBy"].(string)
	createdAt, _ := existing["createdAt"].(string)

	if _, err := tx.ExecContext(ctx, `
		UPDATE docs SET body = ?, created_by = ?, created_at = ?
		WHERE collection = ? AND id = ?
	`, string(merged), createdBy, createdAt, collection, id); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM docs WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return docserver.ErrNotFound
	}
	return nil
}

func decode(body string) (docserver.Document, error) {
	var doc docserver.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}
