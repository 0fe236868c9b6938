// Package localdb owns the on-device SQLite database shared by the document
// cache and the pending operation queue.
//
// The database runs embedded through ncruces/go-sqlite3 (SQLite compiled to
// WASM), in WAL mode so that the live query readers never block writers.
//
// Layout:
//   - documents: one row per cached entity document, soft-deleted rows kept
//   - pending_operations: the durable mutation log drained by background sync
//
// Both tables live in one file so that a write and its enqueue can share a
// transaction when a caller needs that.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema.
//
// Pragmas are passed through the DSN so that every pooled connection gets
// them, not just the first one. Transactions start IMMEDIATE so concurrent
// writers queue on busy_timeout instead of failing on lock upgrade.
//
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "synchronous(normal)")
	params.Set("_txlock", "immediate")
	connStr := fmt.Sprintf("file:%s?%s", path, params.Encode())

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Conn returns the underlying pool.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates tables and indexes. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			entity_type   TEXT NOT NULL,
			id            TEXT NOT NULL,
			created_by    TEXT NOT NULL DEFAULT '',
			fields        TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 1,
			last_modified TEXT,
			is_deleted    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_owner
			ON documents(entity_type, created_by, is_deleted)`,

		`CREATE TABLE IF NOT EXISTS pending_operations (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			payload         TEXT NOT NULL,
			priority        INTEGER NOT NULL,
			enqueued_at     TEXT NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			claimed_at      TEXT,
			last_error      TEXT,
			dead_at         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ready
			ON pending_operations(entity_type, status, priority DESC, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_entity
			ON pending_operations(entity_type, entity_id, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction. fn's error rolls the transaction
// back; a nil return commits.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeLayout is fixed width so that stored timestamps sort lexically in
// the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// NullTime converts a nullable column to *time.Time.
func NullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullString converts *time.Time for a nullable column.
func NullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}
