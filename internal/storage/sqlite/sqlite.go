// Package sqlite opens an embedded SQLite lock store (modernc, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pkt.systems/editlock/internal/storage/sqlstore"
)

// Config describes the database file.
type Config struct {
	Path  string
	Table string
}

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

// Name returns "sqlite".
func (Dialect) Name() string { return "sqlite" }

// Placeholder returns ?.
func (Dialect) Placeholder(int) string { return "?" }

// CreateTable returns the DDL for the lock table.
func (Dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	resource_id TEXT PRIMARY KEY,
	etag        TEXT NOT NULL,
	data        BLOB NOT NULL
)`, table)
}

// Retryable treats busy and locked database errors as transient.
func (Dialect) Retryable(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// Open opens (creating when missing) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Writers serialize on the database file; a single connection keeps
	// conditional writes from tripping SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)
	store, err := sqlstore.New(ctx, db, Dialect{}, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
