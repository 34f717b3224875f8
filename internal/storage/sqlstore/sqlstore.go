// Package sqlstore implements storage.Backend over database/sql. Dialects
// supply placeholder syntax, DDL and error classification.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/uuidv7"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "editlock_locks"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Dialect captures the differences between SQL engines.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	CreateTable(table string) string
	Retryable(err error) bool
}

// Store is a lock backend over a single table keyed by resource id.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	onClose func() error

	qGet, qInsert, qUpdate, qExists, qDelete, qDeleteIf, qList string
}

// Option customises Store construction.
type Option func(*Store)

// WithCloser registers an extra hook run after the database is closed.
func WithCloser(fn func() error) Option {
	return func(s *Store) { s.onClose = fn }
}

// New prepares the schema in db and returns a Store over table.
func New(ctx context.Context, db *sql.DB, dialect Dialect, table string, opts ...Option) (*Store, error) {
	if db == nil || dialect == nil {
		return nil, errors.New("sqlstore: db and dialect are required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", table)
	}
	s := &Store{db: db, dialect: dialect, table: table}
	for _, opt := range opts {
		opt(s)
	}
	p := dialect.Placeholder
	s.qGet = fmt.Sprintf(`SELECT etag, data FROM %s WHERE resource_id = %s`, table, p(1))
	s.qInsert = fmt.Sprintf(`INSERT INTO %s (resource_id, etag, data) VALUES (%s, %s, %s) ON CONFLICT (resource_id) DO NOTHING`, table, p(1), p(2), p(3))
	s.qUpdate = fmt.Sprintf(`UPDATE %s SET etag = %s, data = %s WHERE resource_id = %s AND etag = %s`, table, p(1), p(2), p(3), p(4))
	s.qExists = fmt.Sprintf(`SELECT 1 FROM %s WHERE resource_id = %s`, table, p(1))
	s.qDelete = fmt.Sprintf(`DELETE FROM %s WHERE resource_id = %s`, table, p(1))
	s.qDeleteIf = fmt.Sprintf(`DELETE FROM %s WHERE resource_id = %s AND etag = %s`, table, p(1), p(2))
	s.qList = fmt.Sprintf(`SELECT resource_id FROM %s ORDER BY resource_id`, table)
	if _, err := db.ExecContext(ctx, dialect.CreateTable(table)); err != nil {
		return nil, fmt.Errorf("sqlstore(%s): create table: %w", dialect.Name(), err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database and any registered hook.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		if cerr := s.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}

// Get reads the record for resourceID.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	var (
		etag string
		data []byte
	)
	err := s.db.QueryRowContext(ctx, s.qGet, resourceID).Scan(&etag, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, s.wrap(err, "get")
	}
	lock, err := storage.UnmarshalLock(data)
	if err != nil {
		return storage.Record{}, err
	}
	return storage.Record{Lock: lock, ETag: etag}, nil
}

// CompareAndSwap inserts (expectedETag empty) or conditionally updates.
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return "", err
	}
	etag := uuidv7.NewETag()
	if expectedETag == "" {
		res, err := s.db.ExecContext(ctx, s.qInsert, resourceID, etag, payload)
		if err != nil {
			return "", s.wrap(err, "insert")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", s.wrap(err, "insert")
		}
		if n == 0 {
			return "", storage.ErrCASMismatch
		}
		return etag, nil
	}
	res, err := s.db.ExecContext(ctx, s.qUpdate, etag, payload, resourceID, expectedETag)
	if err != nil {
		return "", s.wrap(err, "update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", s.wrap(err, "update")
	}
	if n == 0 {
		return "", s.missOrMismatch(ctx, resourceID)
	}
	return etag, nil
}

// Delete removes the row, conditional on expectedETag when non-empty.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) error {
	var (
		res sql.Result
		err error
	)
	if expectedETag == "" {
		res, err = s.db.ExecContext(ctx, s.qDelete, resourceID)
	} else {
		res, err = s.db.ExecContext(ctx, s.qDeleteIf, resourceID, expectedETag)
	}
	if err != nil {
		return s.wrap(err, "delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err, "delete")
	}
	if n > 0 {
		return nil
	}
	if expectedETag == "" {
		return storage.ErrNotFound
	}
	return s.missOrMismatch(ctx, resourceID)
}

// List returns every stored resource id in order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.qList)
	if err != nil {
		return nil, s.wrap(err, "list")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.wrap(err, "list")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "list")
	}
	return ids, nil
}

func (s *Store) missOrMismatch(ctx context.Context, resourceID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.qExists, resourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return s.wrap(err, "exists")
	}
	return storage.ErrCASMismatch
}

func (s *Store) wrap(err error, op string) error {
	wrapped := fmt.Errorf("sqlstore(%s): %s: %w", s.dialect.Name(), op, err)
	if errors.Is(err, context.DeadlineExceeded) || s.dialect.Retryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
