// Package postgres opens a PostgreSQL-backed lock store through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"pkt.systems/editlock/internal/storage/sqlstore"
)

// Config describes the PostgreSQL connection.
type Config struct {
	URL      string
	Table    string
	MaxConns int32
}

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

// Name returns "postgres".
func (Dialect) Name() string { return "postgres" }

// Placeholder returns $n.
func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// CreateTable returns the DDL for the lock table.
func (Dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	resource_id TEXT PRIMARY KEY,
	etag        TEXT NOT NULL,
	data        BYTEA NOT NULL
)`, table)
}

// Retryable reports connection loss, serialization failures and resource
// exhaustion as transient.
func (Dialect) Retryable(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Open connects to PostgreSQL and prepares the lock table.
func Open(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres: url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	store, err := sqlstore.New(ctx, db, Dialect{}, cfg.Table, sqlstore.WithCloser(func() error {
		pool.Close()
		return nil
	}))
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	return store, nil
}
