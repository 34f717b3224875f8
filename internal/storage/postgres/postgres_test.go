package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	dsn := os.Getenv("EDITLOCK_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("EDITLOCK_TEST_POSTGRES_URL not set, skipping postgres backend tests")
	}
	admin, err := Open(context.Background(), Config{URL: dsn, Table: "editlock_test_admin"})
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}
	var tables []string
	t.Cleanup(func() {
		for _, table := range append(tables, "editlock_test_admin") {
			_, _ = admin.DB().ExecContext(context.Background(), "DROP TABLE IF EXISTS "+table)
		}
		_ = admin.Close()
	})
	prefix := fmt.Sprintf("editlock_test_%d", time.Now().UnixNano()%1_000_000)
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		table := fmt.Sprintf("%s_%d", prefix, len(tables))
		tables = append(tables, table)
		store, err := Open(context.Background(), Config{URL: dsn, Table: table})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return store
	})
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	if got := d.Placeholder(3); got != "$3" {
		t.Fatalf("placeholder = %q", got)
	}
	if !d.Retryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure should be retryable")
	}
	if !d.Retryable(&pgconn.PgError{Code: "08006"}) {
		t.Fatal("connection failure should be retryable")
	}
	if d.Retryable(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique violation should not be retryable")
	}
	if d.Retryable(errors.New("boom")) {
		t.Fatal("plain errors should not be retryable")
	}
}
