package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "locks.db")})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return store
	})
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")
	first, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	lock := storagetest.SampleLock("doc-1", "alice", time.Unix(1700000000, 0).UTC())
	etag, err := first.CompareAndSwap(ctx, "doc-1", "", lock)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	rec, err := second.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ETag != etag || rec.Lock.OwnerID != "alice" {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
}

func TestInvalidTableRejected(t *testing.T) {
	if _, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "x.db"), Table: "locks; DROP"}); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
