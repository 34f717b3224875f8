package disk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/storagetest"
)

func TestDiskConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		store, err := New(Config{Root: t.TempDir()})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	})
}

func TestDiskSharedRootAcrossStores(t *testing.T) {
	root := t.TempDir()
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer a.Close()
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	lock := storagetest.SampleLock("page:home", "x", time.Now())
	etag, err := a.CompareAndSwap(ctx, lock.ResourceID, "", lock)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := b.Get(ctx, lock.ResourceID)
	if err != nil {
		t.Fatalf("get via second store: %v", err)
	}
	if rec.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, rec.ETag)
	}
}

func TestDiskLongResourceIDUsesDigest(t *testing.T) {
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	id := "content:" + strings.Repeat("x", 400)
	ctx := context.Background()
	if _, err := store.CompareAndSwap(ctx, id, "", storagetest.SampleLock(id, "x", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(encodeName(id), "h-") {
		t.Fatalf("expected digest name, got %q", encodeName(id))
	}
	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected long id to round-trip through List, got %v", ids)
	}
}

func TestDiskJanitorRemovesOldTempFiles(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	store, err := New(Config{Root: root, TempRetention: time.Minute, JanitorInterval: time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	stale := filepath.Join(root, "tmp", "editlock-record-stale")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	old := now.Add(-2 * time.Minute)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	fresh := filepath.Join(root, "tmp", "editlock-record-fresh")
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if removed := store.sweepOnce(); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh temp file should survive: %v", err)
	}
}
