// Package storagetest provides a conformance suite every storage.Backend
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"pkt.systems/editlock/internal/storage"
)

// Factory returns a fresh, empty backend. Backends sharing external state
// must isolate each call (unique bucket, prefix or database).
type Factory func(t *testing.T) storage.Backend

// SampleLock returns a valid lock for resourceID owned by owner.
func SampleLock(resourceID, owner string, at time.Time) *storage.Lock {
	at = at.UTC().Truncate(time.Millisecond)
	return &storage.Lock{
		ResourceID:      resourceID,
		OwnerID:         owner,
		OwnerName:       "User " + owner,
		OwnerEmail:      owner + "@example.com",
		SessionID:       "sess-" + owner,
		AcquiredAt:      at,
		LastHeartbeatAt: at,
	}
}

// RunConformance exercises the conditional-write contract of storage.Backend.
func RunConformance(t *testing.T, factory Factory) {
	t.Helper()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("GetMissing", func(t *testing.T) {
		backend := open(t, factory)
		if _, err := backend.Get(context.Background(), "page:missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateOnly", func(t *testing.T) {
		backend := open(t, factory)
		ctx := context.Background()
		lock := SampleLock("page:home", "x", base)
		etag, err := backend.CompareAndSwap(ctx, lock.ResourceID, "", lock)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if etag == "" {
			t.Fatal("expected etag from create")
		}
		if _, err := backend.CompareAndSwap(ctx, lock.ResourceID, "", SampleLock("page:home", "y", base)); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on second create, got %v", err)
		}
		rec, err := backend.Get(ctx, lock.ResourceID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.ETag != etag {
			t.Fatalf("expected etag %q, got %q", etag, rec.ETag)
		}
		assertLockEqual(t, lock, rec.Lock)
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		backend := open(t, factory)
		ctx := context.Background()
		lock := SampleLock("content:42", "x", base)
		first, err := backend.CompareAndSwap(ctx, lock.ResourceID, "", lock)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		next := lock.Clone()
		next.LastHeartbeatAt = base.Add(30 * time.Second)
		second, err := backend.CompareAndSwap(ctx, lock.ResourceID, first, next)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if second == first {
			t.Fatal("expected etag to change on update")
		}
		if _, err := backend.CompareAndSwap(ctx, lock.ResourceID, first, SampleLock("content:42", "y", base)); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
		}
		rec, err := backend.Get(ctx, lock.ResourceID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertLockEqual(t, next, rec.Lock)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		backend := open(t, factory)
		_, err := backend.CompareAndSwap(context.Background(), "page:gone", "deadbeef", SampleLock("page:gone", "x", base))
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected conditional failure, got %v", err)
		}
	})

	t.Run("ConditionalDelete", func(t *testing.T) {
		backend := open(t, factory)
		ctx := context.Background()
		lock := SampleLock("page:about", "x", base)
		etag, err := backend.CompareAndSwap(ctx, lock.ResourceID, "", lock)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := backend.Delete(ctx, lock.ResourceID, "not-the-etag"); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch, got %v", err)
		}
		if err := backend.Delete(ctx, lock.ResourceID, etag); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := backend.Get(ctx, lock.ResourceID); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := backend.Delete(ctx, lock.ResourceID, etag); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		backend := open(t, factory)
		ctx := context.Background()
		want := []string{"content/abc def", "page:home", "page:über?x=1"}
		for _, id := range want {
			if _, err := backend.CompareAndSwap(ctx, id, "", SampleLock(id, "x", base)); err != nil {
				t.Fatalf("create %q: %v", id, err)
			}
		}
		got, err := backend.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		backend := open(t, factory)
		ctx := context.Background()
		const contenders = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := backend.CompareAndSwap(ctx, "page:race", "", SampleLock("page:race", fmt.Sprintf("u%d", i), base))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrCASMismatch):
				default:
					errs = append(errs, err)
				}
			}(i)
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}

func open(t *testing.T, factory Factory) storage.Backend {
	t.Helper()
	backend := factory(t)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func assertLockEqual(t *testing.T, want, got *storage.Lock) {
	t.Helper()
	if got == nil {
		t.Fatal("expected lock, got nil")
	}
	if got.ResourceID != want.ResourceID || got.OwnerID != want.OwnerID || got.OwnerName != want.OwnerName ||
		got.OwnerEmail != want.OwnerEmail || got.SessionID != want.SessionID {
		t.Fatalf("lock identity mismatch: want %+v got %+v", want, got)
	}
	if !got.AcquiredAt.Equal(want.AcquiredAt) || !got.LastHeartbeatAt.Equal(want.LastHeartbeatAt) {
		t.Fatalf("lock timestamps mismatch: want %v/%v got %v/%v", want.AcquiredAt, want.LastHeartbeatAt, got.AcquiredAt, got.LastHeartbeatAt)
	}
}
