package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/memory"
	"pkt.systems/editlock/internal/storage/storagetest"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestLockCodecPreservesFields(t *testing.T) {
	lock := storagetest.SampleLock("page:home", "x", base)
	lock.LastHeartbeatAt = base.Add(30*time.Second + 250*time.Millisecond)
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := storage.UnmarshalLock(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *lock {
		t.Fatalf("expected %+v, got %+v", lock, got)
	}
}

func TestRecordCodecRequiresLock(t *testing.T) {
	payload, err := storage.MarshalRecord("etag-1", storagetest.SampleLock("page:home", "x", base))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec, err := storage.UnmarshalRecord(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.ETag != "etag-1" || rec.Lock.OwnerID != "x" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := storage.UnmarshalRecord(nil); err == nil {
		t.Fatal("expected error for empty record")
	}
	if _, err := storage.UnmarshalLock([]byte{0xff}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestValidate(t *testing.T) {
	lock := storagetest.SampleLock("page:home", "x", base)
	if err := lock.Validate(); err != nil {
		t.Fatalf("expected valid lock, got %v", err)
	}
	bad := lock.Clone()
	bad.AcquiredAt = base.Add(time.Second)
	if err := bad.Validate(); err == nil {
		t.Fatal("expected acquired_at after heartbeat to fail")
	}
	for _, id := range []string{"", " page", "page\n", strings.Repeat("a", storage.MaxResourceIDLength+1)} {
		if err := storage.ValidateResourceID(id); !errors.Is(err, storage.ErrInvalidResource) {
			t.Fatalf("expected %q to be rejected, got %v", id, err)
		}
	}
}

func TestStale(t *testing.T) {
	lock := storagetest.SampleLock("page:home", "x", base)
	if lock.Stale(base.Add(60*time.Second), time.Minute) {
		t.Fatal("lock exactly at TTL must not be stale")
	}
	if !lock.Stale(base.Add(61*time.Second), time.Minute) {
		t.Fatal("lock past TTL must be stale")
	}
}

func TestLocksCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	locks := storage.NewLocks(memory.New())

	rec, ok, err := locks.CompareAndSwap(ctx, "page:home", storage.ExpectAbsent(), storagetest.SampleLock("page:home", "x", base))
	if err != nil || !ok {
		t.Fatalf("expected create to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locks.CompareAndSwap(ctx, "page:home", storage.ExpectAbsent(), storagetest.SampleLock("page:home", "y", base)); ok {
		t.Fatal("expected absent expectation to fail on held slot")
	}

	bumped := rec.Lock.Clone()
	bumped.LastHeartbeatAt = base.Add(30 * time.Second)
	next, ok, err := locks.CompareAndSwap(ctx, "page:home", storage.ExpectRecord(rec), bumped)
	if err != nil || !ok {
		t.Fatalf("expected heartbeat swap to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locks.CompareAndSwap(ctx, "page:home", storage.ExpectRecord(rec), storagetest.SampleLock("page:home", "y", base)); ok {
		t.Fatal("expected swap against superseded record to fail")
	}
	cur, found, err := locks.Get(ctx, "page:home")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if cur.ETag != next.ETag || !cur.Lock.LastHeartbeatAt.Equal(bumped.LastHeartbeatAt) {
		t.Fatalf("unexpected current record %+v", cur)
	}
}

func TestLocksDeleteOwnerOnly(t *testing.T) {
	ctx := context.Background()
	locks := storage.NewLocks(memory.New())
	if _, ok, err := locks.CompareAndSwap(ctx, "page:home", storage.ExpectAbsent(), storagetest.SampleLock("page:home", "x", base)); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	ok, err := locks.Delete(ctx, "page:home", "y")
	if err != nil || ok {
		t.Fatalf("expected non-owner delete to be a no-op, ok=%v err=%v", ok, err)
	}
	if _, found, _ := locks.Get(ctx, "page:home"); !found {
		t.Fatal("record must survive non-owner delete")
	}
	ok, err = locks.Delete(ctx, "page:home", "x")
	if err != nil || !ok {
		t.Fatalf("expected owner delete, ok=%v err=%v", ok, err)
	}
	ok, err = locks.Delete(ctx, "page:home", "x")
	if err != nil || ok {
		t.Fatalf("expected second delete to be a no-op, ok=%v err=%v", ok, err)
	}
}

func TestLocksRejectsInvalidResource(t *testing.T) {
	locks := storage.NewLocks(memory.New())
	if _, _, err := locks.Get(context.Background(), ""); !errors.Is(err, storage.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}

func TestTransientErrors(t *testing.T) {
	base := errors.New("boom")
	err := storage.NewTransientError(base)
	if !storage.IsTransient(err) || !errors.Is(err, base) {
		t.Fatalf("expected transient wrapping of %v", base)
	}
	if storage.IsTransient(base) {
		t.Fatal("plain error must not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}
