package retry_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubBackend struct {
	getErrs  []error
	getCalls int
	casErrs  []error
	casCalls int
}

func (s *stubBackend) Get(context.Context, string) (storage.Record, error) {
	s.getCalls++
	if idx := s.getCalls - 1; idx < len(s.getErrs) && s.getErrs[idx] != nil {
		return storage.Record{}, s.getErrs[idx]
	}
	return storage.Record{Lock: &storage.Lock{OwnerID: "x"}, ETag: "etag"}, nil
}

func (s *stubBackend) CompareAndSwap(context.Context, string, string, *storage.Lock) (string, error) {
	s.casCalls++
	if idx := s.casCalls - 1; idx < len(s.casErrs) && s.casErrs[idx] != nil {
		return "", s.casErrs[idx]
	}
	return "etag-next", nil
}

func (s *stubBackend) Delete(context.Context, string, string) error { return nil }
func (s *stubBackend) List(context.Context) ([]string, error)       { return nil, nil }
func (s *stubBackend) Close() error                                 { return nil }

func newLogger() pslog.Logger {
	return pslog.NewStructured(context.Background(), io.Discard)
}

func TestRetryTransientWithBackoff(t *testing.T) {
	stub := &stubBackend{getErrs: []error{
		storage.NewTransientError(errors.New("timeout")),
		storage.NewTransientError(errors.New("timeout")),
		storage.NewTransientError(errors.New("timeout")),
	}}
	clk := &fakeClock{}
	backend := retry.Wrap(stub, newLogger(), clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2})
	rec, err := backend.Get(context.Background(), "page:home")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if rec.ETag != "etag" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if stub.getCalls != 4 {
		t.Fatalf("expected 4 calls, got %d", stub.getCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], clk.sleeps[i])
		}
	}
}

func TestRetryDoesNotRetryConditionalFailures(t *testing.T) {
	stub := &stubBackend{casErrs: []error{storage.ErrCASMismatch}}
	clk := &fakeClock{}
	backend := retry.Wrap(stub, newLogger(), clk, retry.Config{MaxAttempts: 5})
	if _, err := backend.CompareAndSwap(context.Background(), "page:home", "etag", &storage.Lock{}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	if stub.casCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", stub.casCalls)
	}
	if len(clk.sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", clk.sleeps)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("unavailable"))
	stub := &stubBackend{getErrs: []error{transient, transient, transient}}
	backend := retry.Wrap(stub, newLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	if _, err := backend.Get(context.Background(), "page:home"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error after exhausting attempts, got %v", err)
	}
	if stub.getCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.getCalls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	stub := &stubBackend{getErrs: []error{storage.NewTransientError(errors.New("timeout"))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := retry.Wrap(stub, newLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, err := backend.Get(ctx, "page:home"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
