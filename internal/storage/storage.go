package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ContentTypeLockRecord is the content type stored alongside encoded lock
// records in object stores.
const ContentTypeLockRecord = "application/vnd.editlock.lock+protobuf"

// MaxResourceIDLength bounds resource identifiers accepted by every backend.
const MaxResourceIDLength = 512

var (
	// ErrNotFound indicates the requested lock record is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrInvalidResource is returned for empty or malformed resource ids.
	ErrInvalidResource = errors.New("storage: invalid resource id")
)

// Lock is the persisted edit lock for one resource.
type Lock struct {
	ResourceID      string
	OwnerID         string
	OwnerName       string
	OwnerEmail      string
	SessionID       string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
}

// Clone returns a deep copy of l.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// Stale reports whether the lock has gone longer than ttl without a heartbeat.
func (l *Lock) Stale(now time.Time, ttl time.Duration) bool {
	if l == nil {
		return true
	}
	return now.Sub(l.LastHeartbeatAt) > ttl
}

// Validate checks the structural invariants of a lock record.
func (l *Lock) Validate() error {
	if l == nil {
		return errors.New("storage: nil lock")
	}
	if err := ValidateResourceID(l.ResourceID); err != nil {
		return err
	}
	if strings.TrimSpace(l.OwnerID) == "" {
		return errors.New("storage: lock owner required")
	}
	if l.AcquiredAt.IsZero() || l.LastHeartbeatAt.IsZero() {
		return errors.New("storage: lock timestamps required")
	}
	if l.AcquiredAt.After(l.LastHeartbeatAt) {
		return fmt.Errorf("storage: acquired_at %s after last_heartbeat_at %s", l.AcquiredAt, l.LastHeartbeatAt)
	}
	return nil
}

// ValidateResourceID enforces the resource id rules shared by all backends.
func ValidateResourceID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidResource, id)
	}
	if len(id) > MaxResourceIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidResource, MaxResourceIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("%w: contains control characters", ErrInvalidResource)
		}
	}
	return nil
}

// Record pairs a lock with the entity tag guarding its next conditional write.
type Record struct {
	Lock *Lock
	ETag string
}

// Backend is the conditional key/value contract every lock store implements.
// An empty expectedETag on CompareAndSwap means create-only; on Delete it
// means unconditional. Conditional failures return ErrCASMismatch, or
// ErrNotFound when the record vanished.
type Backend interface {
	Get(ctx context.Context, resourceID string) (Record, error)
	CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *Lock) (string, error)
	Delete(ctx context.Context, resourceID, expectedETag string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by storage/retry.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
