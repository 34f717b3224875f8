package storage

import (
	"context"
	"errors"
)

// deleteAttempts bounds the load/compare/delete loop in Locks.Delete.
const deleteAttempts = 8

// Expectation describes the stored value a CompareAndSwap must observe.
type Expectation struct {
	absent  bool
	ownerID string
	etag    string
}

// ExpectAbsent matches only when no record exists.
func ExpectAbsent() Expectation {
	return Expectation{absent: true}
}

// ExpectRecord matches only the exact record previously read. Matching by
// entity tag rather than owner keeps a reclaimer acting on a stale read from
// overwriting a heartbeat that landed in between.
func ExpectRecord(rec Record) Expectation {
	exp := Expectation{etag: rec.ETag}
	if rec.Lock != nil {
		exp.ownerID = rec.Lock.OwnerID
	}
	return exp
}

// Absent reports whether the expectation requires an empty slot.
func (e Expectation) Absent() bool { return e.absent }

// OwnerID returns the owner of the expected record.
func (e Expectation) OwnerID() string { return e.ownerID }

// Locks exposes the lock store primitives on top of a Backend.
type Locks struct {
	backend Backend
}

// NewLocks wraps backend.
func NewLocks(backend Backend) *Locks {
	return &Locks{backend: backend}
}

// Backend returns the wrapped backend.
func (l *Locks) Backend() Backend {
	return l.backend
}

// Get returns the current record with no staleness filtering. found is false
// when the slot is empty.
func (l *Locks) Get(ctx context.Context, resourceID string) (rec Record, found bool, err error) {
	if err := ValidateResourceID(resourceID); err != nil {
		return Record{}, false, err
	}
	rec, err = l.backend.Get(ctx, resourceID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// CompareAndSwap installs next iff the stored value matches exp at the moment
// of the swap. It reports false, without error, when the expectation no
// longer holds.
func (l *Locks) CompareAndSwap(ctx context.Context, resourceID string, exp Expectation, next *Lock) (Record, bool, error) {
	if err := ValidateResourceID(resourceID); err != nil {
		return Record{}, false, err
	}
	if err := next.Validate(); err != nil {
		return Record{}, false, err
	}
	if next.ResourceID != resourceID {
		return Record{}, false, ErrInvalidResource
	}
	expected := ""
	if !exp.absent {
		if exp.etag == "" {
			return Record{}, false, errors.New("storage: expectation missing etag")
		}
		expected = exp.etag
	}
	etag, err := l.backend.CompareAndSwap(ctx, resourceID, expected, next)
	switch {
	case err == nil:
		return Record{Lock: next.Clone(), ETag: etag}, true, nil
	case errors.Is(err, ErrCASMismatch), errors.Is(err, ErrNotFound):
		return Record{}, false, nil
	default:
		return Record{}, false, err
	}
}

// Delete removes the record only while ownerID holds it. A mismatched owner
// or an empty slot is a no-op reported as false.
func (l *Locks) Delete(ctx context.Context, resourceID, ownerID string) (bool, error) {
	_, ok, err := l.DeleteIf(ctx, resourceID, func(lock *Lock) bool {
		return lock.OwnerID == ownerID
	})
	return ok, err
}

// DeleteIf removes the current record while match approves it, retrying when
// a concurrent writer changes the record between the read and the delete.
// It returns the lock that was removed.
func (l *Locks) DeleteIf(ctx context.Context, resourceID string, match func(*Lock) bool) (*Lock, bool, error) {
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		rec, found, err := l.Get(ctx, resourceID)
		if err != nil {
			return nil, false, err
		}
		if !found || !match(rec.Lock) {
			return nil, false, nil
		}
		err = l.backend.Delete(ctx, resourceID, rec.ETag)
		switch {
		case err == nil:
			return rec.Lock, true, nil
		case errors.Is(err, ErrNotFound):
			return nil, false, nil
		case errors.Is(err, ErrCASMismatch):
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, ErrCASMismatch
}

// List returns the ids of all stored records, stale ones included.
func (l *Locks) List(ctx context.Context) ([]string, error) {
	return l.backend.List(ctx)
}

// Close releases backend resources.
func (l *Locks) Close() error {
	return l.backend.Close()
}
