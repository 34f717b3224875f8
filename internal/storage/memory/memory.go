package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/uuidv7"
)

const shardCount = 32

// Store implements storage.Backend in-memory; intended for tests, local dev
// and single-process deployments. Records are spread across shards so
// operations on different resources never contend on one mutex.
type Store struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	records map[string]entry
}

type entry struct {
	lock storage.Lock
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]entry)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Get returns a copy of the record stored for resourceID.
func (s *Store) Get(_ context.Context, resourceID string) (storage.Record, error) {
	sh := s.shardFor(resourceID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.records[resourceID]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	lock := e.lock
	return storage.Record{Lock: &lock, ETag: e.etag}, nil
}

// CompareAndSwap writes lock for resourceID, enforcing expectedETag.
func (s *Store) CompareAndSwap(_ context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, exists := sh.records[resourceID]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if e.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewETag()
	sh.records[resourceID] = entry{lock: *lock, etag: etag}
	return etag, nil
}

// Delete removes the record for resourceID, respecting expectedETag when present.
func (s *Store) Delete(_ context.Context, resourceID, expectedETag string) error {
	sh := s.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.records[resourceID]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && e.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(sh.records, resourceID)
	return nil
}

// List enumerates stored resource ids in sorted order.
func (s *Store) List(_ context.Context) ([]string, error) {
	var ids []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.records {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids, nil
}
