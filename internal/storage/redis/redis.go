// Package redis stores lock records as Redis hashes guarded by Lua scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/uuidv7"
)

const (
	fieldETag = "etag"
	fieldData = "data"
	scanBatch = 256
)

var casScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "etag")
if ARGV[1] == "" then
  if cur then return 0 end
else
  if not cur then return -1 end
  if cur ~= ARGV[1] then return 0 end
end
redis.call("HSET", KEYS[1], "etag", ARGV[2], "data", ARGV[3])
return 1
`)

var deleteScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "etag")
if not cur then return -1 end
if ARGV[1] ~= "" and cur ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

// Config describes how to reach Redis. URL takes the redis:// or rediss://
// form accepted by go-redis.
type Config struct {
	URL       string
	KeyPrefix string
}

// Store implements storage.Backend on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// New dials Redis from cfg.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	store := NewWithClient(goredis.NewClient(opts), cfg.KeyPrefix)
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "editlock:"
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(resourceID string) string {
	return s.prefix + "lock:" + resourceID
}

// Get reads the record for resourceID.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(resourceID), fieldETag, fieldData).Result()
	if err != nil {
		return storage.Record{}, wrapError(err, "redis: get")
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return storage.Record{}, storage.ErrNotFound
	}
	etag, _ := vals[0].(string)
	data, _ := vals[1].(string)
	lock, err := storage.UnmarshalLock([]byte(data))
	if err != nil {
		return storage.Record{}, err
	}
	return storage.Record{Lock: lock, ETag: etag}, nil
}

// CompareAndSwap writes lock iff the stored etag still equals expectedETag.
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return "", err
	}
	etag := uuidv7.NewETag()
	res, err := casScript.Run(ctx, s.client, []string{s.key(resourceID)}, expectedETag, etag, string(payload)).Int()
	if err != nil {
		return "", wrapError(err, "redis: compare and swap")
	}
	switch res {
	case 1:
		return etag, nil
	case -1:
		return "", storage.ErrNotFound
	default:
		return "", storage.ErrCASMismatch
	}
}

// Delete removes the record, conditional on expectedETag when non-empty.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) error {
	res, err := deleteScript.Run(ctx, s.client, []string{s.key(resourceID)}, expectedETag).Int()
	if err != nil {
		return wrapError(err, "redis: delete")
	}
	switch res {
	case 1:
		return nil
	case -1:
		return storage.ErrNotFound
	default:
		return storage.ErrCASMismatch
	}
}

// List scans the key space for lock records.
func (s *Store) List(ctx context.Context) ([]string, error) {
	base := s.prefix + "lock:"
	match := escapeGlob(base) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, wrapError(err, "redis: list")
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, base)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN")
}
