package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/uuidv7"
)

const (
	recordSuffix = ".pb"
	// maxEncodedName keeps file names below common filesystem limits; longer
	// ids are stored under a digest.
	maxEncodedName = 200
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// TempRetention is how long orphaned temp files survive before the
	// janitor removes them. Zero disables the janitor.
	TempRetention   time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
	Logger          pslog.Logger
}

// Store implements storage.Backend on the local filesystem. Writes are
// serialised per resource by an in-process mutex plus an fcntl lock so
// several processes may share one root.
type Store struct {
	root            string
	recordDir       string
	tmpDir          string
	lockDir         string
	retention       time.Duration
	janitorInterval time.Duration
	now             func() time.Time
	logger          pslog.Logger

	locks sync.Map

	stopJanitor chan struct{}
	doneJanitor chan struct{}
	closeOnce   sync.Once
}

var globalLocks sync.Map

func globalKeyMutex(path string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.TempRetention < 0 {
		return nil, fmt.Errorf("disk: temp retention must be >= 0")
	}
	if cfg.JanitorInterval < 0 {
		return nil, fmt.Errorf("disk: janitor interval must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:            root,
		recordDir:       filepath.Join(root, "locks"),
		tmpDir:          filepath.Join(root, "tmp"),
		lockDir:         filepath.Join(root, "flock"),
		retention:       cfg.TempRetention,
		janitorInterval: cfg.JanitorInterval,
		now:             cfg.Now,
		logger:          cfg.Logger.With("storage_backend", "disk"),
	}
	for _, dir := range []string{s.recordDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if s.janitorInterval <= 0 {
		s.janitorInterval = time.Hour
	}
	if s.retention > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// Close stops the janitor.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.stopJanitor != nil {
			close(s.stopJanitor)
			<-s.doneJanitor
		}
	})
	return nil
}

func (s *Store) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger.With("storage_backend", "disk")
	}
	return s.logger
}

func encodeName(resourceID string) string {
	encoded := url.PathEscape(resourceID)
	if len(encoded) > maxEncodedName || strings.HasPrefix(encoded, ".") {
		sum := sha256.Sum256([]byte(resourceID))
		return "h-" + hex.EncodeToString(sum[:])
	}
	return encoded
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.recordDir, name+recordSuffix)
}

func (s *Store) keyLock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockKey serialises writers of one record across goroutines and processes.
func (s *Store) lockKey(name string) (func() error, error) {
	glob := globalKeyMutex(s.recordPath(name))
	glob.Lock()
	mu := s.keyLock(name)
	mu.Lock()
	f, err := os.OpenFile(filepath.Join(s.lockDir, name+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		glob.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		glob.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() error {
		err := fl.Unlock()
		mu.Unlock()
		glob.Unlock()
		return err
	}, nil
}

func (s *Store) readRecord(name string) (storage.Record, error) {
	payload, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("disk: read record: %w", err)
	}
	rec, err := storage.UnmarshalRecord(payload)
	if err != nil {
		return storage.Record{}, fmt.Errorf("disk: decode record %s: %w", name, err)
	}
	return rec, nil
}

// Get loads the record for resourceID.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	rec, err := s.readRecord(encodeName(resourceID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.loggerFor(ctx).Debug("disk.get.error", "resource", resourceID, "error", err)
	}
	return rec, err
}

// CompareAndSwap persists lock when the stored etag matches expectedETag.
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (etag string, err error) {
	logger := s.loggerFor(ctx)
	name := encodeName(resourceID)
	unlock, err := s.lockKey(name)
	if err != nil {
		logger.Debug("disk.cas.filelock_error", "resource", resourceID, "error", err)
		return "", err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	current, err := s.readRecord(name)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if expectedETag != "" {
		if !exists {
			logger.Debug("disk.cas.not_found", "resource", resourceID, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		if current.ETag != expectedETag {
			logger.Debug("disk.cas.mismatch", "resource", resourceID, "expected_etag", expectedETag, "current_etag", current.ETag)
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		logger.Debug("disk.cas.exists", "resource", resourceID, "current_etag", current.ETag)
		return "", storage.ErrCASMismatch
	}
	etag = uuidv7.NewETag()
	payload, err := storage.MarshalRecord(etag, lock)
	if err != nil {
		return "", err
	}
	if err := s.writeBytesAtomic(s.recordPath(name), payload); err != nil {
		logger.Debug("disk.cas.write_error", "resource", resourceID, "error", err)
		return "", fmt.Errorf("disk: write record: %w", err)
	}
	return etag, nil
}

// Delete removes the record, honouring expectedETag when supplied.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) (err error) {
	logger := s.loggerFor(ctx)
	name := encodeName(resourceID)
	unlock, err := s.lockKey(name)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	if expectedETag != "" {
		rec, err := s.readRecord(name)
		if err != nil {
			return err
		}
		if rec.ETag != expectedETag {
			logger.Debug("disk.delete.mismatch", "resource", resourceID, "expected_etag", expectedETag, "current_etag", rec.ETag)
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(s.recordPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove record: %w", err)
	}
	_ = syncDir(s.recordDir)
	return nil
}

// List scans the record directory. Resource ids are read from the records
// themselves since long ids are stored under a digest.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.recordDir)
	if err != nil {
		return nil, fmt.Errorf("disk: list records: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		rec, err := s.readRecord(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			s.loggerFor(ctx).Debug("disk.list.skip", "file", name, "error", err)
			continue
		}
		ids = append(ids, rec.Lock.ResourceID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "editlock-record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	defer close(s.doneJanitor)
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopJanitor:
			return
		}
	}
}

// sweepOnce removes temp files left behind by crashed writers.
func (s *Store) sweepOnce() int {
	if s.retention <= 0 {
		return 0
	}
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return 0
	}
	now := s.now()
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if now.Sub(info.ModTime()) <= s.retention {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("disk.janitor.removed_temp", "count", removed)
	}
	return removed
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
