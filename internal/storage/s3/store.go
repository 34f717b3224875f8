package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/storage"
)

const (
	recordDir    = "locks"
	recordSuffix = ".pb"
	// maxRecordBytes bounds reads of a single encoded lock record.
	maxRecordBytes = 64 << 10
)

// Config controls the behaviour of the S3-compatible storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on S3-compatible object storage using
// conditional PUTs (If-Match / If-None-Match).
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

func (s *Store) objectKey(resourceID string) string {
	key := recordDir + "/" + url.PathEscape(resourceID) + recordSuffix
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return recordDir + "/"
	}
	return s.cfg.Prefix + "/" + recordDir + "/"
}

// Get downloads the record for resourceID; the object ETag guards later writes.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	logger := s.logger(ctx)
	object := s.objectKey(resourceID)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()
	payload, err := io.ReadAll(io.LimitReader(obj, maxRecordBytes))
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		logger.Debug("s3.get.read_error", "object", object, "error", err)
		return storage.Record{}, s.wrapError(err, "s3: read record")
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, s.wrapError(err, "s3: stat record")
	}
	lock, err := storage.UnmarshalLock(payload)
	if err != nil {
		logger.Debug("s3.get.decode_error", "object", object, "error", err)
		return storage.Record{}, err
	}
	return storage.Record{Lock: lock, ETag: stripETag(info.ETag)}, nil
}

// CompareAndSwap uploads lock with If-Match (update) or If-None-Match (create).
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	logger := s.logger(ctx)
	object := s.objectKey(resourceID)
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return "", err
	}
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeLockRecord}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if classified := classifyPutObjectError(err, expectedETag != ""); classified != nil {
			logger.Debug("s3.cas.conditional_failure", "object", object, "expected_etag", expectedETag, "error", classified)
			return "", classified
		}
		logger.Debug("s3.cas.put_error", "object", object, "error", err)
		return "", s.wrapError(err, "s3: put record")
	}
	return stripETag(info.ETag), nil
}

// Delete removes the record. S3 has no conditional DELETE here, so the
// expected ETag is verified with a HEAD immediately before removal.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) error {
	logger := s.logger(ctx)
	object := s.objectKey(resourceID)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		logger.Debug("s3.delete.cas_mismatch", "object", object, "expected_etag", expectedETag, "current_etag", stripETag(info.ETag))
		return storage.ErrCASMismatch
	}
	// Not atomic with the stat above: a write landing in between (for
	// example a takeover racing a release) is removed too. Use the aws or
	// azure backends where conditional deletes are native.
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove record")
	}
	return nil
}

// List enumerates stored resource ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	prefix := s.listPrefix()
	var ids []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list records")
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || !strings.HasSuffix(rel, recordSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(rel, recordSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func classifyPutObjectError(err error, hasExpectedETag bool) error {
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if hasExpectedETag && isNotFound(err) {
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
