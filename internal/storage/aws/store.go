package aws

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/storage"
)

const (
	recordDir      = "locks"
	recordSuffix   = ".pb"
	maxRecordBytes = 64 << 10
	awsOpTimeout   = 30 * time.Second
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	Insecure     bool
	UsePathStyle bool
}

// Store implements storage.Backend on AWS S3 using conditional writes
// (If-Match / If-None-Match) on PutObject and DeleteObject.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

func objectKey(prefix, resourceID string) string {
	key := recordDir + "/" + url.PathEscape(resourceID) + recordSuffix
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Get downloads the record for resourceID.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := objectKey(s.cfg.Prefix, resourceID)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		logger.Debug("aws.get.error", "object", object, "error", err)
		return storage.Record{}, s.wrapError(err, "aws: get record")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return storage.Record{}, s.wrapError(err, "aws: read record")
	}
	lock, err := storage.UnmarshalLock(payload)
	if err != nil {
		return storage.Record{}, err
	}
	return storage.Record{Lock: lock, ETag: stripETag(aws.ToString(resp.ETag))}, nil
}

// CompareAndSwap uploads lock conditionally.
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := objectKey(s.cfg.Prefix, resourceID)
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(storage.ContentTypeLockRecord),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if classified := classifyPutObjectError(err, expectedETag != ""); classified != nil {
			logger.Debug("aws.cas.conditional_failure", "object", object, "expected_etag", expectedETag, "error", classified)
			return "", classified
		}
		logger.Debug("aws.cas.put_error", "object", object, "error", err)
		return "", s.wrapError(err, "aws: put record")
	}
	if etag := stripETag(aws.ToString(out.ETag)); etag != "" {
		return etag, nil
	}
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		return "", s.wrapError(err, "aws: head record")
	}
	return stripETag(aws.ToString(stat.ETag)), nil
}

// Delete removes the record with a conditional DeleteObject.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := objectKey(s.cfg.Prefix, resourceID)
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		if isPreconditionFailed(err) {
			logger.Debug("aws.delete.cas_mismatch", "object", object, "expected_etag", expectedETag)
			return storage.ErrCASMismatch
		}
		return s.wrapError(err, "aws: delete record")
	}
	return nil
}

// List enumerates stored resource ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := strings.TrimSuffix(objectKey(s.cfg.Prefix, ""), recordSuffix)
	var (
		ids   []string
		token *string
	)
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.wrapError(err, "aws: list records")
		}
		for _, object := range resp.Contents {
			rel := strings.TrimPrefix(aws.ToString(object.Key), prefix)
			if rel == "" || !strings.HasSuffix(rel, recordSuffix) {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(rel, recordSuffix))
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
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
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
