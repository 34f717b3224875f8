package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/editlock/internal/storage"
)

const (
	recordDir      = "locks"
	recordSuffix   = ".pb"
	maxRecordBytes = 64 << 10
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend on Azure Blob Storage using blob ETag
// access conditions.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New constructs a Store and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return recordDir + "/"
	}
	return s.prefix + "/" + recordDir + "/"
}

func (s *Store) blobName(resourceID string) string {
	return s.listPrefix() + url.PathEscape(resourceID) + recordSuffix
}

// Get downloads the record for resourceID.
func (s *Store) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(resourceID), nil)
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, wrapError(err, "azure: download record")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return storage.Record{}, storage.NewTransientError(fmt.Errorf("azure: read record: %w", err))
	}
	lock, err := storage.UnmarshalLock(payload)
	if err != nil {
		return storage.Record{}, err
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return storage.Record{Lock: lock, ETag: etag}, nil
}

// CompareAndSwap uploads the record with IfMatch / IfNoneMatch conditions.
func (s *Store) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return "", err
	}
	conditions := &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}
	if expectedETag != "" {
		conditions = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expectedETag))}
	}
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeLockRecord)},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: conditions},
	}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(resourceID), bytes.NewReader(payload), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", wrapError(err, "azure: upload record")
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload record: missing etag")
	}
	return string(*resp.ETag), nil
}

// Delete removes the record, conditional on expectedETag when supplied.
func (s *Store) Delete(ctx context.Context, resourceID, expectedETag string) error {
	var opts *azblob.DeleteBlobOptions
	if expectedETag != "" {
		opts = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{
					IfMatch: to.Ptr(azcore.ETag(expectedETag)),
				},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(resourceID), opts); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete record")
	}
	return nil
}

// List enumerates stored resource ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	prefix := s.listPrefix()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var ids []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list records")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rel := strings.TrimPrefix(*item.Name, prefix)
			if rel == "" || !strings.HasSuffix(rel, recordSuffix) {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(rel, recordSuffix))
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
