package editlock

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/storage"
	awsstore "pkt.systems/editlock/internal/storage/aws"
	azurestore "pkt.systems/editlock/internal/storage/azure"
	"pkt.systems/editlock/internal/storage/disk"
	loggingbackend "pkt.systems/editlock/internal/storage/logging"
	"pkt.systems/editlock/internal/storage/memory"
	"pkt.systems/editlock/internal/storage/postgres"
	redisstore "pkt.systems/editlock/internal/storage/redis"
	"pkt.systems/editlock/internal/storage/retry"
	"pkt.systems/editlock/internal/storage/s3"
	"pkt.systems/editlock/internal/storage/sqlite"
	"pkt.systems/editlock/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenBackend builds the raw backend selected by cfg.Store.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	case "redis", "rediss":
		return redisstore.New(redisstore.Config{URL: stripQueryParam(u, "prefix"), KeyPrefix: u.Query().Get("prefix")})
	case "postgres", "postgresql":
		return postgres.Open(ctx, postgres.Config{URL: stripQueryParam(u, "table"), Table: u.Query().Get("table"), MaxConns: cfg.PostgresMaxConns})
	case "sqlite":
		path, err := localPath(u, "sqlite")
		if err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, sqlite.Config{Path: path, Table: u.Query().Get("table")})
	default:
		return nil, fmt.Errorf("store scheme %q not supported (options: mem, disk, s3, aws, azure, redis, postgres, sqlite)", u.Scheme)
	}
}

// wrapBackend layers logging and transient retries around a raw backend.
func wrapBackend(backend storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := svcfields.WithSubsystem(logger, "storage")
	backend = loggingbackend.Wrap(backend, storageLogger, "storage.backend")
	return retry.Wrap(backend, storageLogger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root, err := localPath(u, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	return disk.Config{
		Root:            root,
		TempRetention:   cfg.DiskTempRetention,
		JanitorInterval: cfg.DiskTempRetention / 2,
	}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services (MinIO and friends).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	creds, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from
// the default AWS chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or EDITLOCK_AWS_REGION)")
	}
	insecure, _ := strconv.ParseBool(query.Get("insecure"))
	pathStyle, _ := strconv.ParseBool(query.Get("path-style"))
	return awsstore.Config{
		Endpoint:     query.Get("endpoint"),
		Region:       region,
		Bucket:       bucket,
		Prefix:       strings.Trim(u.Path, "/"),
		Insecure:     insecure,
		UsePathStyle: pathStyle,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("EDITLOCK_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("EDITLOCK_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("EDITLOCK_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("EDITLOCK_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("EDITLOCK_S3_SESSION_TOKEN")
		source = "env:EDITLOCK_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucket(ctx context.Context, backend *s3.Store) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(checkCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

func splitBucket(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	bucket, prefix, _ = strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

// localPath accepts scheme:///abs/path and scheme://rel/path forms.
func localPath(u *url.URL, scheme string) (string, error) {
	p := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		p = "/" + host + "/" + strings.TrimPrefix(p, "/")
	}
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/editlock)", scheme, scheme)
	}
	return filepath.Clean(p), nil
}

func stripQueryParam(u *url.URL, keys ...string) string {
	clone := *u
	q := clone.Query()
	for _, key := range keys {
		q.Del(key)
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
