package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewMinIOStore creates a new MinIO object store
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if config.MaxUploads <= 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.L()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     logger.Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	// Ensure bucket exists (or create)
	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// put uploads an object, retrying seekable readers with exponential backoff.
func (s *MinIOStore) put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := &putOptions{ContentType: "application/octet-stream"}
	for _, opt := range opts {
		opt.applyPut(options)
	}

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	attempt := 0
	op := func() error {
		attempt++
		if rs, ok := reader.(io.ReadSeeker); ok {
			if attempt > 1 {
				if _, err := rs.Seek(0, io.SeekStart); err != nil {
					return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
				}
			}
		} else if attempt > 1 {
			return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			s.uploadErrors.Add(1)
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	opts = append([]PutOption{WithContentType(detectContentType(filePath))}, opts...)
	return s.put(ctx, key, file, stat.Size(), opts...)
}

// Exists checks if an object exists
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return true, nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// GetMetrics returns upload counters
func (s *MinIOStore) GetMetrics() map[string]any {
	return map[string]any{
		"total_uploads": s.uploads.Load(),
		"upload_bytes":  s.uploadBytes.Load(),
		"upload_errors": s.uploadErrors.Load(),
	}
}

// detectContentType attempts to detect content type from file extension
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
