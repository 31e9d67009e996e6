// Package archive exports dead-letter outbox entries to S3-compatible
// storage and generates pre-signed download URLs. When S3 is not
// configured (empty bucket), the NoopUploader is used and all S3
// operations are skipped.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader stores export blobs and generates pre-signed download URLs.
type Uploader interface {
	// Put uploads an export object under the given name.
	Put(ctx context.Context, objectName string, data []byte) error

	// PresignedURL returns a pre-signed GET URL for the object.
	// Returns ErrNotConfigured when storage is not configured.
	PresignedURL(ctx context.Context, objectName string) (url string, expiry time.Time, err error)
}

// Config holds the S3-compatible storage settings for exports.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    *bool
	URLExpiry time.Duration
}

// s3Client defines the minimal minio.Client operations used by
// S3Uploader. This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, data []byte) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface, pinning the option types the wrapper always uses.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), opts)
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader stores exports in S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Put uploads the export blob under objectName.
func (u *S3Uploader) Put(ctx context.Context, objectName string, data []byte) error {
	if err := u.client.PutObject(ctx, u.bucket, objectName, data); err != nil {
		return fmt.Errorf("upload export to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the export object.
func (u *S3Uploader) PresignedURL(ctx context.Context, objectName string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	expiry := time.Now().Add(u.urlExpiry)
	return presigned.String(), expiry, nil
}

// NoopUploader is used when archive storage is not configured.
type NoopUploader struct{}

// Put is a no-op when storage is not configured.
func (u *NoopUploader) Put(ctx context.Context, objectName string, data []byte) error {
	return nil
}

// PresignedURL returns ErrNotConfigured when storage is not configured.
func (u *NoopUploader) PresignedURL(ctx context.Context, objectName string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg Config) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: expiry,
	}, nil
}

// ObjectKey returns the storage key for a dead-letter export taken at t.
// Convention: outbox/failed/{RFC3339 timestamp}.json
func ObjectKey(t time.Time) string {
	return "outbox/failed/" + t.UTC().Format(time.RFC3339) + ".json"
}
