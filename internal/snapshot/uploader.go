// Package snapshot uploads copies of the offline database to S3-compatible
// storage. When no bucket is configured the NoopUploader is used and backups
// stay on local disk.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shopsmart/shopsync/internal/config"
)

// ErrNotConfigured is returned by NoopUploader.Location.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads database snapshots.
type Uploader interface {
	// Upload stores the file at filePath under name and returns the object key.
	Upload(ctx context.Context, name, filePath string) (string, error)
	// Location describes where uploads go, for logs and CLI output.
	Location() (string, error)
}

// s3Client is the part of *minio.Client the uploader uses.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client   s3Client
	endpoint string
	bucket   string
	prefix   string
}

// Upload uploads the snapshot file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, name, filePath string) (string, error) {
	key := u.objectKey(name)
	_, err := u.client.FPutObject(ctx, u.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return key, nil
}

// Location returns the bucket URL uploads are written to.
func (u *S3Uploader) Location() (string, error) {
	return fmt.Sprintf("s3://%s/%s/%s", u.endpoint, u.bucket, u.prefix), nil
}

// objectKey returns the object key for a snapshot.
// Convention: {prefix}/snapshots/{name}
func (u *S3Uploader) objectKey(name string) string {
	return path.Join(u.prefix, "snapshots", name)
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (u *NoopUploader) Upload(ctx context.Context, name, filePath string) (string, error) {
	return "", nil
}

// Location returns ErrNotConfigured.
func (u *NoopUploader) Location() (string, error) {
	return "", ErrNotConfigured
}

// NewUploader returns NoopUploader when the bucket is empty, S3Uploader
// otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
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

	return &S3Uploader{
		client:   client,
		endpoint: cfg.Endpoint,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}
