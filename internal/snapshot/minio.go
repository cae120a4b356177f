package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nickcecere/revsearch/internal/config"
)

// MinIOMirror stores snapshots in a MinIO (or other S3-compatible) bucket.
type MinIOMirror struct {
	client *minio.Client
	bucket string
}

// NewMinIOMirror connects and creates the bucket if it does not exist.
func NewMinIOMirror(ctx context.Context, cfg config.MinIOConfig) (*MinIOMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("snapshot.minio.endpoint and snapshot.minio.bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIOMirror{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinIOMirror) Name() string { return "minio" }

func (m *MinIOMirror) Push(ctx context.Context, key, localPath string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (m *MinIOMirror) Pull(ctx context.Context, key, localPath string) error {
	err := m.client.FGetObject(ctx, m.bucket, key, localPath, minio.GetObjectOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NotFound" {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}
