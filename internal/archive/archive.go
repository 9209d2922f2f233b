// Package archive stores resolved bridge-job outcomes for later diagnosis.
// Archival is best-effort: a failed put is logged by the caller and dropped.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Nop discards everything. Used when no archive backend is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, []byte) error { return nil }

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchiver writes objects to an S3-compatible store, ensuring the bucket
// exists on first use.
type MinioArchiver struct {
	client *minio.Client
	bucket string

	mu      sync.Mutex
	ensured bool
}

func NewMinioArchiver(opts MinioOptions) (*MinioArchiver, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "veasyo-bridge-jobs"
	}
	return &MinioArchiver{client: client, bucket: bucket}, nil
}

func (a *MinioArchiver) Put(ctx context.Context, key string, data []byte) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", a.bucket, err)
	}
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ensured {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	a.ensured = true
	return nil
}
