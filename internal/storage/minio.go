package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"querydesk/internal/domain"
)

var _ domain.BlobStore = (*MinIO)(nil)

type minioAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// MinIO stores blobs in a MinIO (or other S3-compatible) bucket via minio-go.
// The bucket is created on startup when missing.
type MinIO struct {
	client minioAPI
	bucket string
	keys   keyspace
}

// NewMinIO connects to the endpoint and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	bucket, err := requireBucket(BackendMinIO, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m := &MinIO{client: client, bucket: bucket, keys: newKeyspace(cfg.Prefix)}
	if err := m.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MinIO) ensureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", m.bucket, err)
	}
	return nil
}

// Put implements domain.BlobStore.
func (m *MinIO) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := m.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, k, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %q: %w", k, err)
	}
	return nil
}

// Get implements domain.BlobStore.
func (m *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := m.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return data, nil
}

// Delete implements domain.BlobStore.
func (m *MinIO) Delete(ctx context.Context, key string) error {
	k, err := m.keys.resolve(key)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, k, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(mapMinioErr(err), domain.ErrBlobNotFound) {
			return nil
		}
		return fmt.Errorf("delete object %q: %w", k, err)
	}
	return nil
}

func mapMinioErr(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return domain.ErrBlobNotFound
		}
	}
	return err
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("minio: endpoint is required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint host is required")
	}
	return u.Host, u.Scheme == "https", nil
}
