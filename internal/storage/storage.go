// Package storage implements domain.BlobStore on memory and object storage
// backends (S3, GCS, Azure Blob, MinIO).
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"querydesk/internal/domain"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
	BackendMinIO  = "minio"
)

// Config holds the connection settings for the object storage backends.
// Fields that do not apply to the selected backend are ignored.
type Config struct {
	Bucket           string
	Prefix           string
	Endpoint         string
	Region           string
	KeyID            string
	Secret           string
	UseSSL           bool
	GCSKeyFile       string
	AzureAccountName string
	AzureAccountKey  string
}

// New opens the blob store named by backend.
func New(ctx context.Context, backend string, cfg Config) (domain.BlobStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendS3:
		return NewS3(cfg)
	case BackendGCS:
		return NewGCS(ctx, cfg)
	case BackendAzure:
		return NewAzure(cfg)
	case BackendMinIO:
		return NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob store %q", backend)
	}
}

// keyspace maps caller keys onto an optional object prefix and rejects
// keys that would escape it.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimSpace(strings.TrimPrefix(prefix, "/"))
	if prefix != "" {
		prefix = path.Clean(prefix)
	}
	if prefix == "." {
		prefix = ""
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) resolve(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	if k.prefix == "" {
		return cleaned, nil
	}
	return path.Join(k.prefix, cleaned), nil
}

func requireBucket(backend, bucket string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", fmt.Errorf("%s: bucket is required", backend)
	}
	return bucket, nil
}
