package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"querydesk/internal/domain"
)

var _ domain.BlobStore = (*GCS)(nil)

// GCS stores blobs in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	keys   keyspace
}

// NewGCS creates a GCS store. With an empty GCSKeyFile, application
// default credentials are used.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	bucket, err := requireBucket(BackendGCS, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if cfg.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, keys: newKeyspace(cfg.Prefix)}, nil
}

// Put implements domain.BlobStore.
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := g.keys.resolve(key)
	if err != nil {
		return err
	}
	w := g.client.Bucket(g.bucket).Object(k).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %q: %w", k, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", k, err)
	}
	return nil
}

// Get implements domain.BlobStore.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := g.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(k).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("read object %q: %w", k, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Delete implements domain.BlobStore.
func (g *GCS) Delete(ctx context.Context, key string) error {
	k, err := g.keys.resolve(key)
	if err != nil {
		return err
	}
	err = g.client.Bucket(g.bucket).Object(k).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete object %q: %w", k, err)
	}
	return nil
}
