package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"querydesk/internal/domain"
)

var _ domain.BlobStore = (*Azure)(nil)

// Azure stores blobs in an Azure Blob Storage container. The configured
// bucket is the container name.
type Azure struct {
	client    *azblob.Client
	container string
	keys      keyspace
}

// NewAzure creates an Azure store authenticated with an account key.
func NewAzure(cfg Config) (*Azure, error) {
	container, err := requireBucket(BackendAzure, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" {
		return nil, fmt.Errorf("azure: AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &Azure{client: client, container: container, keys: newKeyspace(cfg.Prefix)}, nil
}

// Put implements domain.BlobStore.
func (a *Azure) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := a.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = a.client.UploadBuffer(ctx, a.container, k, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("upload blob %q: %w", k, err)
	}
	return nil
}

// Get implements domain.BlobStore.
func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := a.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, k, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("download blob %q: %w", k, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Delete implements domain.BlobStore.
func (a *Azure) Delete(ctx context.Context, key string) error {
	k, err := a.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteBlob(ctx, a.container, k, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete blob %q: %w", k, err)
	}
	return nil
}
