package objectstore

import (
	"context"
	"io"

	azstorage "github.com/Azure/azure-sdk-for-go/storage"
)

// AzureBackend stores objects as block blobs in a single Azure Storage
// container, grounded on the teacher's Azure driver shape
// (storagedriver/azure/azure.go: account/container-scoped client,
// Create*BlobFromReader for writes, Get for reads) but built against
// the go.mod-pinned SDK's blob-service client instead of the
// unavailable MSOpenTech fork the teacher historically used.
type AzureBackend struct {
	container *azstorage.Container
}

// NewAzureBackend authenticates against accountName/accountKey and
// returns a Backend scoped to containerName.
func NewAzureBackend(accountName, accountKey, containerName string) (*AzureBackend, error) {
	client, err := azstorage.NewBasicClient(accountName, accountKey)
	if err != nil {
		return nil, err
	}
	blobService := client.GetBlobService()
	return &AzureBackend{container: blobService.GetContainerReference(containerName)}, nil
}

func (b *AzureBackend) Exists(_ context.Context, key string) (bool, error) {
	return b.container.GetBlobReference(key).Exists()
}

func (b *AzureBackend) Put(_ context.Context, key string, content io.Reader) error {
	return b.container.GetBlobReference(key).CreateBlockBlobFromReader(content, nil)
}

func (b *AzureBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	blob := b.container.GetBlobReference(key)
	exists, err := blob.Exists()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &ErrNotFound{Key: key}
	}
	return blob.Get(nil)
}

func (b *AzureBackend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}
