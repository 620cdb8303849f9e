package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"tenant-backup/internal/config"
)

// AzureAdapter stores blobs in an Azure Blob Storage container
type AzureAdapter struct {
	container azblob.ContainerURL
	name      string
}

// NewAzureAdapter creates an adapter from configuration
func NewAzureAdapter(cfg *config.AzureConfig) (*AzureAdapter, error) {
	if cfg == nil || cfg.AccountName == "" || cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure account and container are required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Azure service URL: %w", err)
	}

	service := azblob.NewServiceURL(*serviceURL, pipeline)
	return &AzureAdapter{
		container: service.NewContainerURL(cfg.ContainerName),
		name:      cfg.ContainerName,
	}, nil
}

// Name implements Adapter
func (a *AzureAdapter) Name() string { return "azure" }

// Put implements Adapter
func (a *AzureAdapter) Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error) {
	blob := a.container.NewBlockBlobURL(key)
	_, err := azblob.UploadStreamToBlockBlob(ctx, r, blob, azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		Metadata:   azblob.Metadata(meta),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", unavailable("failed to upload backup to Azure", err)
	}
	return Location(key), nil
}

// Get implements Adapter
func (a *AzureAdapter) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	blob := a.container.NewBlobURL(loc.String())
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, missing(loc)
		}
		return nil, unavailable(fmt.Sprintf("failed to download %s from Azure", loc), err)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20}), nil
}

// Delete implements Adapter
func (a *AzureAdapter) Delete(ctx context.Context, loc Location) error {
	blob := a.container.NewBlobURL(loc.String())
	_, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return unavailable("failed to delete backup from Azure", err)
	}
	return nil
}

// Exists implements Adapter
func (a *AzureAdapter) Exists(ctx context.Context, loc Location) (bool, error) {
	blob := a.container.NewBlobURL(loc.String())
	_, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, unavailable("failed to stat backup in Azure", err)
	}
	return true, nil
}

func isAzureNotFound(err error) bool {
	var stgErr azblob.StorageError
	if errors.As(err, &stgErr) {
		return stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
