package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSAdapter stores blobs in a Google Cloud Storage bucket
type GCSAdapter struct {
	client *gcs.Client
	bucket string
}

// NewGCSAdapter creates an adapter. Without a credentials file the default
// application credentials are used.
func NewGCSAdapter(ctx context.Context, bucket, credentialsPath string) (*GCSAdapter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("GCS bucket is required")
	}

	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, unavailable("failed to create GCS client", err)
	}
	return &GCSAdapter{client: client, bucket: bucket}, nil
}

// Name implements Adapter
func (a *GCSAdapter) Name() string { return "gcs" }

// Put implements Adapter. The object only becomes visible when the writer
// closes, so an aborted upload leaves nothing behind.
func (a *GCSAdapter) Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error) {
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(key).NewWriter(uploadCtx)
	w.ContentType = "application/octet-stream"
	w.Metadata = meta

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return "", unavailable("failed to write backup to GCS", err)
	}
	if err := w.Close(); err != nil {
		return "", unavailable("failed to upload backup to GCS", err)
	}
	return Location(key), nil
}

// Get implements Adapter
func (a *GCSAdapter) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	reader, err := a.client.Bucket(a.bucket).Object(loc.String()).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, missing(loc)
		}
		return nil, unavailable(fmt.Sprintf("failed to download %s from GCS", loc), err)
	}
	return reader, nil
}

// Delete implements Adapter
func (a *GCSAdapter) Delete(ctx context.Context, loc Location) error {
	err := a.client.Bucket(a.bucket).Object(loc.String()).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return unavailable("failed to delete backup from GCS", err)
	}
	return nil
}

// Exists implements Adapter
func (a *GCSAdapter) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := a.client.Bucket(a.bucket).Object(loc.String()).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, unavailable("failed to stat backup in GCS", err)
	}
	return true, nil
}

// Close releases the client
func (a *GCSAdapter) Close() error {
	return a.client.Close()
}
