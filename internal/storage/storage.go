// Package storage moves opaque backup blobs to and from a storage backend.
// Every adapter streams: Put consumes the reader as it uploads and Get
// returns a reader over the remote object.
package storage

import (
	"context"
	"io"
	"path"
	"strings"

	appErrors "tenant-backup/internal/errors"
)

// Blob file extension for backup packages
const Extension = ".tbk"

// Location identifies a stored blob within its adapter
type Location string

// String returns the location as stored on the backup row
func (l Location) String() string { return string(l) }

// Metadata is attached to a stored blob where the backend supports it
type Metadata map[string]string

// Adapter is the storage boundary used by the backup and restore engines
type Adapter interface {
	// Name returns the provider kind recorded as the backup's storage disk
	Name() string
	Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error)
	Get(ctx context.Context, loc Location) (io.ReadCloser, error)
	// Delete removes the blob; deleting a missing blob is not an error
	Delete(ctx context.Context, loc Location) error
	Exists(ctx context.Context, loc Location) (bool, error)
}

// Key builds the object key of a backup package
func Key(prefix, tenantID, backupNumber string) string {
	return path.Join(sanitize(prefix), sanitize(tenantID), sanitize(backupNumber)+Extension)
}

// sanitize strips characters that are unsafe in object keys and file names
func sanitize(s string) string {
	r := strings.NewReplacer(" ", "_", "\\", "_", "..", "_", ":", "_")
	return strings.Trim(r.Replace(s), "/")
}

func unavailable(message string, err error) error {
	return appErrors.NewTransientError(appErrors.ReasonStorageUnavailable, message, err)
}

func missing(loc Location) error {
	return appErrors.NewNotFoundError("blob", loc.String())
}

// contextReader stops a copy once its context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// WithContext wraps r so that reads fail once ctx is done
func WithContext(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}
