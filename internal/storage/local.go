package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalAdapter stores blobs under a base directory
type LocalAdapter struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalAdapter creates the adapter and its base directory
func NewLocalAdapter(basePath string) (*LocalAdapter, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local storage base path is required")
	}
	a := &LocalAdapter{basePath: basePath, permissions: 0750}
	if err := os.MkdirAll(basePath, a.permissions); err != nil {
		return nil, unavailable("failed to create base directory", err)
	}
	return a, nil
}

// Name implements Adapter
func (a *LocalAdapter) Name() string { return "local" }

// Put writes the blob through a temp file and renames it into place, so a
// reader never observes a partially written package.
func (a *LocalAdapter) Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error) {
	target, err := a.resolve(Location(key))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), a.permissions); err != nil {
		return "", unavailable("failed to create backup directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", unavailable("failed to create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, WithContext(ctx, r)); err != nil {
		cleanup()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", unavailable("failed to write backup file", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", unavailable("failed to sync backup file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", unavailable("failed to close backup file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", unavailable("failed to move backup file into place", err)
	}

	if len(meta) > 0 {
		if err := a.saveMetadata(target+".meta.json", meta); err != nil {
			return "", err
		}
	}
	return Location(key), nil
}

// Get opens the blob for reading
func (a *LocalAdapter) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	target, err := a.resolve(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, missing(loc)
		}
		return nil, unavailable("failed to open backup file", err)
	}
	return f, nil
}

// Delete removes the blob and its metadata sidecar
func (a *LocalAdapter) Delete(ctx context.Context, loc Location) error {
	target, err := a.resolve(loc)
	if err != nil {
		return err
	}
	for _, p := range []string{target, target + ".meta.json"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return unavailable("failed to delete backup file", err)
		}
	}
	return nil
}

// Exists reports whether the blob is present
func (a *LocalAdapter) Exists(ctx context.Context, loc Location) (bool, error) {
	target, err := a.resolve(loc)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, unavailable("failed to stat backup file", err)
	}
	return true, nil
}

// resolve maps a location to a path that cannot escape the base directory
func (a *LocalAdapter) resolve(loc Location) (string, error) {
	rel := filepath.FromSlash(loc.String())
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid storage location %q", loc)
	}
	return filepath.Join(a.basePath, rel), nil
}

func (a *LocalAdapter) saveMetadata(p string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal blob metadata: %w", err)
	}
	if err := os.WriteFile(p, data, 0640); err != nil {
		return unavailable("failed to write blob metadata", err)
	}
	return nil
}
