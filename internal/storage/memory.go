package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryAdapter keeps blobs in memory. It is used by tests and dry runs.
type MemoryAdapter struct {
	mu    sync.RWMutex
	blobs map[Location][]byte
	meta  map[Location]Metadata
}

// NewMemoryAdapter creates an empty in-memory adapter
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		blobs: make(map[Location][]byte),
		meta:  make(map[Location]Metadata),
	}
}

// Name implements Adapter
func (m *MemoryAdapter) Name() string { return "memory" }

// Put implements Adapter
func (m *MemoryAdapter) Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, WithContext(ctx, r)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", unavailable("failed to buffer blob", err)
	}

	loc := Location(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[loc] = buf.Bytes()
	m.meta[loc] = meta
	return loc, nil
}

// Get implements Adapter
func (m *MemoryAdapter) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[loc]
	if !ok {
		return nil, missing(loc)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements Adapter
func (m *MemoryAdapter) Delete(ctx context.Context, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, loc)
	delete(m.meta, loc)
	return nil
}

// Exists implements Adapter
func (m *MemoryAdapter) Exists(ctx context.Context, loc Location) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[loc]
	return ok, nil
}

// Tamper replaces the stored bytes of a blob
func (m *MemoryAdapter) Tamper(loc Location, fn func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blobs[loc]; ok {
		m.blobs[loc] = fn(append([]byte(nil), data...))
	}
}

// Len returns the number of stored blobs
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Metadata returns the metadata stored with a blob
func (m *MemoryAdapter) Metadata(loc Location) Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[loc]
}
