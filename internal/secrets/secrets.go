// Package secrets holds backup key material and seals backup streams with it.
// Only fingerprints of the material ever reach the metadata database.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	appErrors "tenant-backup/internal/errors"
)

// KeySize is the AES-256 key length
const KeySize = 32

// Store keeps key material by key id
type Store interface {
	GenerateKey() ([]byte, error)
	Save(ctx context.Context, keyID string, material []byte) error
	Load(ctx context.Context, keyID string) ([]byte, error)
	Destroy(ctx context.Context, keyID string) error
}

// GenerateKey returns fresh random key material
func GenerateKey() ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to generate key material", err)
	}
	return material, nil
}

// Fingerprint is the SHA-256 hex digest stored as the key hash
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps material in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

// GenerateKey implements Store
func (m *MemoryStore) GenerateKey() ([]byte, error) { return GenerateKey() }

// Save implements Store
func (m *MemoryStore) Save(ctx context.Context, keyID string, material []byte) error {
	if len(material) != KeySize {
		return fmt.Errorf("key material must be %d bytes", KeySize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyID] = append([]byte(nil), material...)
	return nil
}

// Load implements Store
func (m *MemoryStore) Load(ctx context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	material, ok := m.keys[keyID]
	if !ok {
		return nil, appErrors.NewNotFoundError("key material", keyID)
	}
	return append([]byte(nil), material...), nil
}

// Destroy implements Store
func (m *MemoryStore) Destroy(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if material, ok := m.keys[keyID]; ok {
		for i := range material {
			material[i] = 0
		}
		delete(m.keys, keyID)
	}
	return nil
}
