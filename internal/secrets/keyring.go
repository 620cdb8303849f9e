package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"

	appErrors "tenant-backup/internal/errors"
)

const (
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4

	keyringVersion = 1
	verifierText   = "tenant-backup keyring"
)

// keyringFile is the on-disk document. Every entry is nonce followed by the
// AES-GCM sealed material, sealed with the argon2id master key.
type keyringFile struct {
	Version  int               `json:"version"`
	Salt     string            `json:"salt"`
	Verifier string            `json:"verifier"`
	Keys     map[string]string `json:"keys"`
}

// FileKeyring keeps sealed key material in a single JSON file
type FileKeyring struct {
	mu   sync.Mutex
	path string
	gcm  cipher.AEAD
	doc  keyringFile
}

// OpenFileKeyring opens or creates the keyring at path. A wrong passphrase
// for an existing keyring is rejected.
func OpenFileKeyring(path, passphrase string) (*FileKeyring, error) {
	if passphrase == "" {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "keyring passphrase is required")
	}

	k := &FileKeyring{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if k.gcm, err = masterAEAD(passphrase, salt); err != nil {
			return nil, err
		}
		verifier, err := k.seal([]byte(verifierText))
		if err != nil {
			return nil, err
		}
		k.doc = keyringFile{
			Version:  keyringVersion,
			Salt:     base64.StdEncoding.EncodeToString(salt),
			Verifier: verifier,
			Keys:     make(map[string]string),
		}
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	case err != nil:
		return nil, appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to read keyring", err)
	}

	if err := json.Unmarshal(data, &k.doc); err != nil {
		return nil, fmt.Errorf("parse keyring %s: %w", path, err)
	}
	salt, err := base64.StdEncoding.DecodeString(k.doc.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode keyring salt: %w", err)
	}
	if k.gcm, err = masterAEAD(passphrase, salt); err != nil {
		return nil, err
	}
	if plain, err := k.open(k.doc.Verifier); err != nil || string(plain) != verifierText {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "wrong keyring passphrase")
	}
	if k.doc.Keys == nil {
		k.doc.Keys = make(map[string]string)
	}
	return k, nil
}

func masterAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, KeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateKey implements Store
func (k *FileKeyring) GenerateKey() ([]byte, error) { return GenerateKey() }

// Save implements Store
func (k *FileKeyring) Save(ctx context.Context, keyID string, material []byte) error {
	if len(material) != KeySize {
		return fmt.Errorf("key material must be %d bytes", KeySize)
	}
	sealed, err := k.seal(material)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.doc.Keys[keyID] = sealed
	if err := k.persist(); err != nil {
		delete(k.doc.Keys, keyID)
		return err
	}
	return nil
}

// Load implements Store
func (k *FileKeyring) Load(ctx context.Context, keyID string) ([]byte, error) {
	k.mu.Lock()
	sealed, ok := k.doc.Keys[keyID]
	k.mu.Unlock()
	if !ok {
		return nil, appErrors.NewNotFoundError("key material", keyID)
	}
	material, err := k.open(sealed)
	if err != nil {
		return nil, appErrors.NewIntegrityError(appErrors.ReasonCorruptPackage, "failed to unseal key material", err)
	}
	return material, nil
}

// Destroy implements Store
func (k *FileKeyring) Destroy(ctx context.Context, keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	sealed, ok := k.doc.Keys[keyID]
	if !ok {
		return nil
	}
	delete(k.doc.Keys, keyID)
	if err := k.persist(); err != nil {
		k.doc.Keys[keyID] = sealed
		return err
	}
	return nil
}

func (k *FileKeyring) seal(plain []byte) (string, error) {
	nonce := make([]byte, k.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k.gcm.Seal(nonce, nonce, plain, nil)), nil
}

func (k *FileKeyring) open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(data) < k.gcm.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, sealed := data[:k.gcm.NonceSize()], data[k.gcm.NonceSize():]
	return k.gcm.Open(nil, nonce, sealed, nil)
}

// persist writes the document atomically with owner-only permissions
func (k *FileKeyring) persist() error {
	data, err := json.MarshalIndent(k.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring: %w", err)
	}
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to create keyring directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".keyring-*")
	if err != nil {
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to write keyring", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to write keyring", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to write keyring", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to protect keyring", err)
	}
	if err := os.Rename(tmpName, k.path); err != nil {
		_ = os.Remove(tmpName)
		return appErrors.NewTransientError(appErrors.ReasonSecretsUnavailable, "failed to replace keyring", err)
	}
	return nil
}

// Open builds the configured store
func Open(kind, path, passphrase string) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return OpenFileKeyring(path, passphrase)
	}
	return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, fmt.Sprintf("unsupported keyring %q", kind))
}
