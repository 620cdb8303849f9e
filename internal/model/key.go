package model

import (
	"time"

	"github.com/uptrace/bun"
)

// KeyAlgorithm is the only cipher used for backup blobs
const KeyAlgorithm = "AES-256-GCM"

// EncryptionKey is tenant-scoped key metadata. Material lives in the secret store.
type EncryptionKey struct {
	bun.BaseModel `bun:"table:backup_encryption_keys,alias:k"`

	ID          string `bun:"id,pk" json:"id"`
	TenantID    string `bun:"tenant_id,notnull" json:"tenant_id"`
	Name        string `bun:"key_name,notnull" json:"name"`
	KeyHash     string `bun:"key_hash,notnull" json:"key_hash"`
	Algorithm   string `bun:"algorithm,notnull" json:"algorithm"`
	IsActive    bool   `bun:"is_active" json:"is_active"`
	IsDefault   bool   `bun:"is_default" json:"is_default"`
	UsageCount  int64  `bun:"usage_count" json:"usage_count"`
	RotatedBy   string `bun:"rotated_by,nullzero" json:"rotated_by,omitempty"`
	SuccessorID string `bun:"successor_id,nullzero" json:"successor_id,omitempty"`
	CreatedBy   string `bun:"created_by,nullzero" json:"created_by,omitempty"`

	LastUsedAt time.Time `bun:"last_used_at,nullzero" json:"last_used_at,omitempty"`
	RotatedAt  time.Time `bun:"rotated_at,nullzero" json:"rotated_at,omitempty"`
	RetiredAt  time.Time `bun:"retired_at,nullzero" json:"retired_at,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Retired reports whether the key was retired
func (k *EncryptionKey) Retired() bool {
	return !k.RetiredAt.IsZero()
}
