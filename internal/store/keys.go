package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// KeyRepo persists encryption key metadata. Rows are never deleted.
type KeyRepo struct {
	db bun.IDB
}

// NewKeyRepo creates a repository on db or a transaction
func NewKeyRepo(db bun.IDB) *KeyRepo {
	return &KeyRepo{db: db}
}

// Insert stores new key metadata
func (r *KeyRepo) Insert(ctx context.Context, k *model.EncryptionKey) error {
	if _, err := r.db.NewInsert().Model(k).Exec(ctx); err != nil {
		return classify(err, "failed to insert encryption key")
	}
	return nil
}

// Get loads a key of a tenant
func (r *KeyRepo) Get(ctx context.Context, tenantID, id string) (*model.EncryptionKey, error) {
	k := new(model.EncryptionKey)
	err := r.db.NewSelect().Model(k).
		Where("k.id = ?", id).
		Where("k.tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "encryption key", id)
	}
	return k, nil
}

// GetDefault loads the tenant's default key
func (r *KeyRepo) GetDefault(ctx context.Context, tenantID string) (*model.EncryptionKey, error) {
	k := new(model.EncryptionKey)
	err := r.db.NewSelect().Model(k).
		Where("k.tenant_id = ?", tenantID).
		Where("k.is_default = ?", true).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "default encryption key", tenantID)
	}
	return k, nil
}

// List returns the tenant's keys, oldest first
func (r *KeyRepo) List(ctx context.Context, tenantID string) ([]*model.EncryptionKey, error) {
	var keys []*model.EncryptionKey
	err := r.db.NewSelect().Model(&keys).
		Where("k.tenant_id = ?", tenantID).
		Order("k.created_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list encryption keys")
	}
	return keys, nil
}

// Count returns how many keys the tenant has ever had
func (r *KeyRepo) Count(ctx context.Context, tenantID string) (int, error) {
	n, err := r.db.NewSelect().Model((*model.EncryptionKey)(nil)).
		Where("k.tenant_id = ?", tenantID).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to count encryption keys")
	}
	return n, nil
}

// Update writes the given columns
func (r *KeyRepo) Update(ctx context.Context, k *model.EncryptionKey, columns ...string) error {
	q := r.db.NewUpdate().Model(k).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to update encryption key %s", k.ID))
	}
	return nil
}

// Deactivate flips an active key to inactive. It returns false when the key
// was no longer active, which means another rotation got there first.
func (r *KeyRepo) Deactivate(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	res, err := r.db.NewUpdate().Model((*model.EncryptionKey)(nil)).
		Set("is_active = ?", false).
		Set("rotated_at = ?", at.UTC()).
		Set("rotated_by = ?", actor).
		Where("id = ?", id).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, classify(err, "failed to deactivate encryption key")
	}
	return affected(res), nil
}

// ClearDefault removes the default flag from id if it still holds it
func (r *KeyRepo) ClearDefault(ctx context.Context, id string) (bool, error) {
	res, err := r.db.NewUpdate().Model((*model.EncryptionKey)(nil)).
		Set("is_default = ?", false).
		Where("id = ?", id).
		Where("is_default = ?", true).
		Exec(ctx)
	if err != nil {
		return false, classify(err, "failed to clear default key")
	}
	return affected(res), nil
}

// SetDefault makes id the default key when the tenant has none
func (r *KeyRepo) SetDefault(ctx context.Context, tenantID, id string) (bool, error) {
	taken, err := r.db.NewSelect().Model((*model.EncryptionKey)(nil)).
		Where("k.tenant_id = ?", tenantID).
		Where("k.is_default = ?", true).
		Exists(ctx)
	if err != nil {
		return false, classify(err, "failed to check default key")
	}
	if taken {
		return false, nil
	}
	res, err := r.db.NewUpdate().Model((*model.EncryptionKey)(nil)).
		Set("is_default = ?", true).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return false, classify(err, "failed to set default key")
	}
	return affected(res), nil
}

// MarkUsed bumps the usage counter of an active key
func (r *KeyRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.NewUpdate().Model((*model.EncryptionKey)(nil)).
		Set("usage_count = usage_count + 1").
		Set("last_used_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return classify(err, "failed to record key usage")
	}
	return nil
}
