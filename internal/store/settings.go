package store

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// SettingsRepo persists the per-tenant settings row
type SettingsRepo struct {
	db bun.IDB
}

// NewSettingsRepo creates a repository on db or a transaction
func NewSettingsRepo(db bun.IDB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Get loads the settings row of a tenant
func (r *SettingsRepo) Get(ctx context.Context, tenantID string) (*model.Settings, error) {
	s := new(model.Settings)
	err := r.db.NewSelect().Model(s).
		Where("bs.tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "settings", tenantID)
	}
	return s, nil
}

// Create inserts the row unless another caller created it first
func (r *SettingsRepo) Create(ctx context.Context, s *model.Settings) error {
	if _, err := r.db.NewInsert().Model(s).Ignore().Exec(ctx); err != nil {
		return classify(err, "failed to create settings")
	}
	return nil
}

// Update writes the given columns, or every column when none are given
func (r *SettingsRepo) Update(ctx context.Context, s *model.Settings, columns ...string) error {
	q := r.db.NewUpdate().Model(s).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, "failed to update settings")
	}
	return nil
}

// AddUsage adjusts the tenant's storage usage by delta bytes, never below zero
func (r *SettingsRepo) AddUsage(ctx context.Context, tenantID string, delta int64, at time.Time) error {
	_, err := r.db.NewUpdate().Model((*model.Settings)(nil)).
		Set("storage_used_bytes = CASE WHEN storage_used_bytes + ? < 0 THEN 0 ELSE storage_used_bytes + ? END", delta, delta).
		Set("updated_at = ?", at.UTC()).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return classify(err, "failed to update storage usage")
	}
	return nil
}
