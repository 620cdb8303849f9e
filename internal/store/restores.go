package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// RestoreFilter narrows ListRestores
type RestoreFilter struct {
	TenantID string
	Status   model.RestoreStatus
	BackupID string
	Limit    int
}

// RestoreRepo persists Restore rows
type RestoreRepo struct {
	db bun.IDB
}

// NewRestoreRepo creates a repository on db or a transaction
func NewRestoreRepo(db bun.IDB) *RestoreRepo {
	return &RestoreRepo{db: db}
}

// Insert stores a new restore
func (r *RestoreRepo) Insert(ctx context.Context, rs *model.Restore) error {
	if _, err := r.db.NewInsert().Model(rs).Exec(ctx); err != nil {
		return classify(err, "failed to insert restore")
	}
	return nil
}

// Get loads a restore of a tenant
func (r *RestoreRepo) Get(ctx context.Context, tenantID, id string) (*model.Restore, error) {
	rs := new(model.Restore)
	err := r.db.NewSelect().Model(rs).
		Where("r.id = ?", id).
		Where("r.tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "restore", id)
	}
	return rs, nil
}

// Update writes the given columns, or every column when none are given
func (r *RestoreRepo) Update(ctx context.Context, rs *model.Restore, columns ...string) error {
	q := r.db.NewUpdate().Model(rs).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to update restore %s", rs.ID))
	}
	return nil
}

// UpdateFrom writes the restore only if its stored status is still from.
// It returns false when the status moved underneath the caller.
func (r *RestoreRepo) UpdateFrom(ctx context.Context, rs *model.Restore, from model.RestoreStatus) (bool, error) {
	res, err := r.db.NewUpdate().Model(rs).
		WherePK().
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, classify(err, fmt.Sprintf("failed to update restore %s", rs.ID))
	}
	return affected(res), nil
}

// List returns restores newest first
func (r *RestoreRepo) List(ctx context.Context, f RestoreFilter) ([]*model.Restore, error) {
	var restores []*model.Restore
	q := r.db.NewSelect().Model(&restores).
		Where("r.tenant_id = ?", f.TenantID).
		OrderExpr("r.created_at DESC, r.restore_number DESC")
	if f.Status != "" {
		q = q.Where("r.status = ?", f.Status)
	}
	if f.BackupID != "" {
		q = q.Where("r.backup_id = ?", f.BackupID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, classify(err, "failed to list restores")
	}
	return restores, nil
}

// NextSequence returns the next per-tenant per-year restore number
func (r *RestoreRepo) NextSequence(ctx context.Context, tenantID string, year int) (int, error) {
	n, err := r.db.NewSelect().Model((*model.Restore)(nil)).
		Where("r.tenant_id = ?", tenantID).
		Where("r.restore_number LIKE ?", fmt.Sprintf("RSTR-%d-%%", year)).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to compute restore number")
	}
	return n + 1, nil
}

// CloseExpiredRollbacks forces can_rollback off for windows that ended at or before now
func (r *RestoreRepo) CloseExpiredRollbacks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.NewUpdate().Model((*model.Restore)(nil)).
		Set("can_rollback = ?", false).
		Set("updated_at = ?", now.UTC()).
		Where("can_rollback = ?", true).
		Where("rollback_expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, classify(err, "failed to close rollback windows")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClaimRollback clears can_rollback only while it is still set, so that
// one caller at a time can roll a restore back. It returns false when the
// flag was already cleared.
func (r *RestoreRepo) ClaimRollback(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.NewUpdate().Model((*model.Restore)(nil)).
		Set("can_rollback = ?", false).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("can_rollback = ?", true).
		Exec(ctx)
	if err != nil {
		return false, classify(err, fmt.Sprintf("failed to claim rollback of restore %s", id))
	}
	return affected(res), nil
}

// ActiveForTenant reports whether another restore of the tenant is applying
// records. Restores that were planned but never started do not count.
func (r *RestoreRepo) ActiveForTenant(ctx context.Context, tenantID, excludeID string) (bool, error) {
	q := r.db.NewSelect().Model((*model.Restore)(nil)).
		Where("r.tenant_id = ?", tenantID).
		Where("r.status = ?", model.RestoreProcessing).
		Where("r.started_at IS NOT NULL")
	if excludeID != "" {
		q = q.Where("r.id != ?", excludeID)
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, classify(err, "failed to check running restores")
	}
	return exists, nil
}

// ListStale returns restores left in processing without a heartbeat since the cutoff
func (r *RestoreRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Restore, error) {
	var restores []*model.Restore
	err := r.db.NewSelect().Model(&restores).
		Where("r.status = ?", model.RestoreProcessing).
		Where("r.updated_at < ?", cutoff.UTC()).
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list stale restores")
	}
	return restores, nil
}
