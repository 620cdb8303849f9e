package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// BackupFilter narrows ListBackups
type BackupFilter struct {
	TenantID   string
	Status     model.BackupStatus
	Trigger    model.TriggerType
	Type       model.BackupType
	ScheduleID string
	Limit      int
	Offset     int
}

// BackupRepo persists Backup rows
type BackupRepo struct {
	db bun.IDB
}

// NewBackupRepo creates a repository on db or a transaction
func NewBackupRepo(db bun.IDB) *BackupRepo {
	return &BackupRepo{db: db}
}

// Insert stores a new backup
func (r *BackupRepo) Insert(ctx context.Context, b *model.Backup) error {
	if _, err := r.db.NewInsert().Model(b).Exec(ctx); err != nil {
		return classify(err, "failed to insert backup")
	}
	return nil
}

// Get loads a backup of a tenant. Backups of other tenants read as not found.
func (r *BackupRepo) Get(ctx context.Context, tenantID, id string) (*model.Backup, error) {
	b := new(model.Backup)
	err := r.db.NewSelect().Model(b).
		Where("b.id = ?", id).
		Where("b.tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "backup", id)
	}
	return b, nil
}

// Update writes the given columns of a backup, or all columns when none are given
func (r *BackupRepo) Update(ctx context.Context, b *model.Backup, columns ...string) error {
	q := r.db.NewUpdate().Model(b).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to update backup %s", b.ID))
	}
	return nil
}

// List returns backups newest first
func (r *BackupRepo) List(ctx context.Context, f BackupFilter) ([]*model.Backup, error) {
	var backups []*model.Backup
	q := r.db.NewSelect().Model(&backups).
		Where("b.tenant_id = ?", f.TenantID).
		OrderExpr("b.created_at DESC, b.backup_number DESC")
	if f.Status != "" {
		q = q.Where("b.status = ?", f.Status)
	}
	if f.Trigger != "" {
		q = q.Where("b.trigger_type = ?", f.Trigger)
	}
	if f.Type != "" {
		q = q.Where("b.backup_type = ?", f.Type)
	}
	if f.ScheduleID != "" {
		q = q.Where("b.schedule_id = ?", f.ScheduleID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, classify(err, "failed to list backups")
	}
	return backups, nil
}

// CountProcessing counts the tenant's processing backups with one of the triggers
func (r *BackupRepo) CountProcessing(ctx context.Context, tenantID string, triggers []model.TriggerType) (int, error) {
	n, err := r.db.NewSelect().Model((*model.Backup)(nil)).
		Where("b.tenant_id = ?", tenantID).
		Where("b.status IN (?)", bun.In([]model.BackupStatus{model.BackupPending, model.BackupProcessing})).
		Where("b.trigger_type IN (?)", bun.In(triggers)).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to count running backups")
	}
	return n, nil
}

// CountCreatedSince counts operator and scheduled backups created since t,
// used for the plan's monthly limit.
func (r *BackupRepo) CountCreatedSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	n, err := r.db.NewSelect().Model((*model.Backup)(nil)).
		WhereAllWithDeleted().
		Where("b.tenant_id = ?", tenantID).
		Where("b.trigger_type != ?", model.TriggerPreRestore).
		Where("b.created_at >= ?", since.UTC()).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to count backups")
	}
	return n, nil
}

// NextSequence returns the next per-tenant per-year sequence number.
// Soft-deleted rows still hold their numbers.
func (r *BackupRepo) NextSequence(ctx context.Context, tenantID string, year int) (int, error) {
	n, err := r.db.NewSelect().Model((*model.Backup)(nil)).
		WhereAllWithDeleted().
		Where("b.tenant_id = ?", tenantID).
		Where("b.backup_number LIKE ?", fmt.Sprintf("BKUP-%d-%%", year)).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to compute backup number")
	}
	return n + 1, nil
}

// ListExpired returns completed backups whose retention ended at or before now
func (r *BackupRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.Backup, error) {
	var backups []*model.Backup
	err := r.db.NewSelect().Model(&backups).
		Where("b.status = ?", model.BackupCompleted).
		Where("b.expires_at IS NOT NULL").
		Where("b.expires_at <= ?", now.UTC()).
		Order("b.expires_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list expired backups")
	}
	return backups, nil
}

// ListExpiring returns completed backups expiring in (now, until] that were not warned yet
func (r *BackupRepo) ListExpiring(ctx context.Context, now, until time.Time) ([]*model.Backup, error) {
	var backups []*model.Backup
	err := r.db.NewSelect().Model(&backups).
		Where("b.status = ?", model.BackupCompleted).
		Where("b.expiry_warned_at IS NULL").
		Where("b.expires_at > ?", now.UTC()).
		Where("b.expires_at <= ?", until.UTC()).
		Order("b.expires_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list expiring backups")
	}
	return backups, nil
}

// ListStale returns backups stuck in processing since before the cutoff
func (r *BackupRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Backup, error) {
	var backups []*model.Backup
	err := r.db.NewSelect().Model(&backups).
		Where("b.status = ?", model.BackupProcessing).
		Where("b.started_at < ?", cutoff.UTC()).
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list stale backups")
	}
	return backups, nil
}

// ListCompletedForSchedule returns a schedule's completed backups, newest first
func (r *BackupRepo) ListCompletedForSchedule(ctx context.Context, scheduleID string) ([]*model.Backup, error) {
	var backups []*model.Backup
	err := r.db.NewSelect().Model(&backups).
		Where("b.schedule_id = ?", scheduleID).
		Where("b.status = ?", model.BackupCompleted).
		OrderExpr("b.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list schedule backups")
	}
	return backups, nil
}

// CountReferencingKey counts live, non-expired backups encrypted with the key
func (r *BackupRepo) CountReferencingKey(ctx context.Context, keyID string) (int, error) {
	n, err := r.db.NewSelect().Model((*model.Backup)(nil)).
		Where("b.encryption_key_id = ?", keyID).
		Where("b.status != ?", model.BackupExpired).
		Where("b.status != ?", model.BackupFailed).
		Count(ctx)
	if err != nil {
		return 0, classify(err, "failed to count key references")
	}
	return n, nil
}

// SoftDelete marks the backup deleted without removing the row
func (r *BackupRepo) SoftDelete(ctx context.Context, b *model.Backup) error {
	if _, err := r.db.NewDelete().Model(b).WherePK().Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to delete backup %s", b.ID))
	}
	return nil
}

// RecordDownload bumps the download counter
func (r *BackupRepo) RecordDownload(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.NewUpdate().Model((*model.Backup)(nil)).
		Set("download_count = download_count + 1").
		Set("downloaded_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return classify(err, "failed to record download")
	}
	return nil
}
