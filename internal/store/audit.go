package store

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// AuditFilter narrows the audit listing
type AuditFilter struct {
	TenantID   string
	Action     string
	EntityType string
	EntityID   string
	Since      time.Time
	Limit      int
}

// AuditRepo appends and reads audit entries. It has no update or delete.
type AuditRepo struct {
	db bun.IDB
}

// NewAuditRepo creates a repository on db or a transaction
func NewAuditRepo(db bun.IDB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert appends an entry
func (r *AuditRepo) Insert(ctx context.Context, e *model.AuditEntry) error {
	if _, err := r.db.NewInsert().Model(e).Exec(ctx); err != nil {
		return classify(err, "failed to write audit entry")
	}
	return nil
}

// List returns entries newest first
func (r *AuditRepo) List(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	q := r.db.NewSelect().Model(&entries).
		Where("al.tenant_id = ?", f.TenantID).
		OrderExpr("al.performed_at DESC, al.id DESC")
	if f.Action != "" {
		q = q.Where("al.action = ?", f.Action)
	}
	if f.EntityType != "" {
		q = q.Where("al.entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("al.entity_id = ?", f.EntityID)
	}
	if !f.Since.IsZero() {
		q = q.Where("al.performed_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, classify(err, "failed to list audit entries")
	}
	return entries, nil
}
