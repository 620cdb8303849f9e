package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
)

// ScheduleRepo persists schedules and the dispatch ledger
type ScheduleRepo struct {
	db bun.IDB
}

// NewScheduleRepo creates a repository on db or a transaction
func NewScheduleRepo(db bun.IDB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

// Insert stores a new schedule
func (r *ScheduleRepo) Insert(ctx context.Context, s *model.Schedule) error {
	if _, err := r.db.NewInsert().Model(s).Exec(ctx); err != nil {
		return classify(err, "failed to insert schedule")
	}
	return nil
}

// Get loads a schedule of a tenant
func (r *ScheduleRepo) Get(ctx context.Context, tenantID, id string) (*model.Schedule, error) {
	s := new(model.Schedule)
	err := r.db.NewSelect().Model(s).
		Where("s.id = ?", id).
		Where("s.tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return s, nil
}

// Update writes the given columns, or every column when none are given
func (r *ScheduleRepo) Update(ctx context.Context, s *model.Schedule, columns ...string) error {
	q := r.db.NewUpdate().Model(s).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to update schedule %s", s.ID))
	}
	return nil
}

// SoftDelete marks the schedule deleted
func (r *ScheduleRepo) SoftDelete(ctx context.Context, s *model.Schedule) error {
	if _, err := r.db.NewDelete().Model(s).WherePK().Exec(ctx); err != nil {
		return classify(err, fmt.Sprintf("failed to delete schedule %s", s.ID))
	}
	return nil
}

// List returns a tenant's schedules
func (r *ScheduleRepo) List(ctx context.Context, tenantID string) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	err := r.db.NewSelect().Model(&schedules).
		Where("s.tenant_id = ?", tenantID).
		Order("s.created_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list schedules")
	}
	return schedules, nil
}

// ListDue returns active schedules whose next run is at or before now
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	err := r.db.NewSelect().Model(&schedules).
		Where("s.is_active = ?", true).
		Where("s.next_run_at IS NOT NULL").
		Where("s.next_run_at <= ?", now.UTC()).
		Order("s.next_run_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list due schedules")
	}
	return schedules, nil
}

// ActiveWithFrequency reports whether the tenant already has another active
// schedule with the given frequency.
func (r *ScheduleRepo) ActiveWithFrequency(ctx context.Context, tenantID string, freq model.Frequency, excludeID string) (bool, error) {
	q := r.db.NewSelect().Model((*model.Schedule)(nil)).
		Where("s.tenant_id = ?", tenantID).
		Where("s.frequency = ?", freq).
		Where("s.is_active = ?", true)
	if excludeID != "" {
		q = q.Where("s.id != ?", excludeID)
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, classify(err, "failed to check schedules")
	}
	return exists, nil
}

// AdvanceSlot moves next_run_at from the slot being dispatched to next.
// It returns false when another dispatcher already moved it.
func (r *ScheduleRepo) AdvanceSlot(ctx context.Context, id string, slot, next, now time.Time) (bool, error) {
	res, err := r.db.NewUpdate().Model((*model.Schedule)(nil)).
		Set("next_run_at = ?", next.UTC()).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("next_run_at = ?", slot.UTC()).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, classify(err, "failed to advance schedule")
	}
	return affected(res), nil
}

// RecordDispatch inserts the ledger row for a slot. It returns false when
// the slot was already dispatched.
func (r *ScheduleRepo) RecordDispatch(ctx context.Context, d *model.ScheduleDispatch) (bool, error) {
	res, err := r.db.NewInsert().Model(d).Ignore().Exec(ctx)
	if err != nil {
		return false, classify(err, "failed to record dispatch")
	}
	return affected(res), nil
}

// UpdateDispatch records the backup a slot produced and how many attempts it took
func (r *ScheduleRepo) UpdateDispatch(ctx context.Context, scheduleID string, runAt time.Time, backupID string, attempts int) error {
	q := r.db.NewUpdate().Model((*model.ScheduleDispatch)(nil)).
		Set("attempts = ?", attempts).
		Where("schedule_id = ?", scheduleID).
		Where("run_at = ?", runAt.UTC())
	if backupID != "" {
		q = q.Set("backup_id = ?", backupID)
	}
	if _, err := q.Exec(ctx); err != nil {
		return classify(err, "failed to update dispatch")
	}
	return nil
}

// ListDispatches returns the ledger of a schedule
func (r *ScheduleRepo) ListDispatches(ctx context.Context, scheduleID string) ([]*model.ScheduleDispatch, error) {
	var dispatches []*model.ScheduleDispatch
	err := r.db.NewSelect().Model(&dispatches).
		Where("sd.schedule_id = ?", scheduleID).
		Order("sd.run_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list dispatches")
	}
	return dispatches, nil
}

// ListWithMaxBackups returns schedules that cap how many backups they keep
func (r *ScheduleRepo) ListWithMaxBackups(ctx context.Context) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	err := r.db.NewSelect().Model(&schedules).
		Where("s.max_backups > 0").
		Order("s.tenant_id", "s.created_at").
		Scan(ctx)
	if err != nil {
		return nil, classify(err, "failed to list schedules")
	}
	return schedules, nil
}
