package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/scheduler"
	"tenant-backup/internal/store"
)

// ScheduleInput describes a new schedule
type ScheduleInput struct {
	Name          string
	Frequency     model.Frequency
	BackupType    model.BackupType
	Categories    []string
	PreferredTime string
	PreferredDay  *int
	Timezone      string
	RetentionDays int
	MaxBackups    int
	Encrypt       bool
}

// SchedulePatch changes a schedule; nil fields are left alone
type SchedulePatch struct {
	Name          *string
	IsActive      *bool
	Frequency     *model.Frequency
	BackupType    *model.BackupType
	Categories    *[]string
	PreferredTime *string
	PreferredDay  *int
	Timezone      *string
	RetentionDays *int
	MaxBackups    *int
	Encrypt       *bool
}

// CreateSchedule validates the schedule against the tenant's plan, computes
// its first run and stores it
func (s *Service) CreateSchedule(ctx context.Context, tenantID string, in ScheduleInput, actor string) (*model.Schedule, error) {
	now := s.clock.Now().UTC()
	sched := &model.Schedule{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          strings.TrimSpace(in.Name),
		IsActive:      true,
		Frequency:     in.Frequency,
		BackupType:    in.BackupType,
		Categories:    in.Categories,
		PreferredTime: in.PreferredTime,
		PreferredDay:  in.PreferredDay,
		Timezone:      in.Timezone,
		RetentionDays: in.RetentionDays,
		MaxBackups:    in.MaxBackups,
		Encrypt:       in.Encrypt,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.prepareSchedule(ctx, sched, now); err != nil {
		return nil, err
	}

	err := store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewScheduleRepo(tx).Insert(ctx, sched); err != nil {
			return err
		}
		return s.recordSchedule(ctx, tx, sched, "schedule.created", actor, map[string]interface{}{
			"frequency":   sched.Frequency,
			"next_run_at": sched.NextRunAt,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"tenant_id":   tenantID,
		"schedule_id": sched.ID,
		"frequency":   sched.Frequency,
		"next_run_at": sched.NextRunAt,
	}).Info("Schedule created")
	return sched, nil
}

// UpdateSchedule applies patch. Reactivating a paused schedule clears its
// failure streak; any timing change recomputes the next run.
func (s *Service) UpdateSchedule(ctx context.Context, tenantID, scheduleID string, patch SchedulePatch, actor string) (*model.Schedule, error) {
	repo := store.NewScheduleRepo(s.db)
	sched, err := repo.Get(ctx, tenantID, scheduleID)
	if err != nil {
		return nil, err
	}
	before := scheduleSnapshot(sched)
	wasActive := sched.IsActive

	if patch.Name != nil {
		sched.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.IsActive != nil {
		sched.IsActive = *patch.IsActive
	}
	if patch.Frequency != nil {
		sched.Frequency = *patch.Frequency
	}
	if patch.BackupType != nil {
		sched.BackupType = *patch.BackupType
	}
	if patch.Categories != nil {
		sched.Categories = *patch.Categories
	}
	if patch.PreferredTime != nil {
		sched.PreferredTime = *patch.PreferredTime
	}
	if patch.PreferredDay != nil {
		day := *patch.PreferredDay
		sched.PreferredDay = &day
	}
	if patch.Timezone != nil {
		sched.Timezone = *patch.Timezone
	}
	if patch.RetentionDays != nil {
		sched.RetentionDays = *patch.RetentionDays
	}
	if patch.MaxBackups != nil {
		sched.MaxBackups = *patch.MaxBackups
	}
	if patch.Encrypt != nil {
		sched.Encrypt = *patch.Encrypt
	}

	now := s.clock.Now().UTC()
	if sched.IsActive && !wasActive {
		sched.ConsecutiveFailures = 0
		sched.LastError = ""
		sched.PausedAt = time.Time{}
	}
	if !sched.IsActive && wasActive {
		sched.PausedAt = now
	}
	if err := s.prepareSchedule(ctx, sched, now); err != nil {
		return nil, err
	}
	sched.UpdatedAt = now

	changes := audit.Diff(before, scheduleSnapshot(sched))
	err = store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewScheduleRepo(tx).Update(ctx, sched); err != nil {
			return err
		}
		return s.recordSchedule(ctx, tx, sched, "schedule.updated", actor, nil, changes)
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule soft deletes a schedule; its backups are kept
func (s *Service) DeleteSchedule(ctx context.Context, tenantID, scheduleID, actor string) error {
	sched, err := store.NewScheduleRepo(s.db).Get(ctx, tenantID, scheduleID)
	if err != nil {
		return err
	}
	return store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewScheduleRepo(tx).SoftDelete(ctx, sched); err != nil {
			return err
		}
		return s.recordSchedule(ctx, tx, sched, "schedule.deleted", actor, map[string]interface{}{
			"name": sched.Name,
		}, nil)
	})
}

// ListSchedules lists the tenant's schedules
func (s *Service) ListSchedules(ctx context.Context, tenantID string) ([]*model.Schedule, error) {
	return store.NewScheduleRepo(s.db).List(ctx, tenantID)
}

// prepareSchedule fills defaults, checks the schedule against the plan and
// sets its next run when active
func (s *Service) prepareSchedule(ctx context.Context, sched *model.Schedule, now time.Time) error {
	if sched.TenantID == "" {
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput, "tenant is required")
	}
	if sched.Name == "" {
		sched.Name = fmt.Sprintf("%s backup", sched.Frequency)
	}
	if sched.BackupType == "" {
		sched.BackupType = model.BackupTypeFull
	}
	if sched.PreferredTime == "" {
		sched.PreferredTime = "03:00"
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if !sched.BackupType.Valid() {
		return appErrors.NewValidationError(appErrors.ReasonInvalidSchedule,
			fmt.Sprintf("unknown backup type %q", sched.BackupType))
	}
	if sched.MaxBackups < 0 {
		return appErrors.NewValidationError(appErrors.ReasonInvalidSchedule, "max backups cannot be negative")
	}
	if err := scheduler.Validate(sched); err != nil {
		return err
	}

	_, plan, err := s.settings.Plan(ctx, sched.TenantID)
	if err != nil {
		return err
	}
	if !plan.AllowsFrequency(sched.Frequency) {
		return appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("the %s plan does not allow %s schedules", plan.Name, sched.Frequency))
	}
	if sched.Encrypt && !plan.EncryptionAvailable {
		return appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("the %s plan does not include encryption", plan.Name))
	}
	sched.RetentionDays = plan.CapRetention(sched.RetentionDays)

	if !sched.IsActive {
		sched.NextRunAt = time.Time{}
		return nil
	}
	taken, err := store.NewScheduleRepo(s.db).ActiveWithFrequency(ctx, sched.TenantID, sched.Frequency, sched.ID)
	if err != nil {
		return err
	}
	if taken {
		return appErrors.NewConflictError(appErrors.ReasonInvalidSchedule,
			fmt.Sprintf("the tenant already has an active %s schedule", sched.Frequency))
	}
	next, err := scheduler.NextRun(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = next
	return nil
}

func scheduleSnapshot(s *model.Schedule) map[string]interface{} {
	snap := map[string]interface{}{
		"name":           s.Name,
		"is_active":      s.IsActive,
		"frequency":      string(s.Frequency),
		"backup_type":    string(s.BackupType),
		"categories":     strings.Join(s.Categories, ","),
		"preferred_time": s.PreferredTime,
		"timezone":       s.Timezone,
		"retention_days": s.RetentionDays,
		"max_backups":    s.MaxBackups,
		"encrypt":        s.Encrypt,
	}
	if s.PreferredDay != nil {
		snap["preferred_day"] = *s.PreferredDay
	}
	return snap
}

func (s *Service) recordSchedule(ctx context.Context, tx bun.IDB, sched *model.Schedule, action, actor string, details map[string]interface{}, changes map[string]model.Change) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.RecordTx(ctx, tx, audit.Entry{
		TenantID:   sched.TenantID,
		Action:     action,
		EntityType: model.EntitySchedule,
		EntityID:   sched.ID,
		Actor:      actor,
		Details:    details,
		Changes:    changes,
	})
}
