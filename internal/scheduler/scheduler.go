// Package scheduler turns backup schedules into scheduled backups. Every due
// slot is claimed exactly once through a compare-and-swap on the schedule
// and a dispatch ledger row, then run on a per-tenant worker pool with
// retries for transient failures.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/notify"
	"tenant-backup/internal/restore"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/store"
)

const reasonSchedulePaused = "schedule_paused"

// Options tune the scheduler
type Options struct {
	TickInterval     time.Duration
	SweepInterval    time.Duration
	MaxConcurrent    int
	MaxRetries       int
	Backoff          []time.Duration
	OverdueThreshold time.Duration
	JobTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if len(o.Backoff) == 0 {
		o.Backoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	if o.OverdueThreshold <= 0 {
		o.OverdueThreshold = 60 * time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
}

// OptionsFromConfig maps the scheduling section of the configuration
func OptionsFromConfig(cfg config.SchedulingConfig) Options {
	return Options{
		TickInterval:     cfg.TickInterval,
		SweepInterval:    cfg.SweepInterval,
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxRetries:       cfg.MaxRetries,
		Backoff:          cfg.Backoff,
		OverdueThreshold: cfg.OverdueThreshold,
		JobTimeout:       cfg.JobTimeout,
	}
}

// Deps are the collaborators of a Scheduler. Restores may be nil when the
// sweep should not recover stale restores.
type Deps struct {
	DB       bun.IDB
	Backups  *backup.Engine
	Restores *restore.Engine
	Settings *settings.Service
	Audit    *audit.Logger
	Notifier notify.Sink
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Dispatch is a claimed slot of a schedule
type Dispatch struct {
	ScheduleID string
	TenantID   string
	RunAt      time.Time
	Overdue    bool
	Schedule   *model.Schedule
}

// Scheduler dispatches due schedules
type Scheduler struct {
	db       bun.IDB
	backups  *backup.Engine
	restores *restore.Engine
	settings *settings.Service
	audit    *audit.Logger
	notifier notify.Sink
	clock    clock.Clock
	logger   *logging.Logger
	opts     Options
}

// New creates a scheduler
func New(d Deps, opts Options) *Scheduler {
	opts.setDefaults()
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard{}
	}
	return &Scheduler{
		db:       d.DB,
		backups:  d.Backups,
		restores: d.Restores,
		settings: d.Settings,
		audit:    d.Audit,
		notifier: d.Notifier,
		clock:    d.Clock,
		logger:   d.Logger,
		opts:     opts,
	}
}

// Tick claims every due slot. The schedule's next run is advanced and the
// ledger row written before anything runs, so a slot is dispatched at most
// once even when several schedulers tick concurrently. Slots missed while
// the scheduler was down collapse into a single dispatch.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]Dispatch, error) {
	now = now.UTC()
	due, err := store.NewScheduleRepo(s.db).ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	var dispatches []Dispatch
	for _, sched := range due {
		d, ok, err := s.claim(ctx, sched, now)
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"tenant_id":   sched.TenantID,
				"schedule_id": sched.ID,
				"error":       err.Error(),
			}).Warn("Failed to claim schedule slot")
			continue
		}
		if ok {
			dispatches = append(dispatches, d)
		}
	}
	return dispatches, nil
}

func (s *Scheduler) claim(ctx context.Context, sched *model.Schedule, now time.Time) (Dispatch, bool, error) {
	slot := sched.NextRunAt
	next, err := NextRun(sched, now)
	if err != nil {
		return Dispatch{}, false, err
	}

	var claimed bool
	err = store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		repo := store.NewScheduleRepo(tx)
		advanced, err := repo.AdvanceSlot(ctx, sched.ID, slot, next, now)
		if err != nil || !advanced {
			return err
		}
		claimed, err = repo.RecordDispatch(ctx, &model.ScheduleDispatch{
			ScheduleID:   sched.ID,
			TenantID:     sched.TenantID,
			RunAt:        slot,
			DispatchedAt: now,
		})
		return err
	})
	if err != nil || !claimed {
		return Dispatch{}, false, err
	}

	sched.NextRunAt = next
	d := Dispatch{
		ScheduleID: sched.ID,
		TenantID:   sched.TenantID,
		RunAt:      slot,
		Overdue:    now.Sub(slot) > s.opts.OverdueThreshold,
		Schedule:   sched,
	}
	fields := map[string]interface{}{
		"tenant_id":   sched.TenantID,
		"schedule_id": sched.ID,
		"run_at":      slot,
		"next_run_at": next,
	}
	if d.Overdue {
		fields["late_by"] = now.Sub(slot).Round(time.Second).String()
		s.logger.WithFields(fields).Warn("Dispatching overdue schedule once")
	} else {
		s.logger.WithFields(fields).Debug("Schedule dispatched")
	}
	return d, true, nil
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.opts.Backoff) {
		i = len(s.opts.Backoff) - 1
	}
	return s.opts.Backoff[i]
}

// RunDispatch runs the backup of a claimed slot, retrying transient
// failures with backoff. The backup of the last attempt is returned, also
// when it failed.
func (s *Scheduler) RunDispatch(ctx context.Context, d Dispatch) (*model.Backup, error) {
	sched := d.Schedule
	if sched == nil {
		var err error
		if sched, err = store.NewScheduleRepo(s.db).Get(ctx, d.TenantID, d.ScheduleID); err != nil {
			return nil, err
		}
	}
	ctx, _ = logging.EnsureCorrelationID(ctx)
	logger := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":   d.TenantID,
		"schedule_id": d.ScheduleID,
		"run_at":      d.RunAt,
	})

	maxAttempts := 1 + s.opts.MaxRetries
	var (
		last     *model.Backup
		attempts int
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			jobCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
			defer cancel()
			b, err := s.backups.RunBackup(jobCtx, s.request(sched, attempts < maxAttempts))
			if b != nil {
				last = b
			}
			return err
		},
		IsFatalError: func(err error) bool {
			return !retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < maxAttempts {
				logger.WithField("attempt", attempt).WithField("retry_in", s.backoff(attempt).String()).
					Warnf("Scheduled backup failed, retrying: %v", err)
			}
		},
		Attempts: maxAttempts,
		Delay:    s.backoff(1),
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return s.backoff(attempt)
		},
		Clock: s.clock,
		Stop:  ctx.Done(),
	})
	if err != nil {
		err = retry.LastError(err)
	}

	var backupID string
	if last != nil {
		backupID = last.ID
	}
	if uerr := store.NewScheduleRepo(s.db).UpdateDispatch(context.WithoutCancel(ctx), d.ScheduleID, d.RunAt, backupID, attempts); uerr != nil {
		logger.WithField("error", uerr.Error()).Warn("Failed to update dispatch ledger")
	}

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"attempts": attempts,
			"reason":   appErrors.ReasonOf(err),
		}).Warn("Scheduled backup failed")
		s.afterFailure(context.WithoutCancel(ctx), d, err)
		return last, err
	}
	logger.WithFields(map[string]interface{}{
		"attempts":  attempts,
		"backup_id": backupID,
	}).Info("Scheduled backup completed")
	return last, nil
}

// retryable reports failures worth another attempt within the slot. A
// manual backup still running for the tenant usually finishes before the
// next backoff step.
func retryable(err error) bool {
	return appErrors.IsTransient(err) || appErrors.ReasonOf(err) == appErrors.ReasonBackupInProgress
}

func (s *Scheduler) request(sched *model.Schedule, retryable bool) backup.Request {
	req := backup.Request{
		TenantID:      sched.TenantID,
		Type:          sched.BackupType,
		Trigger:       model.TriggerScheduled,
		Categories:    sched.Categories,
		ScheduleID:    sched.ID,
		RetentionDays: sched.RetentionDays,
		RequestedBy:   "scheduler",
		Retryable:     retryable,
	}
	if sched.Encrypt {
		encrypt := true
		req.Encrypt = &encrypt
	}
	return req
}

// afterFailure pauses the schedule once it failed too many times in a row
func (s *Scheduler) afterFailure(ctx context.Context, d Dispatch, cause error) {
	sched, err := store.NewScheduleRepo(s.db).Get(ctx, d.TenantID, d.ScheduleID)
	if err != nil {
		return
	}
	row, err := s.settings.Get(ctx, d.TenantID)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"tenant_id": d.TenantID,
			"error":     err.Error(),
		}).Warn("Failed to load settings for schedule failure check")
		return
	}
	limit := row.MaxConsecutiveFailures
	if limit <= 0 || !sched.IsActive || sched.ConsecutiveFailures < limit {
		return
	}

	now := s.clock.Now().UTC()
	sched.IsActive = false
	sched.PausedAt = now
	sched.UpdatedAt = now
	err = store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewScheduleRepo(tx).Update(ctx, sched, "is_active", "paused_at", "updated_at"); err != nil {
			return err
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			TenantID:   sched.TenantID,
			Action:     "schedule.paused",
			EntityType: model.EntitySchedule,
			EntityID:   sched.ID,
			Actor:      "scheduler",
			Details: map[string]interface{}{
				"consecutive_failures": sched.ConsecutiveFailures,
				"last_error":           sched.LastError,
			},
		})
	})
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"schedule_id": sched.ID,
			"error":       err.Error(),
		}).Error("Failed to pause schedule")
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id":            sched.TenantID,
		"schedule_id":          sched.ID,
		"consecutive_failures": sched.ConsecutiveFailures,
	}).Warn("Schedule paused after repeated failures")

	s.notifier.Emit(ctx, notify.Event{
		Name:       model.EventBackupFailed,
		TenantID:   sched.TenantID,
		EntityType: model.EntitySchedule,
		EntityID:   sched.ID,
		Title:      "Backup schedule paused",
		Message: fmt.Sprintf("Schedule %q was paused after %d consecutive failures: %s",
			sched.Name, sched.ConsecutiveFailures, appErrors.FormatUserError(cause)),
		Details: map[string]interface{}{
			"reason":               reasonSchedulePaused,
			"consecutive_failures": sched.ConsecutiveFailures,
		},
		Timestamp: now,
	})
}

// Sweep runs backup retention and recovers restores that stopped making
// progress
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	logger := s.logger.WithContext(ctx)
	res, err := s.backups.Sweep(ctx, now)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Retention sweep failed")
	} else {
		for _, e := range res.Errors {
			logger.WithField("error", e.Error()).Warn("Retention sweep item failed")
		}
	}
	if s.restores == nil {
		return
	}
	n, err := s.restores.RecoverStale(ctx, now)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Stale restore recovery failed")
		return
	}
	if n > 0 {
		logger.WithField("restores", n).Warn("Failed stale restores")
	}
}

// Run ticks until ctx is cancelled, then waits for running jobs
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(map[string]interface{}{
		"tick_interval":  s.opts.TickInterval.String(),
		"sweep_interval": s.opts.SweepInterval.String(),
		"max_concurrent": s.opts.MaxConcurrent,
	}).Info("Scheduler started")

	pool := NewPool(ctx, s.opts.MaxConcurrent, s.logger)
	defer pool.Wait()

	var lastSweep time.Time
	for {
		now := s.clock.Now().UTC()
		dispatches, err := s.Tick(ctx, now)
		if err != nil {
			s.logger.WithField("error", err.Error()).Warn("Scheduler tick failed")
		}
		for _, d := range dispatches {
			d := d
			pool.Submit(d.TenantID, func(ctx context.Context) {
				_, _ = s.RunDispatch(ctx, d)
			})
		}
		if now.Sub(lastSweep) >= s.opts.SweepInterval {
			s.Sweep(ctx, now)
			lastSweep = now
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return nil
		case <-s.clock.After(s.opts.TickInterval):
		}
	}
}
