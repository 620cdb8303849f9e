package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// Delete removes a backup's blob and soft deletes its row
func (e *Engine) Delete(ctx context.Context, tenantID, backupID, actor string) error {
	repo := store.NewBackupRepo(e.db)
	b, err := repo.Get(ctx, tenantID, backupID)
	if err != nil {
		return err
	}
	if b.Status == model.BackupPending || b.Status == model.BackupProcessing {
		return appErrors.NewConflictError(appErrors.ReasonBackupInProgress,
			fmt.Sprintf("backup %s is still running", b.BackupNumber))
	}
	return e.purge(ctx, b, "backup.deleted", actor)
}

// purge deletes the blob first so that a failure leaves the row pointing at it
func (e *Engine) purge(ctx context.Context, b *model.Backup, action, actor string) error {
	if b.FilePath != "" {
		if err := e.storage.Delete(ctx, storage.Location(b.FilePath)); err != nil {
			return err
		}
	}
	err := store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewBackupRepo(tx).SoftDelete(ctx, b); err != nil {
			return err
		}
		return e.record(ctx, tx, b, action, actor, map[string]interface{}{
			"backup_number": b.BackupNumber,
			"size_bytes":    b.FileSizeBytes,
		})
	})
	if err != nil {
		return err
	}
	if b.Status == model.BackupCompleted || b.Status == model.BackupExpired {
		if err := e.settings.AddUsage(ctx, nil, b.TenantID, -b.FileSizeBytes); err != nil {
			e.logger.WithFields(map[string]interface{}{"backup_id": b.ID, "error": err.Error()}).
				Warn("Failed to release storage usage")
		}
	}
	return nil
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	Expired         int
	Deleted         int
	Warned          int
	Trimmed         int
	TimedOut        int
	RollbacksClosed int64
	Errors          []error
}

// Sweep applies retention: expiry, expiry warnings, per-schedule caps,
// stuck backups and closed rollback windows. Per-item failures are collected
// and do not stop the sweep.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	now = now.UTC()
	res := &SweepResult{}
	ctx, _ = logging.EnsureCorrelationID(ctx)
	done := e.logger.LogOperationStart(ctx, "sweep", map[string]interface{}{"now": now})

	repo := store.NewBackupRepo(e.db)
	autoDelete := make(map[string]bool)

	expired, err := repo.ListExpired(ctx, now)
	if err != nil {
		done(err)
		return nil, err
	}
	for _, b := range expired {
		del, err := e.autoDelete(ctx, autoDelete, b.TenantID)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if err := e.expire(ctx, b, "backup.expired", nil); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Expired++
		if del {
			if err := e.purge(ctx, b, "backup.deleted", "system"); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Deleted++
		}
	}

	expiring, err := repo.ListExpiring(ctx, now, now.Add(e.opts.ExpiryWarning))
	if err != nil {
		done(err)
		return nil, err
	}
	for _, b := range expiring {
		b.ExpiryWarnedAt = now
		if err := repo.Update(ctx, b, "expiry_warned_at"); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		e.emit(ctx, model.EventBackupExpiring, b, "Backup expiring",
			fmt.Sprintf("Backup %s expires at %s", b.BackupNumber, b.ExpiresAt.Format(time.RFC3339)),
			map[string]interface{}{"expires_at": b.ExpiresAt})
		res.Warned++
	}

	capped, err := store.NewScheduleRepo(e.db).ListWithMaxBackups(ctx)
	if err != nil {
		done(err)
		return nil, err
	}
	for _, s := range capped {
		kept, err := repo.ListCompletedForSchedule(ctx, s.ID)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if len(kept) <= s.MaxBackups {
			continue
		}
		for _, b := range kept[s.MaxBackups:] {
			if err := e.expire(ctx, b, "backup.expired", map[string]interface{}{
				"reason":      "max_backups",
				"schedule_id": s.ID,
				"max_backups": s.MaxBackups,
			}); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Trimmed++
		}
	}

	stale, err := repo.ListStale(ctx, now.Add(-e.opts.JobTimeout))
	if err != nil {
		done(err)
		return nil, err
	}
	for _, b := range stale {
		e.mu.Lock()
		_, live := e.running[b.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		cause := appErrors.NewTransientError(appErrors.ReasonTimedOut,
			fmt.Sprintf("backup did not finish within %s", e.opts.JobTimeout), nil)
		e.fail(ctx, &job{req: Request{RequestedBy: "system"}}, b, cause)
		res.TimedOut++
	}

	closed, err := store.NewRestoreRepo(e.db).CloseExpiredRollbacks(ctx, now)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	res.RollbacksClosed = closed

	if len(res.Errors) > 0 {
		e.logger.WithFields(map[string]interface{}{
			"errors":      len(res.Errors),
			"first_error": res.Errors[0].Error(),
		}).Warn("Sweep finished with errors")
	}
	done(nil)
	return res, nil
}

func (e *Engine) autoDelete(ctx context.Context, cache map[string]bool, tenantID string) (bool, error) {
	if v, ok := cache[tenantID]; ok {
		return v, nil
	}
	row, err := e.settings.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}
	cache[tenantID] = row.AutoDeleteExpired
	return row.AutoDeleteExpired, nil
}

func (e *Engine) expire(ctx context.Context, b *model.Backup, action string, details map[string]interface{}) error {
	if !b.Status.CanTransitionTo(model.BackupExpired) {
		return nil
	}
	b.Status = model.BackupExpired
	return store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewBackupRepo(tx).Update(ctx, b, "status"); err != nil {
			return err
		}
		if details == nil {
			details = map[string]interface{}{}
		}
		details["backup_number"] = b.BackupNumber
		details["expires_at"] = b.ExpiresAt
		return e.record(ctx, tx, b, action, "system", details)
	})
}
