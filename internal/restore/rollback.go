package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/reconcile"
	"tenant-backup/internal/store"
)

// Rollback restores the safety backup taken before a restore, replacing
// whatever the restore wrote. The rollback itself runs as a child restore
// with its own safety backup; the original is marked rolled_back once the
// child completes.
func (e *Engine) Rollback(ctx context.Context, tenantID, restoreID, actor string) (*model.Restore, error) {
	repo := store.NewRestoreRepo(e.db)
	rs, err := repo.Get(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	if rs.Status == model.RestoreRolledBack {
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s was already rolled back", rs.RestoreNumber))
	}

	now := e.clock.Now().UTC()
	if !rs.RollbackOpen(now) {
		if rs.CanRollback {
			rs.CanRollback = false
			rs.UpdatedAt = now
			if err := repo.Update(ctx, rs, "can_rollback", "updated_at"); err != nil {
				return nil, err
			}
		}
		return nil, appErrors.NewConflictError(appErrors.ReasonRollbackExpired,
			fmt.Sprintf("restore %s can no longer be rolled back", rs.RestoreNumber)).
			WithContext("rollback_expires_at", rs.RollbackExpiresAt)
	}
	if !rs.Status.CanTransitionTo(model.RestoreRolledBack) || rs.SafetyBackupID == "" {
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s is %s and cannot be rolled back", rs.RestoreNumber, rs.Status))
	}

	safety, err := store.NewBackupRepo(e.db).Get(ctx, tenantID, rs.SafetyBackupID)
	if err != nil {
		return nil, err
	}
	live, err := e.catalog.ListCategories(ctx, tenantID)
	if err != nil {
		return nil, appErrors.WrapError(err, "failed to read the live schema")
	}

	child := &model.Restore{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		BackupID:           safety.ID,
		Type:               model.RestoreFull,
		ConflictMode:       model.ConflictReplace,
		SelectedCategories: safety.Summary.Categories(),
		Status:             model.RestoreProcessing,
		Report:             reconcile.Reconcile(safety.SchemaSnapshot, reconcile.Live(live)),
		RollbackOf:         rs.ID,
		RequestedBy:        actor,
		ConfirmationMethod: "rollback",
		ConfirmedBy:        actor,
		ConfirmedAt:        now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		childRepo := store.NewRestoreRepo(tx)
		claimed, err := childRepo.ClaimRollback(ctx, rs.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return appErrors.NewConflictError(appErrors.ReasonRestoreInProgress,
				fmt.Sprintf("restore %s is already being rolled back", rs.RestoreNumber))
		}
		seq, err := childRepo.NextSequence(ctx, tenantID, now.Year())
		if err != nil {
			return err
		}
		child.RestoreNumber = model.FormatRestoreNumber(now.Year(), seq)
		if err := childRepo.Insert(ctx, child); err != nil {
			return err
		}
		return e.record(ctx, tx, child, "restore.created", actor, map[string]interface{}{
			"restore_number": child.RestoreNumber,
			"rollback_of":    rs.ID,
			"backup_id":      safety.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.Execute(ctx, tenantID, child.ID); err != nil {
		e.abortRollback(ctx, rs, child, err)
		return nil, appErrors.WrapError(err, fmt.Sprintf("rollback of restore %s failed", rs.RestoreNumber))
	}

	done := e.clock.Now().UTC()
	rs.RolledBackAt = done
	rs.RolledBackBy = actor
	rs.RollbackRestoreID = child.ID
	rs.CanRollback = false
	err = e.transition(ctx, rs, model.RestoreRolledBack, "restore.rolled_back", actor, map[string]interface{}{
		"rollback_restore_id": child.ID,
		"safety_backup_id":    safety.ID,
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(map[string]interface{}{
		"tenant_id":           tenantID,
		"restore_id":          rs.ID,
		"rollback_restore_id": child.ID,
	}).Info("Restore rolled back")
	return rs, nil
}

// abortRollback fails a child that Execute refused to start and hands the
// rollback flag back to the original restore
func (e *Engine) abortRollback(ctx context.Context, rs, child *model.Restore, cause error) {
	ctx = context.WithoutCancel(ctx)
	if current, err := store.NewRestoreRepo(e.db).Get(ctx, child.TenantID, child.ID); err == nil &&
		current.Status == model.RestoreProcessing && !e.isRunning(current.ID) {
		e.fail(ctx, current, current.Execution, cause)
	}

	rs.CanRollback = true
	rs.UpdatedAt = e.clock.Now().UTC()
	if err := store.NewRestoreRepo(e.db).Update(ctx, rs, "can_rollback", "updated_at"); err != nil {
		e.logger.WithFields(map[string]interface{}{"restore_id": rs.ID, "error": err.Error()}).
			Error("Failed to reopen rollback after a failed attempt")
	}
}

// RecoverStale fails processing restores that stopped reporting progress,
// typically because the process running them died
func (e *Engine) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := store.NewRestoreRepo(e.db).ListStale(ctx, now.Add(-e.opts.Timeout))
	if err != nil {
		return 0, err
	}
	var failed int
	for _, rs := range stale {
		if e.isRunning(rs.ID) {
			continue
		}
		cause := appErrors.NewTransientError(appErrors.ReasonTimedOut,
			fmt.Sprintf("restore made no progress within %s", e.opts.Timeout), nil)
		e.fail(ctx, rs, rs.Execution, cause)
		failed++
	}
	return failed, nil
}
