package restore

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/catalog"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/reconcile"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// Execute applies a processing restore. The safety backup completes before
// the first write; a failure after it leaves the restore rollback-able.
// A restore halted for conflict resolution is returned without error.
func (e *Engine) Execute(ctx context.Context, tenantID, restoreID string) (*model.Restore, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	rs, err := e.lookup(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	if rs.Status != model.RestoreProcessing {
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s is %s and cannot be executed", rs.RestoreNumber, rs.Status))
	}

	lock := e.tenantLock(tenantID)
	if !lock.TryLock() {
		return nil, appErrors.NewConflictError(appErrors.ReasonRestoreInProgress,
			"another restore is already running for this tenant")
	}
	defer lock.Unlock()

	busy, err := store.NewRestoreRepo(e.db).ActiveForTenant(ctx, tenantID, rs.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, appErrors.NewConflictError(appErrors.ReasonRestoreInProgress,
			"another restore is already running for this tenant")
	}

	cancelled := e.register(rs.ID)
	defer e.unregister(rs.ID)

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	done := e.logger.LogOperationStart(ctx, "restore", map[string]interface{}{
		"tenant_id":      rs.TenantID,
		"restore_id":     rs.ID,
		"restore_number": rs.RestoreNumber,
		"type":           rs.Type,
		"conflict_mode":  rs.ConflictMode,
	})
	err = e.run(ctx, rs, cancelled)
	done(err)
	return rs, err
}

// Cancel asks a running restore to stop at the next category boundary
func (e *Engine) Cancel(restoreID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.running[restoreID]
	if ok {
		flag.Store(true)
	}
	return ok
}

// Abandon cancels a restore that is not running: one waiting for a
// confirmation, a conflict resolution or its first Execute. A running
// restore only gets its cancel flag raised and stops between categories.
func (e *Engine) Abandon(ctx context.Context, tenantID, restoreID, actor string) (*model.Restore, error) {
	rs, err := e.lookup(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	if e.Cancel(rs.ID) {
		return rs, nil
	}
	switch rs.Status {
	case model.RestoreAwaitingConfirmation, model.RestoreAwaitingResolution, model.RestoreProcessing:
	default:
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s is %s and cannot be cancelled", rs.RestoreNumber, rs.Status))
	}
	rs.ConfirmationCodeHash = ""
	e.fail(ctx, rs, rs.Execution, appErrors.NewCancelledError(fmt.Sprintf("restore cancelled by %s", actor)))
	return e.lookup(ctx, tenantID, restoreID)
}

func (e *Engine) register(restoreID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag := &atomic.Bool{}
	e.running[restoreID] = flag
	return flag
}

func (e *Engine) unregister(restoreID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, restoreID)
}

func (e *Engine) isRunning(restoreID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[restoreID]
	return ok
}

func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[tenantID] = l
	}
	return l
}

// pass is the state of one execution pass
type pass struct {
	rs        *model.Restore
	report    *model.ExecutionReport
	live      []catalog.Category
	conflicts []model.Conflict
	applied   int
}

func (e *Engine) run(ctx context.Context, rs *model.Restore, cancelled *atomic.Bool) error {
	now := e.clock.Now().UTC()
	p := &pass{rs: rs, report: &model.ExecutionReport{StartedAt: now}}
	if prev := rs.Execution; prev != nil {
		p.report.SafetyBackupID = prev.SafetyBackupID
		p.report.SafetyBackupCompletedAt = prev.SafetyBackupCompletedAt
		p.report.FirstMutationAt = prev.FirstMutationAt
	}

	resumed := !rs.StartedAt.IsZero()
	if !resumed {
		rs.StartedAt = now
	}
	rs.Execution = p.report
	rs.UpdatedAt = now
	err := store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewRestoreRepo(tx).Update(ctx, rs, "started_at", "execution_report", "updated_at"); err != nil {
			return err
		}
		return e.record(ctx, tx, rs, "restore.started", rs.RequestedBy, map[string]interface{}{
			"resumed": resumed,
		})
	})
	if err != nil {
		return err
	}
	e.emit(ctx, model.EventRestoreStarted, rs, "Restore started",
		fmt.Sprintf("Restore %s started", rs.RestoreNumber), nil)

	if err := e.safetyBackup(ctx, p); err != nil {
		e.fail(ctx, rs, p.report, err)
		return err
	}

	if p.live, err = e.catalog.ListCategories(ctx, rs.TenantID); err != nil {
		err = appErrors.WrapError(err, "failed to read the live schema")
		e.fail(ctx, rs, p.report, err)
		return err
	}

	pkg, err := e.open(ctx, rs)
	if err != nil {
		e.fail(ctx, rs, p.report, err)
		return err
	}
	defer pkg.Close()

	if rs.Type == model.RestoreFull && p.report.FirstMutationAt.IsZero() {
		if err := e.clear(ctx, p); err != nil {
			e.fail(ctx, rs, p.report, err)
			return err
		}
	}

	if err := e.applyPackage(ctx, p, pkg, cancelled); err != nil {
		p.markNotAttempted()
		e.fail(ctx, rs, p.report, err)
		return err
	}
	p.markNotAttempted()

	row, err := e.settings.Get(ctx, rs.TenantID)
	if err != nil {
		e.fail(ctx, rs, p.report, err)
		return err
	}
	totals := p.report.Totals()
	if attempted := totals.Attempted(); attempted > 0 {
		p.report.FailureRate = float64(totals.Errors) / float64(attempted)
	}
	if p.report.FailureRate > row.FailureRateThreshold {
		err := appErrors.NewPartialFailure(fmt.Sprintf("%d of %d records failed to restore (%.1f%% > %.1f%%)",
			totals.Errors, totals.Attempted(), p.report.FailureRate*100, row.FailureRateThreshold*100)).
			WithContext("failure_rate", p.report.FailureRate)
		e.fail(ctx, rs, p.report, err)
		return err
	}

	if len(p.conflicts) > 0 {
		return e.awaitResolution(ctx, p)
	}
	return e.complete(ctx, p)
}

// safetyBackup takes a pre-restore backup of the live tenant, or reuses the
// one a previous pass of this restore completed
func (e *Engine) safetyBackup(ctx context.Context, p *pass) error {
	rs := p.rs
	if rs.SafetyBackupID != "" {
		b, err := store.NewBackupRepo(e.db).Get(ctx, rs.TenantID, rs.SafetyBackupID)
		if err == nil && b.Status == model.BackupCompleted {
			p.report.SafetyBackupID = b.ID
			p.report.SafetyBackupCompletedAt = b.CompletedAt
			return nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.SafetyBackupTimeout)
	defer cancel()
	b, err := e.backups.RunBackup(sctx, backup.Request{
		TenantID:    rs.TenantID,
		Type:        model.BackupTypeFull,
		Trigger:     model.TriggerPreRestore,
		RestoreID:   rs.ID,
		RequestedBy: "system",
	})
	if err != nil {
		return appErrors.NewAppError(appErrors.ErrorTypeTransientInfra, appErrors.ReasonSafetyBackupFailed,
			"safety backup failed; nothing was restored", err)
	}

	rs.SafetyBackupID = b.ID
	p.report.SafetyBackupID = b.ID
	p.report.SafetyBackupCompletedAt = b.CompletedAt
	rs.UpdatedAt = e.clock.Now().UTC()
	return store.NewRestoreRepo(e.db).Update(ctx, rs, "safety_backup_id", "execution_report", "updated_at")
}

func (e *Engine) open(ctx context.Context, rs *model.Restore) (*backup.Package, error) {
	if rs.BackupID == "" {
		return e.backups.OpenUpload(ctx, rs.TenantID, storage.Location(rs.SourceLocation))
	}
	b, err := store.NewBackupRepo(e.db).Get(ctx, rs.TenantID, rs.BackupID)
	if err != nil {
		return nil, err
	}
	return e.backups.Open(ctx, b)
}

// clear empties the categories a full restore rewrites, last category first
func (e *Engine) clear(ctx context.Context, p *pass) error {
	clearer, ok := e.catalog.(catalog.Clearer)
	if !ok {
		e.logger.WithField("restore_id", p.rs.ID).Debug("Catalog cannot clear categories; restoring over live data")
		return nil
	}
	for i := len(p.live) - 1; i >= 0; i-- {
		name := p.live[i].Name
		if !p.rs.Selects(name) || !e.writable(p.rs, name) {
			continue
		}
		p.touch(e.clock.Now().UTC())
		n, err := clearer.Clear(ctx, p.rs.TenantID, name)
		if err != nil {
			return appErrors.WrapError(err, fmt.Sprintf("failed to clear %s", name))
		}
		e.logger.WithFields(map[string]interface{}{
			"restore_id": p.rs.ID,
			"category":   name,
			"records":    n,
		}).Debug("Cleared category before full restore")
	}
	return nil
}

// writable reports whether a category can receive records. Categories of an
// upload carry no snapshot; once confirmed they are written when the live
// schema still has them.
func (e *Engine) writable(rs *model.Restore, name string) bool {
	verdict, ok := rs.Report.Lookup(name)
	if !ok || verdict.Status != model.Incompatible {
		return true
	}
	return rs.Report.SnapshotMissing && verdict.Reason == reconcile.ReasonSnapshotMissing
}

func (p *pass) touch(now time.Time) {
	if p.report.FirstMutationAt.IsZero() {
		p.report.FirstMutationAt = now
	}
}

func (e *Engine) applyPackage(ctx context.Context, p *pass, pkg *backup.Package, cancelled *atomic.Bool) error {
	for {
		if cancelled.Load() {
			p.report.Cancelled = true
			return appErrors.NewCancelledError("restore was cancelled")
		}
		if err := ctx.Err(); err != nil {
			return appErrors.WrapError(err, "restore interrupted")
		}

		section, err := pkg.NextCategory()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.rs.Selects(section.Name) {
			continue
		}

		verdict, _ := p.rs.Report.Lookup(section.Name)
		if !e.writable(p.rs, section.Name) || !p.hasLive(section.Name) {
			p.report.Categories = append(p.report.Categories, model.CategoryResult{
				Category: section.Name,
				Outcome:  model.CategoryIncompatible,
			})
			continue
		}

		var filter *reconcile.Filter
		if verdict.Status == model.PartiallyCompatible {
			filter = reconcile.NewFilter(verdict)
		}
		p.report.Categories = append(p.report.Categories, model.CategoryResult{
			Category:      section.Name,
			SkippedFields: verdict.SkippedFields,
		})
		res := &p.report.Categories[len(p.report.Categories)-1]

		if err := e.applySection(ctx, p, section, filter, res); err != nil {
			if res.Attempted() > 0 {
				res.Outcome = model.CategoryFailed
			} else {
				res.Outcome = model.CategoryNotAttempted
			}
			return err
		}
		res.Outcome = model.CategoryRestored
		if res.Errors > 0 && res.Errors == res.Attempted() {
			res.Outcome = model.CategoryFailed
		}
	}
}

func (p *pass) hasLive(name string) bool {
	_, ok := catalog.Find(p.live, name)
	return ok
}

func (e *Engine) applySection(ctx context.Context, p *pass, section *backup.Section, filter *reconcile.Filter, res *model.CategoryResult) error {
	rs := p.rs
	for rec, err := range section.Records() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return appErrors.WrapError(err, "restore interrupted")
		}

		rec, ok := filter.Apply(rec)
		if !ok {
			res.Skipped++
			continue
		}

		mode := rs.ConflictMode
		if mode == model.ConflictAsk {
			if decided, ok := rs.ConflictResolutions[model.ConflictKey(section.Name, rec.Collection, rec.ID)]; ok {
				mode = decided
			}
		}

		p.touch(e.clock.Now().UTC())
		out, err := e.catalog.Apply(ctx, rs.TenantID, section.Name, rec, catalog.ApplyOptions{Mode: mode})
		if err != nil {
			if fatal(ctx, err) {
				return appErrors.WrapError(err, fmt.Sprintf("failed to restore %s", section.Name))
			}
			res.Errors++
			p.report.Errors = append(p.report.Errors, model.RecordError{
				Category:   section.Name,
				Collection: rec.Collection,
				RecordID:   rec.ID,
				Message:    err.Error(),
			})
		} else {
			switch out.Action {
			case catalog.ActionInserted:
				res.Inserted++
			case catalog.ActionReplaced:
				res.Replaced++
			case catalog.ActionMerged:
				res.Merged++
			case catalog.ActionSkipped:
				res.Skipped++
			case catalog.ActionUnchanged:
				res.Unchanged++
			case catalog.ActionConflict:
				res.Conflicts++
				p.conflicts = append(p.conflicts, model.Conflict{
					Category:   section.Name,
					Collection: rec.Collection,
					RecordID:   rec.ID,
					Live:       out.Live,
					Snapshot:   rec.Fields,
				})
			}
		}

		p.applied++
		if p.applied%e.opts.BatchSize == 0 {
			e.checkpoint(ctx, p)
		}
	}
	return nil
}

// fatal separates errors that end the restore from per-record failures.
// Raw driver errors are classified first.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch appErrors.NewErrorClassifier().ClassifyError(err).Type {
	case appErrors.ErrorTypeTransientInfra, appErrors.ErrorTypeIntegrity, appErrors.ErrorTypeCancelled:
		return true
	}
	return false
}

// checkpoint persists the report so far and refreshes the heartbeat
func (e *Engine) checkpoint(ctx context.Context, p *pass) {
	p.rs.Execution = p.report
	p.rs.UpdatedAt = e.clock.Now().UTC()
	if err := store.NewRestoreRepo(e.db).Update(ctx, p.rs, "execution_report", "updated_at"); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"restore_id": p.rs.ID,
			"error":      err.Error(),
		}).Debug("Failed to record restore progress")
		return
	}
	totals := p.report.Totals()
	e.logger.WithFields(map[string]interface{}{
		"restore_id": p.rs.ID,
		"applied":    p.applied,
		"errors":     totals.Errors,
	}).Debug("Restore progress")
}

// markNotAttempted lists every selected category the pass never reached
func (p *pass) markNotAttempted() {
	for _, name := range p.rs.SelectedCategories {
		if slices.ContainsFunc(p.report.Categories, func(c model.CategoryResult) bool { return c.Category == name }) {
			continue
		}
		p.report.Categories = append(p.report.Categories, model.CategoryResult{
			Category: name,
			Outcome:  model.CategoryNotAttempted,
		})
	}
}

func (e *Engine) awaitResolution(ctx context.Context, p *pass) error {
	rs := p.rs
	p.report.FinishedAt = e.clock.Now().UTC()
	rs.Execution = p.report
	rs.Conflicts = p.conflicts
	rs.StatusMessage = fmt.Sprintf("%d records need a decision", len(p.conflicts))
	err := e.transition(ctx, rs, model.RestoreAwaitingResolution, "restore.awaiting_resolution", "system", map[string]interface{}{
		"conflicts": len(p.conflicts),
	})
	if err != nil {
		return err
	}
	e.logger.WithFields(map[string]interface{}{
		"tenant_id":  rs.TenantID,
		"restore_id": rs.ID,
		"conflicts":  len(p.conflicts),
	}).Info("Restore halted for conflict resolution")
	return nil
}

func (e *Engine) complete(ctx context.Context, p *pass) error {
	rs := p.rs
	now := e.clock.Now().UTC()
	p.report.FinishedAt = now
	rs.Execution = p.report
	rs.Conflicts = nil
	rs.CompletedAt = now
	rs.StatusMessage = fmt.Sprintf("restored %d categories", len(p.report.Restored()))
	e.openRollbackWindow(rs, now)

	totals := p.report.Totals()
	err := e.transition(ctx, rs, model.RestoreCompleted, "restore.completed", rs.RequestedBy, map[string]interface{}{
		"restored":            p.report.Restored(),
		"inserted":            totals.Inserted,
		"replaced":            totals.Replaced,
		"merged":              totals.Merged,
		"skipped":             totals.Skipped,
		"errors":              totals.Errors,
		"safety_backup_id":    rs.SafetyBackupID,
		"rollback_expires_at": rs.RollbackExpiresAt,
	})
	if err != nil {
		return err
	}
	e.emit(ctx, model.EventRestoreCompleted, rs, "Restore completed",
		fmt.Sprintf("Restore %s completed: %d categories restored", rs.RestoreNumber, len(p.report.Restored())),
		map[string]interface{}{"rollback_expires_at": rs.RollbackExpiresAt})
	return nil
}

func (e *Engine) openRollbackWindow(rs *model.Restore, now time.Time) {
	if rs.SafetyBackupID == "" {
		return
	}
	rs.CanRollback = true
	rs.RollbackExpiresAt = now.Add(e.opts.RollbackWindow)
}

// fail ends the restore. It runs on a context that survives cancellation of
// the job itself.
func (e *Engine) fail(ctx context.Context, rs *model.Restore, report *model.ExecutionReport, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := e.clock.Now().UTC()

	reason := appErrors.ReasonOf(cause)
	if appErrors.IsCancelled(cause) {
		reason = appErrors.ReasonCancelled
	}
	rs.FailureReason = reason
	rs.StatusMessage = cause.Error()
	rs.CompletedAt = now
	if report != nil {
		report.FinishedAt = now
		report.FailureMessage = cause.Error()
		report.Cancelled = report.Cancelled || reason == appErrors.ReasonCancelled
		rs.Execution = report
	}
	e.openRollbackWindow(rs, now)

	details := map[string]interface{}{
		"reason":       reason,
		"error":        cause.Error(),
		"can_rollback": rs.CanRollback,
	}
	if report != nil {
		details["restored"] = report.Restored()
		details["not_attempted"] = report.NotAttempted()
	}
	if err := e.transition(ctx, rs, model.RestoreFailed, "restore.failed", rs.RequestedBy, details); err != nil {
		e.logger.WithFields(map[string]interface{}{"restore_id": rs.ID, "error": err.Error()}).
			Error("Failed to record restore failure")
	}

	fields := map[string]interface{}{
		"tenant_id":  rs.TenantID,
		"restore_id": rs.ID,
		"reason":     reason,
	}
	if appErrors.IsIntegrity(cause) {
		e.logger.LogIntegrityFailure(fields, cause)
	} else {
		fields["error"] = cause.Error()
		e.logger.WithFields(fields).Warn("Restore failed")
	}

	e.emit(ctx, model.EventRestoreFailed, rs, "Restore failed",
		fmt.Sprintf("Restore %s failed: %s", rs.RestoreNumber, appErrors.FormatUserError(cause)),
		map[string]interface{}{"reason": reason, "can_rollback": rs.CanRollback})
}
