package application

import (
	"context"

	"tenant-backup/internal/model"
	"tenant-backup/internal/restore"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// RestoreInput is an operator's restore request. Exactly one of BackupID
// and UploadLocation is set.
type RestoreInput struct {
	BackupID       string
	UploadLocation string
	Type           model.RestoreType
	Categories     []string
	ConflictMode   model.ConflictMode
}

// PlanRestore plans a restore and runs it right away when it needs no
// confirmation. The returned code is set only when the restore awaits
// confirmation and is the only copy of it.
func (s *Service) PlanRestore(ctx context.Context, tenantID string, in RestoreInput, actor string) (*model.Restore, string, error) {
	rs, code, err := s.restores.PlanRestore(ctx, restore.Plan{
		TenantID:       tenantID,
		BackupID:       in.BackupID,
		UploadLocation: storage.Location(in.UploadLocation),
		Type:           in.Type,
		Categories:     in.Categories,
		ConflictMode:   in.ConflictMode,
		RequestedBy:    actor,
	})
	if err != nil {
		return rs, "", err
	}
	if rs.Status != model.RestoreProcessing {
		return rs, code, nil
	}
	rs, err = s.restores.Execute(ctx, tenantID, rs.ID)
	return rs, "", err
}

// ConfirmRestore accepts the confirmation code and runs the restore
func (s *Service) ConfirmRestore(ctx context.Context, tenantID, restoreID, code, actor string) (*model.Restore, error) {
	if _, err := s.restores.Confirm(ctx, tenantID, restoreID, code, actor); err != nil {
		return nil, err
	}
	return s.restores.Execute(ctx, tenantID, restoreID)
}

// ResolveConflicts stores the per-record decisions of an ask-mode restore
// and runs it again
func (s *Service) ResolveConflicts(ctx context.Context, tenantID, restoreID string, resolutions map[string]model.ConflictMode, actor string) (*model.Restore, error) {
	if _, err := s.restores.ResolveConflicts(ctx, tenantID, restoreID, resolutions, actor); err != nil {
		return nil, err
	}
	return s.restores.Execute(ctx, tenantID, restoreID)
}

// GetReconciliationReport returns the schema comparison made when the
// restore was planned
func (s *Service) GetReconciliationReport(ctx context.Context, tenantID, restoreID string) (*model.ReconciliationReport, error) {
	rs, err := s.restores.Get(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	return rs.Report, nil
}

// RollbackRestore puts back the safety backup taken before the restore
func (s *Service) RollbackRestore(ctx context.Context, tenantID, restoreID, actor string) (*model.Restore, error) {
	return s.restores.Rollback(ctx, tenantID, restoreID, actor)
}

// CancelRestore stops a running restore between categories, or abandons
// one waiting for an operator
func (s *Service) CancelRestore(ctx context.Context, tenantID, restoreID, actor string) (*model.Restore, error) {
	return s.restores.Abandon(ctx, tenantID, restoreID, actor)
}

// GetRestore loads one restore
func (s *Service) GetRestore(ctx context.Context, tenantID, restoreID string) (*model.Restore, error) {
	return s.restores.Get(ctx, tenantID, restoreID)
}

// ListRestores lists the tenant's restores, newest first
func (s *Service) ListRestores(ctx context.Context, tenantID string, f store.RestoreFilter) ([]*model.Restore, error) {
	f.TenantID = tenantID
	return s.restores.List(ctx, f)
}
