package application

import (
	"context"
	"io"

	"tenant-backup/internal/backup"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
)

// BackupInput is an operator's backup request
type BackupInput struct {
	Type            model.BackupType
	Categories      []string
	EncryptionKeyID string
	Encrypt         *bool
	RetentionDays   int
}

// CreateBackup runs a manual backup and waits for it
func (s *Service) CreateBackup(ctx context.Context, tenantID string, in BackupInput, actor string) (*model.Backup, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	done := s.logger.LogOperationStart(ctx, "create_backup", map[string]interface{}{
		"tenant_id": tenantID,
		"type":      in.Type,
	})
	b, err := s.backups.RunBackup(ctx, backup.Request{
		TenantID:        tenantID,
		Type:            in.Type,
		Trigger:         model.TriggerManual,
		Categories:      in.Categories,
		EncryptionKeyID: in.EncryptionKeyID,
		Encrypt:         in.Encrypt,
		RetentionDays:   in.RetentionDays,
		RequestedBy:     actor,
	})
	done(err)
	return b, err
}

// ListBackups lists the tenant's backups, newest first
func (s *Service) ListBackups(ctx context.Context, tenantID string, f store.BackupFilter) ([]*model.Backup, error) {
	f.TenantID = tenantID
	return store.NewBackupRepo(s.db).List(ctx, f)
}

// GetBackup loads one backup
func (s *Service) GetBackup(ctx context.Context, tenantID, backupID string) (*model.Backup, error) {
	return store.NewBackupRepo(s.db).Get(ctx, tenantID, backupID)
}

// DownloadBackup writes the stored package to w after verifying its checksum
func (s *Service) DownloadBackup(ctx context.Context, tenantID, backupID string, w io.Writer, actor string) (int64, error) {
	b, err := s.completedBackup(ctx, tenantID, backupID)
	if err != nil {
		return 0, err
	}
	return s.backups.Download(ctx, b, w, actor)
}

// VerifyBackup reads the package end to end and returns its manifest
func (s *Service) VerifyBackup(ctx context.Context, tenantID, backupID string) (backup.Manifest, error) {
	b, err := s.completedBackup(ctx, tenantID, backupID)
	if err != nil {
		return backup.Manifest{}, err
	}
	return s.backups.Verify(ctx, b)
}

// DeleteBackup removes the package and soft deletes the backup
func (s *Service) DeleteBackup(ctx context.Context, tenantID, backupID, actor string) error {
	return s.backups.Delete(ctx, tenantID, backupID, actor)
}

// CancelBackup asks a running backup of this process to stop
func (s *Service) CancelBackup(ctx context.Context, tenantID, backupID string) error {
	b, err := s.GetBackup(ctx, tenantID, backupID)
	if err != nil {
		return err
	}
	if !s.backups.Cancel(b.ID) {
		return appErrors.NewConflictError(appErrors.ReasonInvalidState,
			"backup "+b.BackupNumber+" is not running in this process")
	}
	return nil
}

func (s *Service) completedBackup(ctx context.Context, tenantID, backupID string) (*model.Backup, error) {
	b, err := s.GetBackup(ctx, tenantID, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BackupCompleted {
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			"backup "+b.BackupNumber+" is "+string(b.Status))
	}
	return b, nil
}
