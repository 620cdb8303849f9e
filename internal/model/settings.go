package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Event names emitted to the notification sink
const (
	EventBackupCompleted  = "backup.completed"
	EventBackupFailed     = "backup.failed"
	EventBackupExpiring   = "backup.expiring"
	EventRestoreStarted   = "restore.started"
	EventRestoreCompleted = "restore.completed"
	EventRestoreFailed    = "restore.failed"
)

// Settings is the per-tenant preferences row, created lazily
type Settings struct {
	bun.BaseModel `bun:"table:backup_settings,alias:bs"`

	TenantID string `bun:"tenant_id,pk" json:"tenant_id"`
	Plan     string `bun:"plan,notnull" json:"plan"`

	NotifyBackupCompleted  bool     `bun:"notify_backup_completed" json:"notify_backup_completed"`
	NotifyBackupFailed     bool     `bun:"notify_backup_failed" json:"notify_backup_failed"`
	NotifyRestoreStarted   bool     `bun:"notify_restore_started" json:"notify_restore_started"`
	NotifyRestoreCompleted bool     `bun:"notify_restore_completed" json:"notify_restore_completed"`
	NotifyRestoreFailed    bool     `bun:"notify_restore_failed" json:"notify_restore_failed"`
	NotifyBackupExpiring   bool     `bun:"notify_backup_expiring" json:"notify_backup_expiring"`
	NotificationEmails     []string `bun:"notification_emails" json:"notification_emails,omitempty"`

	DefaultStorageDisk     string `bun:"default_storage_disk,notnull" json:"default_storage_disk"`
	DefaultRetentionDays   int    `bun:"default_retention_days" json:"default_retention_days"`
	EncryptByDefault       bool   `bun:"encrypt_by_default" json:"encrypt_by_default"`
	DefaultEncryptionKeyID string `bun:"default_encryption_key_id,nullzero" json:"default_encryption_key_id,omitempty"`
	AutoDeleteExpired      bool   `bun:"auto_delete_expired" json:"auto_delete_expired"`

	StorageQuotaBytes int64 `bun:"storage_quota_bytes" json:"storage_quota_bytes"`
	StorageUsedBytes  int64 `bun:"storage_used_bytes" json:"storage_used_bytes"`

	MaxConsecutiveFailures int     `bun:"max_consecutive_failures" json:"max_consecutive_failures"`
	FailureRateThreshold   float64 `bun:"failure_rate_threshold" json:"failure_rate_threshold"`
	RequireRestoreConfirm  bool    `bun:"require_restore_confirmation" json:"require_restore_confirmation"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// NotificationEnabled reports whether the tenant wants the given event
func (s *Settings) NotificationEnabled(event string) bool {
	switch event {
	case EventBackupCompleted:
		return s.NotifyBackupCompleted
	case EventBackupFailed:
		return s.NotifyBackupFailed
	case EventBackupExpiring:
		return s.NotifyBackupExpiring
	case EventRestoreStarted:
		return s.NotifyRestoreStarted
	case EventRestoreCompleted:
		return s.NotifyRestoreCompleted
	case EventRestoreFailed:
		return s.NotifyRestoreFailed
	}
	return false
}

// StorageUsage returns used/quota as a fraction, or 0 when there is no quota
func (s *Settings) StorageUsage() float64 {
	if s.StorageQuotaBytes <= 0 {
		return 0
	}
	return float64(s.StorageUsedBytes) / float64(s.StorageQuotaBytes)
}
