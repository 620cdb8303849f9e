package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// BackupType selects which categories a backup covers
type BackupType string

const (
	BackupTypeFull      BackupType = "full"
	BackupTypeDataOnly  BackupType = "data_only"
	BackupTypeFilesOnly BackupType = "files_only"
)

// Valid reports whether the backup type is known
func (t BackupType) Valid() bool {
	switch t {
	case BackupTypeFull, BackupTypeDataOnly, BackupTypeFilesOnly:
		return true
	}
	return false
}

// TriggerType records who started a backup
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerScheduled  TriggerType = "scheduled"
	TriggerPreRestore TriggerType = "pre_restore"
)

// Valid reports whether the trigger is known
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerPreRestore:
		return true
	}
	return false
}

// Class groups triggers that must not run concurrently for the same tenant.
// Safety backups get their own class so a restore is never blocked by a
// regular backup that happens to be running.
func (t TriggerType) Class() string {
	if t == TriggerPreRestore {
		return "pre_restore"
	}
	return "regular"
}

// TriggersInClass returns the triggers sharing the given class
func TriggersInClass(class string) []TriggerType {
	if class == "pre_restore" {
		return []TriggerType{TriggerPreRestore}
	}
	return []TriggerType{TriggerManual, TriggerScheduled}
}

// BackupStatus is the backup state machine
type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupProcessing BackupStatus = "processing"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupExpired    BackupStatus = "expired"
)

// CanTransitionTo validates backup state transitions
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	switch s {
	case BackupPending:
		return next == BackupProcessing || next == BackupFailed
	case BackupProcessing:
		return next == BackupCompleted || next == BackupFailed
	case BackupCompleted:
		return next == BackupExpired
	}
	return false
}

// CategorySummary is the operator-facing description of one category in a backup.
// It carries no schema details.
type CategorySummary struct {
	Label       string `json:"label"`
	Collections int    `json:"collection_count"`
	RecordCount int64  `json:"record_count"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Summary maps category names to their summaries
type Summary map[string]CategorySummary

// TotalRecords sums record counts over all categories
func (s Summary) TotalRecords() int64 {
	var total int64
	for _, c := range s {
		total += c.RecordCount
	}
	return total
}

// Categories returns the summarized categories in sorted order
func (s Summary) Categories() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backup is a single snapshot of a tenant
type Backup struct {
	bun.BaseModel `bun:"table:backups,alias:b"`

	ID              string         `bun:"id,pk" json:"id"`
	TenantID        string         `bun:"tenant_id,notnull" json:"tenant_id"`
	BackupNumber    string         `bun:"backup_number,notnull" json:"backup_number"`
	Type            BackupType     `bun:"backup_type,notnull" json:"type"`
	Trigger         TriggerType    `bun:"trigger_type,notnull" json:"trigger"`
	Status          BackupStatus   `bun:"status,notnull" json:"status"`
	StatusMessage   string         `bun:"status_message,nullzero" json:"status_message,omitempty"`
	FailureReason   string         `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	ProgressPercent int            `bun:"progress_percent" json:"progress_percent"`
	StorageDisk     string         `bun:"storage_disk,nullzero" json:"storage_disk,omitempty"`
	FilePath        string         `bun:"file_path,nullzero" json:"file_path,omitempty"`
	FileSizeBytes   int64          `bun:"file_size_bytes" json:"file_size_bytes"`
	ChecksumSHA256  string         `bun:"checksum_sha256,nullzero" json:"checksum_sha256,omitempty"`
	Compression     string         `bun:"compression,nullzero" json:"compression,omitempty"`
	IsEncrypted     bool           `bun:"is_encrypted" json:"is_encrypted"`
	EncryptionKeyID string         `bun:"encryption_key_id,nullzero" json:"encryption_key_id,omitempty"`
	Summary         Summary        `bun:"summary" json:"summary,omitempty"`
	SchemaSnapshot  SchemaSnapshot `bun:"schema_snapshot" json:"-"`
	BackupVersion   string         `bun:"backup_version,nullzero" json:"backup_version,omitempty"`
	ScheduleID      string         `bun:"schedule_id,nullzero" json:"schedule_id,omitempty"`
	RestoreID       string         `bun:"restore_id,nullzero" json:"restore_id,omitempty"`
	RequestedBy     string         `bun:"requested_by,nullzero" json:"requested_by,omitempty"`
	DownloadCount   int            `bun:"download_count" json:"download_count"`

	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
	StartedAt      time.Time `bun:"started_at,nullzero" json:"started_at,omitempty"`
	CompletedAt    time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	ExpiresAt      time.Time `bun:"expires_at,nullzero" json:"expires_at,omitempty"`
	ExpiryWarnedAt time.Time `bun:"expiry_warned_at,nullzero" json:"-"`
	DownloadedAt   time.Time `bun:"downloaded_at,nullzero" json:"downloaded_at,omitempty"`
	DeletedAt      time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// IsTerminal reports whether the backup will not change status on its own
func (b *Backup) IsTerminal() bool {
	return b.Status == BackupCompleted || b.Status == BackupFailed || b.Status == BackupExpired
}

// Restorable reports whether the backup can serve as a restore source
func (b *Backup) Restorable() bool {
	return b.Status == BackupCompleted && b.FilePath != ""
}

// FormatBackupNumber renders the human readable backup code
func FormatBackupNumber(year, seq int) string {
	return fmt.Sprintf("BKUP-%d-%03d", year, seq)
}

// FormatRestoreNumber renders the human readable restore code
func FormatRestoreNumber(year, seq int) string {
	return fmt.Sprintf("RSTR-%d-%03d", year, seq)
}
