package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Frequency is how often a schedule fires
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether the frequency is known
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Schedule is a recurring trigger for backups
type Schedule struct {
	bun.BaseModel `bun:"table:backup_schedules,alias:s"`

	ID                  string     `bun:"id,pk" json:"id"`
	TenantID            string     `bun:"tenant_id,notnull" json:"tenant_id"`
	Name                string     `bun:"name" json:"name"`
	IsActive            bool       `bun:"is_active" json:"is_active"`
	Frequency           Frequency  `bun:"frequency,notnull" json:"frequency"`
	BackupType          BackupType `bun:"backup_type,notnull" json:"backup_type"`
	Categories          []string   `bun:"categories" json:"categories,omitempty"`
	PreferredTime       string     `bun:"preferred_time,notnull" json:"preferred_time"`
	PreferredDay        *int       `bun:"preferred_day" json:"preferred_day,omitempty"`
	Timezone            string     `bun:"timezone,notnull" json:"timezone"`
	RetentionDays       int        `bun:"retention_days" json:"retention_days"`
	MaxBackups          int        `bun:"max_backups" json:"max_backups"`
	Encrypt             bool       `bun:"encrypt" json:"encrypt"`
	LastBackupID        string     `bun:"last_backup_id,nullzero" json:"last_backup_id,omitempty"`
	ConsecutiveFailures int        `bun:"consecutive_failures" json:"consecutive_failures"`
	LastError           string     `bun:"last_error,nullzero" json:"last_error,omitempty"`
	CreatedBy           string     `bun:"created_by,nullzero" json:"created_by,omitempty"`

	LastRunAt time.Time `bun:"last_run_at,nullzero" json:"last_run_at,omitempty"`
	NextRunAt time.Time `bun:"next_run_at,nullzero" json:"next_run_at,omitempty"`
	PausedAt  time.Time `bun:"paused_at,nullzero" json:"paused_at,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
	DeletedAt time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// Day returns the preferred day, or fallback when unset
func (s *Schedule) Day(fallback int) int {
	if s.PreferredDay == nil {
		return fallback
	}
	return *s.PreferredDay
}

// ScheduleDispatch is the ledger row that makes dispatch idempotent per
// (schedule, intended run time).
type ScheduleDispatch struct {
	bun.BaseModel `bun:"table:schedule_dispatches,alias:sd"`

	ID           int64     `bun:"id,pk,autoincrement"`
	ScheduleID   string    `bun:"schedule_id,notnull"`
	TenantID     string    `bun:"tenant_id,notnull"`
	RunAt        time.Time `bun:"run_at,notnull"`
	DispatchedAt time.Time `bun:"dispatched_at,notnull"`
	BackupID     string    `bun:"backup_id,nullzero"`
	Attempts     int       `bun:"attempts"`
}
