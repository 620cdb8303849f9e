package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Change is the before/after value of one updated attribute
type Change struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// AuditEntry is an immutable audit log row
type AuditEntry struct {
	bun.BaseModel `bun:"table:backup_audit_logs,alias:al"`

	ID          int64                  `bun:"id,pk,autoincrement" json:"id"`
	TenantID    string                 `bun:"tenant_id,notnull" json:"tenant_id"`
	Action      string                 `bun:"action,notnull" json:"action"`
	EntityType  string                 `bun:"entity_type,notnull" json:"entity_type"`
	EntityID    string                 `bun:"entity_id,notnull" json:"entity_id"`
	Actor       string                 `bun:"actor,nullzero" json:"actor,omitempty"`
	Details     map[string]interface{} `bun:"details" json:"details,omitempty"`
	Changes     map[string]Change      `bun:"changes" json:"changes,omitempty"`
	IPAddress   string                 `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent   string                 `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	PerformedAt time.Time              `bun:"performed_at,notnull" json:"performed_at"`
}

// Entity types referenced by audit entries
const (
	EntityBackup   = "backup"
	EntitySchedule = "schedule"
	EntityRestore  = "restore"
	EntityKey      = "encryption_key"
	EntitySettings = "settings"
)
