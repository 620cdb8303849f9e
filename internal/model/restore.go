package model

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// RestoreType selects how much of a tenant a restore touches
type RestoreType string

const (
	RestoreFull      RestoreType = "full"
	RestoreSelective RestoreType = "selective"
	RestoreMerge     RestoreType = "merge"
)

// Valid reports whether the restore type is known
func (t RestoreType) Valid() bool {
	switch t {
	case RestoreFull, RestoreSelective, RestoreMerge:
		return true
	}
	return false
}

// ConflictMode governs records that already exist live
type ConflictMode string

const (
	ConflictSkip    ConflictMode = "skip"
	ConflictReplace ConflictMode = "replace"
	ConflictMerge   ConflictMode = "merge"
	ConflictAsk     ConflictMode = "ask"
)

// Valid reports whether the conflict mode is known
func (m ConflictMode) Valid() bool {
	switch m {
	case ConflictSkip, ConflictReplace, ConflictMerge, ConflictAsk:
		return true
	}
	return false
}

// RestoreStatus is the restore state machine
type RestoreStatus string

const (
	RestorePending              RestoreStatus = "pending"
	RestoreAnalyzing            RestoreStatus = "analyzing"
	RestoreAwaitingConfirmation RestoreStatus = "awaiting_confirmation"
	RestoreAwaitingResolution   RestoreStatus = "awaiting_resolution"
	RestoreProcessing           RestoreStatus = "processing"
	RestoreCompleted            RestoreStatus = "completed"
	RestoreFailed               RestoreStatus = "failed"
	RestoreRolledBack           RestoreStatus = "rolled_back"
)

var restoreTransitions = map[RestoreStatus][]RestoreStatus{
	RestorePending:              {RestoreAnalyzing, RestoreFailed},
	RestoreAnalyzing:            {RestoreAwaitingConfirmation, RestoreProcessing, RestoreFailed},
	RestoreAwaitingConfirmation: {RestoreProcessing, RestoreFailed},
	RestoreAwaitingResolution:   {RestoreProcessing, RestoreFailed},
	RestoreProcessing:           {RestoreCompleted, RestoreFailed, RestoreAwaitingResolution},
	RestoreCompleted:            {RestoreRolledBack},
	RestoreFailed:               {RestoreRolledBack},
}

// CanTransitionTo validates restore state transitions
func (s RestoreStatus) CanTransitionTo(next RestoreStatus) bool {
	for _, allowed := range restoreTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Compatibility classifies a backed-up category against the live schema
type Compatibility string

const (
	Compatible          Compatibility = "compatible"
	PartiallyCompatible Compatibility = "partially_compatible"
	Incompatible        Compatibility = "incompatible"
)

// CategoryReconciliation is the verdict for one category
type CategoryReconciliation struct {
	Category           string        `json:"category"`
	Status             Compatibility `json:"status"`
	SkippedFields      []string      `json:"skipped_fields,omitempty"`
	ChangedFields      []string      `json:"changed_fields,omitempty"`
	MissingCollections []string      `json:"missing_collections,omitempty"`
	Reason             string        `json:"reason,omitempty"`
}

// ReconciliationReport compares a backup's schema snapshot with the live schema
type ReconciliationReport struct {
	SnapshotMissing bool                     `json:"snapshot_missing"`
	Categories      []CategoryReconciliation `json:"categories"`
}

// Lookup returns the verdict for a category
func (r *ReconciliationReport) Lookup(category string) (CategoryReconciliation, bool) {
	if r == nil {
		return CategoryReconciliation{}, false
	}
	for _, c := range r.Categories {
		if c.Category == category {
			return c, true
		}
	}
	return CategoryReconciliation{}, false
}

// Incompatible lists categories that cannot be restored
func (r *ReconciliationReport) Incompatible() []string {
	var out []string
	if r == nil {
		return out
	}
	for _, c := range r.Categories {
		if c.Status == Incompatible {
			out = append(out, c.Category)
		}
	}
	return out
}

// Touches reports whether any of the given categories has the given status
func (r *ReconciliationReport) Touches(categories []string, status Compatibility) bool {
	for _, name := range categories {
		if c, ok := r.Lookup(name); ok && c.Status == status {
			return true
		}
	}
	return false
}

// Conflict is an existing live record that differs from its snapshot under ask mode
type Conflict struct {
	Category   string                 `json:"category"`
	Collection string                 `json:"collection"`
	RecordID   string                 `json:"record_id"`
	Live       map[string]interface{} `json:"live"`
	Snapshot   map[string]interface{} `json:"snapshot"`
}

// Key identifies the conflicting record
func (c Conflict) Key() string {
	return ConflictKey(c.Category, c.Collection, c.RecordID)
}

// ConflictKey builds the resolution key for a record
func ConflictKey(category, collection, recordID string) string {
	return fmt.Sprintf("%s/%s/%s", category, collection, recordID)
}

// CategoryOutcome is the terminal state of one category within a restore
type CategoryOutcome string

const (
	CategoryRestored     CategoryOutcome = "restored"
	CategoryFailed       CategoryOutcome = "failed"
	CategoryIncompatible CategoryOutcome = "skipped_incompatible"
	CategoryNotAttempted CategoryOutcome = "not_attempted"
)

// CategoryResult counts what happened to one category
type CategoryResult struct {
	Category      string          `json:"category"`
	Outcome       CategoryOutcome `json:"outcome"`
	Inserted      int64           `json:"inserted"`
	Replaced      int64           `json:"replaced"`
	Merged        int64           `json:"merged"`
	Skipped       int64           `json:"skipped"`
	Unchanged     int64           `json:"unchanged"`
	Conflicts     int64           `json:"conflicts"`
	Errors        int64           `json:"errors"`
	SkippedFields []string        `json:"skipped_fields,omitempty"`
}

// Attempted counts records the engine tried to apply
func (c CategoryResult) Attempted() int64 {
	return c.Inserted + c.Replaced + c.Merged + c.Skipped + c.Unchanged + c.Conflicts + c.Errors
}

// RecordError is a single record that failed to apply
type RecordError struct {
	Category   string `json:"category"`
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`
	Message    string `json:"message"`
}

// ExecutionReport is what a restore did
type ExecutionReport struct {
	SafetyBackupID          string           `json:"safety_backup_id,omitempty"`
	SafetyBackupCompletedAt time.Time        `json:"safety_backup_completed_at,omitempty"`
	FirstMutationAt         time.Time        `json:"first_mutation_at,omitempty"`
	StartedAt               time.Time        `json:"started_at"`
	FinishedAt              time.Time        `json:"finished_at,omitempty"`
	Categories              []CategoryResult `json:"categories"`
	Errors                  []RecordError    `json:"errors,omitempty"`
	FailureRate             float64          `json:"failure_rate"`
	Cancelled               bool             `json:"cancelled,omitempty"`
	FailureMessage          string           `json:"failure_message,omitempty"`
}

// Restored lists categories that finished
func (r *ExecutionReport) Restored() []string {
	return r.withOutcome(CategoryRestored)
}

// NotAttempted lists categories the restore never reached
func (r *ExecutionReport) NotAttempted() []string {
	return r.withOutcome(CategoryNotAttempted)
}

func (r *ExecutionReport) withOutcome(outcome CategoryOutcome) []string {
	var out []string
	for _, c := range r.Categories {
		if c.Outcome == outcome {
			out = append(out, c.Category)
		}
	}
	return out
}

// Totals sums the per-category counters
func (r *ExecutionReport) Totals() CategoryResult {
	var t CategoryResult
	for _, c := range r.Categories {
		t.Inserted += c.Inserted
		t.Replaced += c.Replaced
		t.Merged += c.Merged
		t.Skipped += c.Skipped
		t.Unchanged += c.Unchanged
		t.Conflicts += c.Conflicts
		t.Errors += c.Errors
	}
	return t
}

// Restore is a single restore operation
type Restore struct {
	bun.BaseModel `bun:"table:backup_restores,alias:r"`

	ID                   string                  `bun:"id,pk" json:"id"`
	TenantID             string                  `bun:"tenant_id,notnull" json:"tenant_id"`
	RestoreNumber        string                  `bun:"restore_number,notnull" json:"restore_number"`
	BackupID             string                  `bun:"backup_id,nullzero" json:"backup_id,omitempty"`
	SourceLocation       string                  `bun:"source_location,nullzero" json:"source_location,omitempty"`
	Type                 RestoreType             `bun:"restore_type,notnull" json:"type"`
	ConflictMode         ConflictMode            `bun:"conflict_mode,notnull" json:"conflict_mode"`
	SelectedCategories   []string                `bun:"selected_categories" json:"selected_categories,omitempty"`
	Status               RestoreStatus           `bun:"status,notnull" json:"status"`
	StatusMessage        string                  `bun:"status_message,nullzero" json:"status_message,omitempty"`
	FailureReason        string                  `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	SafetyBackupID       string                  `bun:"safety_backup_id,nullzero" json:"safety_backup_id,omitempty"`
	Report               *ReconciliationReport   `bun:"reconciliation_report" json:"reconciliation_report,omitempty"`
	Conflicts            []Conflict              `bun:"conflicts" json:"conflicts,omitempty"`
	ConflictResolutions  map[string]ConflictMode `bun:"conflict_resolutions" json:"conflict_resolutions,omitempty"`
	Execution            *ExecutionReport        `bun:"execution_report" json:"execution_report,omitempty"`
	CanRollback          bool                    `bun:"can_rollback" json:"can_rollback"`
	RolledBackBy         string                  `bun:"rolled_back_by,nullzero" json:"rolled_back_by,omitempty"`
	RollbackRestoreID    string                  `bun:"rollback_restore_id,nullzero" json:"rollback_restore_id,omitempty"`
	RollbackOf           string                  `bun:"rollback_of,nullzero" json:"rollback_of,omitempty"`
	RequestedBy          string                  `bun:"requested_by,nullzero" json:"requested_by,omitempty"`
	ConfirmationMethod   string                  `bun:"confirmation_method,nullzero" json:"confirmation_method,omitempty"`
	ConfirmationCodeHash string                  `bun:"confirmation_code_hash,nullzero" json:"-"`
	ConfirmedBy          string                  `bun:"confirmed_by,nullzero" json:"confirmed_by,omitempty"`

	ConfirmationExpiresAt time.Time `bun:"confirmation_expires_at,nullzero" json:"confirmation_expires_at,omitempty"`
	ConfirmedAt           time.Time `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	RollbackExpiresAt     time.Time `bun:"rollback_expires_at,nullzero" json:"rollback_expires_at,omitempty"`
	RolledBackAt          time.Time `bun:"rolled_back_at,nullzero" json:"rolled_back_at,omitempty"`
	StartedAt             time.Time `bun:"started_at,nullzero" json:"started_at,omitempty"`
	CompletedAt           time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	CreatedAt             time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt             time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// RollbackOpen reports whether the rollback window is open at now.
// The window is closed the instant now reaches rollback_expires_at.
func (r *Restore) RollbackOpen(now time.Time) bool {
	return r.CanRollback && !r.RollbackExpiresAt.IsZero() && now.Before(r.RollbackExpiresAt)
}

// IsTerminal reports whether the restore reached a final state
func (r *Restore) IsTerminal() bool {
	switch r.Status {
	case RestoreCompleted, RestoreFailed, RestoreRolledBack:
		return true
	}
	return false
}

// Selects reports whether a category is part of this restore
func (r *Restore) Selects(category string) bool {
	if r.Type == RestoreFull || len(r.SelectedCategories) == 0 {
		return true
	}
	for _, c := range r.SelectedCategories {
		if c == category {
			return true
		}
	}
	return false
}
