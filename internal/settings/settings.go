// Package settings owns the per-tenant settings row and the plan limits
// derived from it. Rows are created lazily with configured defaults.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
)

// Defaults seed new settings rows
type Defaults struct {
	Plan                   string
	StorageDisk            string
	RetentionDays          int
	MaxConsecutiveFailures int
	FailureRateThreshold   float64
	AutoDeleteExpired      bool
	StorageWarningRatio    float64
}

// DefaultsFromConfig builds Defaults from loaded configuration
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		Plan:                   cfg.Plans.Default,
		StorageDisk:            cfg.Storage.Provider,
		RetentionDays:          cfg.Retention.DefaultDays,
		MaxConsecutiveFailures: cfg.Retention.MaxConsecutiveFailures,
		FailureRateThreshold:   cfg.Retention.FailureRateThreshold,
		AutoDeleteExpired:      cfg.Retention.AutoDeleteExpired,
		StorageWarningRatio:    cfg.Retention.StorageWarningRatio,
	}
}

// Patch is a partial settings update; nil fields are left alone
type Patch struct {
	Plan                   *string
	NotifyBackupCompleted  *bool
	NotifyBackupFailed     *bool
	NotifyRestoreStarted   *bool
	NotifyRestoreCompleted *bool
	NotifyRestoreFailed    *bool
	NotifyBackupExpiring   *bool
	NotificationEmails     *[]string
	DefaultStorageDisk     *string
	DefaultRetentionDays   *int
	EncryptByDefault       *bool
	DefaultEncryptionKeyID *string
	AutoDeleteExpired      *bool
	StorageQuotaBytes      *int64
	MaxConsecutiveFailures *int
	FailureRateThreshold   *float64
	RequireRestoreConfirm  *bool
}

// Usage is the tenant's storage consumption against its quota
type Usage struct {
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	Ratio      float64 `json:"ratio"`
	Warning    bool    `json:"warning"`
}

// Service reads and updates tenant settings
type Service struct {
	db       bun.IDB
	defaults Defaults
	clock    clock.Clock
	audit    *audit.Logger
	logger   *logging.Logger
}

// NewService creates the settings service
func NewService(db bun.IDB, defaults Defaults, clk clock.Clock, auditLogger *audit.Logger, logger *logging.Logger) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if defaults.Plan == "" {
		defaults.Plan = "free"
	}
	return &Service{db: db, defaults: defaults, clock: clk, audit: auditLogger, logger: logger}
}

// Get returns the tenant's settings, creating the row on first use
func (s *Service) Get(ctx context.Context, tenantID string) (*model.Settings, error) {
	if tenantID == "" {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "tenant is required")
	}
	repo := store.NewSettingsRepo(s.db)
	row, err := repo.Get(ctx, tenantID)
	if err == nil {
		return row, nil
	}
	if !appErrors.IsNotFound(err) {
		return nil, err
	}

	if err := repo.Create(ctx, s.newRow(tenantID)); err != nil {
		return nil, err
	}
	return repo.Get(ctx, tenantID)
}

func (s *Service) newRow(tenantID string) *model.Settings {
	now := s.clock.Now().UTC()
	return &model.Settings{
		TenantID:               tenantID,
		Plan:                   s.defaults.Plan,
		NotifyBackupCompleted:  true,
		NotifyBackupFailed:     true,
		NotifyRestoreStarted:   true,
		NotifyRestoreCompleted: true,
		NotifyRestoreFailed:    true,
		NotifyBackupExpiring:   true,
		DefaultStorageDisk:     s.defaults.StorageDisk,
		DefaultRetentionDays:   s.defaults.RetentionDays,
		AutoDeleteExpired:      s.defaults.AutoDeleteExpired,
		MaxConsecutiveFailures: s.defaults.MaxConsecutiveFailures,
		FailureRateThreshold:   s.defaults.FailureRateThreshold,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Plan returns the tenant's settings together with its plan
func (s *Service) Plan(ctx context.Context, tenantID string) (*model.Settings, Plan, error) {
	row, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, Plan{}, err
	}
	plan, err := LookupPlan(row.Plan)
	if err != nil {
		return nil, Plan{}, err
	}
	return row, plan, nil
}

// Update applies a patch, validates the result and audits the diff
func (s *Service) Update(ctx context.Context, tenantID string, patch Patch, actor string) (*model.Settings, error) {
	current, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	before := snapshot(current)
	next := *current
	apply(&next, patch)

	if err := s.validate(ctx, &next); err != nil {
		return nil, err
	}

	changes := audit.Diff(before, snapshot(&next))
	if len(changes) == 0 {
		return current, nil
	}
	next.UpdatedAt = s.clock.Now().UTC()

	err = store.RunInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewSettingsRepo(tx).Update(ctx, &next); err != nil {
			return err
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			TenantID:   tenantID,
			Action:     "settings.updated",
			EntityType: model.EntitySettings,
			EntityID:   tenantID,
			Actor:      actor,
			Changes:    changes,
		})
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func apply(s *model.Settings, p Patch) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}

	setString(&s.Plan, p.Plan)
	setBool(&s.NotifyBackupCompleted, p.NotifyBackupCompleted)
	setBool(&s.NotifyBackupFailed, p.NotifyBackupFailed)
	setBool(&s.NotifyRestoreStarted, p.NotifyRestoreStarted)
	setBool(&s.NotifyRestoreCompleted, p.NotifyRestoreCompleted)
	setBool(&s.NotifyRestoreFailed, p.NotifyRestoreFailed)
	setBool(&s.NotifyBackupExpiring, p.NotifyBackupExpiring)
	if p.NotificationEmails != nil {
		s.NotificationEmails = append([]string(nil), (*p.NotificationEmails)...)
	}
	setString(&s.DefaultStorageDisk, p.DefaultStorageDisk)
	if p.DefaultRetentionDays != nil {
		s.DefaultRetentionDays = *p.DefaultRetentionDays
	}
	setBool(&s.EncryptByDefault, p.EncryptByDefault)
	setString(&s.DefaultEncryptionKeyID, p.DefaultEncryptionKeyID)
	setBool(&s.AutoDeleteExpired, p.AutoDeleteExpired)
	if p.StorageQuotaBytes != nil {
		s.StorageQuotaBytes = *p.StorageQuotaBytes
	}
	if p.MaxConsecutiveFailures != nil {
		s.MaxConsecutiveFailures = *p.MaxConsecutiveFailures
	}
	if p.FailureRateThreshold != nil {
		s.FailureRateThreshold = *p.FailureRateThreshold
	}
	setBool(&s.RequireRestoreConfirm, p.RequireRestoreConfirm)
}

func (s *Service) validate(ctx context.Context, row *model.Settings) error {
	var errs appErrors.ValidationErrors

	plan, err := LookupPlan(row.Plan)
	if err != nil {
		errs.Add("plan", fmt.Sprintf("must be one of %s", strings.Join(PlanNames(), ", ")))
	}
	if err == nil && !plan.AllowsStorage(row.DefaultStorageDisk) {
		errs.Add("default_storage_disk", fmt.Sprintf("%q is not available on the %s plan", row.DefaultStorageDisk, plan.Name))
	}
	if row.DefaultRetentionDays < 1 {
		errs.Add("default_retention_days", "must be at least 1")
	}
	if row.MaxConsecutiveFailures < 1 {
		errs.Add("max_consecutive_failures", "must be at least 1")
	}
	if row.FailureRateThreshold <= 0 || row.FailureRateThreshold > 1 {
		errs.Add("failure_rate_threshold", "must be in (0, 1]")
	}
	if row.StorageQuotaBytes < 0 {
		errs.Add("storage_quota_bytes", "must not be negative")
	}
	for _, email := range row.NotificationEmails {
		if !strings.Contains(email, "@") {
			errs.Add("notification_emails", fmt.Sprintf("%q is not an e-mail address", email))
		}
	}
	if row.EncryptByDefault && err == nil && !plan.EncryptionAvailable {
		errs.Add("encrypt_by_default", fmt.Sprintf("encryption is not available on the %s plan", plan.Name))
	}
	if row.DefaultEncryptionKeyID != "" {
		key, keyErr := store.NewKeyRepo(s.db).Get(ctx, row.TenantID, row.DefaultEncryptionKeyID)
		switch {
		case appErrors.IsNotFound(keyErr):
			errs.Add("default_encryption_key_id", "key does not exist")
		case keyErr != nil:
			return keyErr
		case !key.IsActive:
			errs.Add("default_encryption_key_id", "key is not active")
		}
	}

	if errs.HasErrors() {
		return errs.AsError()
	}
	return nil
}

// snapshot flattens settings into comparable attributes for audit diffs
func snapshot(s *model.Settings) map[string]interface{} {
	data, _ := json.Marshal(s)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	delete(out, "created_at")
	delete(out, "updated_at")
	delete(out, "storage_used_bytes")
	return out
}

// AddUsage adjusts stored bytes after a backup completes or is deleted
func (s *Service) AddUsage(ctx context.Context, db bun.IDB, tenantID string, delta int64) error {
	if db == nil {
		db = s.db
	}
	if _, err := s.Get(ctx, tenantID); err != nil {
		return err
	}
	if err := store.NewSettingsRepo(db).AddUsage(ctx, tenantID, delta, s.clock.Now()); err != nil {
		return err
	}
	if delta > 0 {
		if usage, err := s.Usage(ctx, tenantID); err == nil && usage.Warning {
			s.logger.WithTenant(tenantID).WithField("ratio", usage.Ratio).
				Warn("Tenant storage usage is above the warning threshold")
		}
	}
	return nil
}

// Usage reports storage consumption against the quota
func (s *Service) Usage(ctx context.Context, tenantID string) (Usage, error) {
	row, err := s.Get(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	ratio := row.StorageUsage()
	return Usage{
		UsedBytes:  row.StorageUsedBytes,
		QuotaBytes: row.StorageQuotaBytes,
		Ratio:      ratio,
		Warning:    row.StorageQuotaBytes > 0 && ratio >= s.defaults.StorageWarningRatio,
	}, nil
}

// QuotaExceeded reports whether the tenant has no storage left
func QuotaExceeded(row *model.Settings) bool {
	return row.StorageQuotaBytes > 0 && row.StorageUsedBytes >= row.StorageQuotaBytes
}
