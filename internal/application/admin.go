package application

import (
	"context"

	"tenant-backup/internal/model"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/store"
)

// SettingsView is a tenant's settings with its plan and storage usage
type SettingsView struct {
	Settings *model.Settings `json:"settings"`
	Plan     settings.Plan   `json:"plan"`
	Usage    settings.Usage  `json:"usage"`
}

// ListAuditLog returns the tenant's audit trail, newest first
func (s *Service) ListAuditLog(ctx context.Context, tenantID string, f store.AuditFilter) ([]*model.AuditEntry, error) {
	f.TenantID = tenantID
	return s.audit.List(ctx, f)
}

// IssueKey creates an encryption key; the tenant's first key becomes its default
func (s *Service) IssueKey(ctx context.Context, tenantID, name, actor string) (*model.EncryptionKey, error) {
	return s.keys.IssueKey(ctx, tenantID, name, actor)
}

// RotateKey replaces a key with a fresh successor
func (s *Service) RotateKey(ctx context.Context, tenantID, keyID, actor string) (*model.EncryptionKey, error) {
	return s.keys.RotateKey(ctx, tenantID, keyID, actor)
}

// RetireKey destroys a key's material. Backups still encrypted with it
// become unreadable, so acknowledgeDataLoss must be set when any exist.
func (s *Service) RetireKey(ctx context.Context, tenantID, keyID string, acknowledgeDataLoss bool, actor string) error {
	return s.keys.RetireKey(ctx, tenantID, keyID, acknowledgeDataLoss, actor)
}

// ListKeys lists the tenant's keys without their material
func (s *Service) ListKeys(ctx context.Context, tenantID string) ([]*model.EncryptionKey, error) {
	return s.keys.ListKeys(ctx, tenantID)
}

// GetSettings returns the tenant's settings, creating defaults on first use
func (s *Service) GetSettings(ctx context.Context, tenantID string) (*SettingsView, error) {
	row, plan, err := s.settings.Plan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	usage, err := s.settings.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if usage.Warning {
		s.logger.WithTenant(tenantID).WithField("ratio", usage.Ratio).Warn("Tenant storage is close to its quota")
	}
	return &SettingsView{Settings: row, Plan: plan, Usage: usage}, nil
}

// UpdateSettings applies patch and audits the changed fields
func (s *Service) UpdateSettings(ctx context.Context, tenantID string, patch settings.Patch, actor string) (*model.Settings, error) {
	return s.settings.Update(ctx, tenantID, patch, actor)
}
