// Package keys manages tenant encryption keys. Metadata lives in the store and
// material lives in the secret store; the two are tied by key id.
package keys

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/secrets"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/store"
)

// Manager issues, rotates and retires keys
type Manager struct {
	db       bun.IDB
	secrets  secrets.Store
	settings *settings.Service
	audit    *audit.Logger
	clock    clock.Clock
	logger   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a key manager. settings may be nil to skip plan checks.
func NewManager(db bun.IDB, secretStore secrets.Store, settingsSvc *settings.Service, auditLogger *audit.Logger, clk clock.Clock, logger *logging.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		db:       db,
		secrets:  secretStore,
		settings: settingsSvc,
		audit:    auditLogger,
		clock:    clk,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// tenantLock serializes key changes of one tenant inside this process
func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

func (m *Manager) checkPlan(ctx context.Context, tenantID string, additional bool) error {
	if m.settings == nil {
		return nil
	}
	_, plan, err := m.settings.Plan(ctx, tenantID)
	if err != nil {
		return err
	}
	if !plan.EncryptionAvailable {
		return appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("encryption is not available on the %s plan", plan.Name))
	}
	if additional && !plan.CustomKeys {
		return appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("additional keys are not available on the %s plan", plan.Name))
	}
	return nil
}

// IssueKey creates a key. The tenant's first key becomes its default.
func (m *Manager) IssueKey(ctx context.Context, tenantID, name, actor string) (*model.EncryptionKey, error) {
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "tenant and key name are required")
	}

	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	repo := store.NewKeyRepo(m.db)
	existing, err := repo.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	hasActive := false
	for _, k := range existing {
		if k.IsActive {
			hasActive = true
			break
		}
	}
	if err := m.checkPlan(ctx, tenantID, hasActive); err != nil {
		return nil, err
	}

	key, err := m.newKey(ctx, tenantID, name, actor)
	if err != nil {
		return nil, err
	}

	err = store.RunInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		repo := store.NewKeyRepo(tx)
		if err := repo.Insert(ctx, key); err != nil {
			return err
		}
		isDefault, err := repo.SetDefault(ctx, tenantID, key.ID)
		if err != nil {
			return err
		}
		key.IsDefault = isDefault
		return m.record(ctx, tx, key, "key.issued", actor, map[string]interface{}{
			"name":       key.Name,
			"is_default": key.IsDefault,
		})
	})
	if err != nil {
		_ = m.secrets.Destroy(ctx, key.ID)
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"key_id":    key.ID,
		"default":   key.IsDefault,
	}).Info("Encryption key issued")
	return key, nil
}

// newKey generates and stores material for a key row that is not yet persisted
func (m *Manager) newKey(ctx context.Context, tenantID, name, actor string) (*model.EncryptionKey, error) {
	material, err := m.secrets.GenerateKey()
	if err != nil {
		return nil, err
	}
	key := &model.EncryptionKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   secrets.Fingerprint(material),
		Algorithm: model.KeyAlgorithm,
		IsActive:  true,
		CreatedBy: actor,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.secrets.Save(ctx, key.ID, material); err != nil {
		return nil, err
	}
	return key, nil
}

// RotateKey replaces an active key with a fresh successor. The successor
// inherits the default flag. Of two concurrent rotations of the same key
// exactly one succeeds; the other gets a conflict.
func (m *Manager) RotateKey(ctx context.Context, tenantID, oldKeyID, actor string) (*model.EncryptionKey, error) {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	old, err := store.NewKeyRepo(m.db).Get(ctx, tenantID, oldKeyID)
	if err != nil {
		return nil, err
	}
	if !old.IsActive {
		return nil, appErrors.NewConflictError(appErrors.ReasonKeyNotActive,
			fmt.Sprintf("key %s is not active", old.ID))
	}
	if err := m.checkPlan(ctx, tenantID, false); err != nil {
		return nil, err
	}

	successor, err := m.newKey(ctx, tenantID, old.Name, actor)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()

	err = store.RunInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		repo := store.NewKeyRepo(tx)
		ok, err := repo.Deactivate(ctx, old.ID, actor, now)
		if err != nil {
			return err
		}
		if !ok {
			return appErrors.NewConflictError(appErrors.ReasonKeyNotActive,
				fmt.Sprintf("key %s was rotated concurrently", old.ID))
		}
		if old.IsDefault {
			cleared, err := repo.ClearDefault(ctx, old.ID)
			if err != nil {
				return err
			}
			if !cleared {
				return appErrors.NewConflictError(appErrors.ReasonDefaultKeyRace,
					"the default key changed during rotation")
			}
			successor.IsDefault = true
		}
		if err := repo.Insert(ctx, successor); err != nil {
			return err
		}

		old.SuccessorID = successor.ID
		if err := repo.Update(ctx, old, "successor_id"); err != nil {
			return err
		}
		return m.record(ctx, tx, old, "key.rotated", actor, map[string]interface{}{
			"successor_id": successor.ID,
			"was_default":  old.IsDefault,
		})
	})
	if err != nil {
		_ = m.secrets.Destroy(ctx, successor.ID)
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"tenant_id":    tenantID,
		"key_id":       old.ID,
		"successor_id": successor.ID,
	}).Info("Encryption key rotated")
	return successor, nil
}

// RetireKey marks a key retired and destroys its material. Keys still
// referenced by live backups are refused unless data loss is acknowledged.
func (m *Manager) RetireKey(ctx context.Context, tenantID, keyID string, acknowledgeDataLoss bool, actor string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	key, err := store.NewKeyRepo(m.db).Get(ctx, tenantID, keyID)
	if err != nil {
		return err
	}
	if key.Retired() {
		return appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("key %s is already retired", key.ID))
	}

	refs, err := store.NewBackupRepo(m.db).CountReferencingKey(ctx, key.ID)
	if err != nil {
		return err
	}
	if refs > 0 && !acknowledgeDataLoss {
		return appErrors.NewConflictError(appErrors.ReasonKeyInUse,
			fmt.Sprintf("key %s still encrypts %d backup(s)", key.ID, refs)).
			WithContext("backups", refs)
	}

	now := m.clock.Now().UTC()
	err = store.RunInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		key.IsActive = false
		key.IsDefault = false
		key.RetiredAt = now
		if key.RotatedAt.IsZero() {
			key.RotatedAt = now
			key.RotatedBy = actor
		}
		if err := store.NewKeyRepo(tx).Update(ctx, key, "is_active", "is_default", "retired_at", "rotated_at", "rotated_by"); err != nil {
			return err
		}
		return m.record(ctx, tx, key, "key.retired", actor, map[string]interface{}{
			"referencing_backups":    refs,
			"acknowledged_data_loss": acknowledgeDataLoss,
		})
	})
	if err != nil {
		return err
	}

	if err := m.secrets.Destroy(ctx, key.ID); err != nil {
		m.logger.WithTenant(tenantID).WithField("key_id", key.ID).WithError(err).
			Error("Key retired but its material could not be destroyed")
		return err
	}
	if refs > 0 {
		m.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
			"key_id":  key.ID,
			"backups": refs,
		}).Warn("Retired a key that still encrypts backups")
	}
	return nil
}

// DefaultKey returns the tenant's default key
func (m *Manager) DefaultKey(ctx context.Context, tenantID string) (*model.EncryptionKey, error) {
	return store.NewKeyRepo(m.db).GetDefault(ctx, tenantID)
}

// ListKeys returns every key of the tenant, retired ones included
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*model.EncryptionKey, error) {
	return store.NewKeyRepo(m.db).List(ctx, tenantID)
}

// Material returns key material. Rotated keys still decrypt; retired keys do not.
func (m *Manager) Material(ctx context.Context, tenantID, keyID string) ([]byte, error) {
	key, err := store.NewKeyRepo(m.db).Get(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}
	if key.Retired() {
		return nil, appErrors.NewIntegrityError(appErrors.ReasonKeyNotActive,
			fmt.Sprintf("key %s was retired and its material destroyed", key.ID), nil)
	}
	material, err := m.secrets.Load(ctx, key.ID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewIntegrityError(appErrors.ReasonSecretsUnavailable,
				fmt.Sprintf("material for key %s is missing", key.ID), err)
		}
		return nil, err
	}
	if secrets.Fingerprint(material) != key.KeyHash {
		return nil, appErrors.NewIntegrityError(appErrors.ReasonChecksumMismatch,
			fmt.Sprintf("material for key %s does not match its fingerprint", key.ID), nil)
	}
	return material, nil
}

// ForEncryption resolves the key a new backup should be sealed with. An empty
// keyID selects the tenant's default.
func (m *Manager) ForEncryption(ctx context.Context, tenantID, keyID string) (*model.EncryptionKey, []byte, error) {
	var (
		key *model.EncryptionKey
		err error
	)
	repo := store.NewKeyRepo(m.db)
	if keyID == "" {
		key, err = repo.GetDefault(ctx, tenantID)
		if appErrors.IsNotFound(err) {
			return nil, nil, appErrors.NewValidationError(appErrors.ReasonKeyNotActive,
				"encryption requested but the tenant has no default key")
		}
	} else {
		key, err = repo.Get(ctx, tenantID, keyID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !key.IsActive {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonKeyNotActive,
			fmt.Sprintf("key %s is not active", key.ID))
	}
	material, err := m.Material(ctx, tenantID, key.ID)
	if err != nil {
		return nil, nil, err
	}
	return key, material, nil
}

// MarkUsed bumps the usage counter. db may be a transaction.
func (m *Manager) MarkUsed(ctx context.Context, db bun.IDB, keyID string) error {
	if db == nil {
		db = m.db
	}
	return store.NewKeyRepo(db).MarkUsed(ctx, keyID, m.clock.Now())
}

func (m *Manager) record(ctx context.Context, tx bun.IDB, key *model.EncryptionKey, action, actor string, details map[string]interface{}) error {
	if m.audit == nil {
		return nil
	}
	return m.audit.RecordTx(ctx, tx, audit.Entry{
		TenantID:   key.TenantID,
		Action:     action,
		EntityType: model.EntityKey,
		EntityID:   key.ID,
		Actor:      actor,
		Details:    details,
	})
}
