// Package restore plans, confirms and executes restores of backup packages
// into a tenant, with a safety backup taken before the first write.
package restore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/catalog"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/notify"
	"tenant-backup/internal/reconcile"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// Options tune the restore engine
type Options struct {
	RollbackWindow      time.Duration
	ConfirmationTTL     time.Duration
	BatchSize           int
	DefaultConflictMode model.ConflictMode
	Timeout             time.Duration
	SafetyBackupTimeout time.Duration
}

// OptionsFromConfig maps the restore section of the configuration
func OptionsFromConfig(cfg config.RestoreConfig) Options {
	return Options{
		RollbackWindow:      cfg.RollbackWindow,
		ConfirmationTTL:     cfg.ConfirmationTTL,
		BatchSize:           cfg.BatchSize,
		DefaultConflictMode: model.ConflictMode(cfg.DefaultConflictMode),
		Timeout:             cfg.Timeout,
		SafetyBackupTimeout: cfg.SafetyBackupTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.RollbackWindow <= 0 {
		o.RollbackWindow = 24 * time.Hour
	}
	if o.ConfirmationTTL <= 0 {
		o.ConfirmationTTL = 15 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if !o.DefaultConflictMode.Valid() {
		o.DefaultConflictMode = model.ConflictSkip
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Hour
	}
	if o.SafetyBackupTimeout <= 0 {
		o.SafetyBackupTimeout = 30 * time.Minute
	}
}

// Deps are the collaborators of an Engine
type Deps struct {
	DB       bun.IDB
	Catalog  catalog.Catalog
	Backups  *backup.Engine
	Settings *settings.Service
	Audit    *audit.Logger
	Notifier notify.Sink
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Engine drives restores through their state machine
type Engine struct {
	db       bun.IDB
	catalog  catalog.Catalog
	backups  *backup.Engine
	settings *settings.Service
	audit    *audit.Logger
	notifier notify.Sink
	clock    clock.Clock
	logger   *logging.Logger
	opts     Options

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]*atomic.Bool
}

// NewEngine creates a restore engine
func NewEngine(d Deps, opts Options) *Engine {
	opts.setDefaults()
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard{}
	}
	return &Engine{
		db:       d.DB,
		catalog:  d.Catalog,
		backups:  d.Backups,
		settings: d.Settings,
		audit:    d.Audit,
		notifier: d.Notifier,
		clock:    d.Clock,
		logger:   d.Logger,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
		running:  make(map[string]*atomic.Bool),
	}
}

// Plan asks for a restore from a backup or from an uploaded package.
// Exactly one of BackupID and UploadLocation is set.
type Plan struct {
	TenantID       string
	BackupID       string
	UploadLocation storage.Location
	Type           model.RestoreType
	Categories     []string
	ConflictMode   model.ConflictMode
	RequestedBy    string
}

// source is a validated restore source
type source struct {
	backup    *model.Backup
	available []string
}

// PlanRestore validates the plan, records the restore and reconciles the
// source against the live schema. When the restore needs confirmation the
// returned code is the only copy of it; otherwise the code is empty and the
// restore is ready to execute.
func (e *Engine) PlanRestore(ctx context.Context, p Plan) (*model.Restore, string, error) {
	row, src, err := e.validate(ctx, &p)
	if err != nil {
		return nil, "", err
	}

	now := e.clock.Now().UTC()
	rs := &model.Restore{
		ID:                 uuid.NewString(),
		TenantID:           p.TenantID,
		SourceLocation:     p.UploadLocation.String(),
		Type:               p.Type,
		ConflictMode:       p.ConflictMode,
		SelectedCategories: p.Categories,
		Status:             model.RestorePending,
		RequestedBy:        p.RequestedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if src.backup != nil {
		rs.BackupID = src.backup.ID
	}

	err = store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		repo := store.NewRestoreRepo(tx)
		seq, err := repo.NextSequence(ctx, rs.TenantID, now.Year())
		if err != nil {
			return err
		}
		rs.RestoreNumber = model.FormatRestoreNumber(now.Year(), seq)
		if err := repo.Insert(ctx, rs); err != nil {
			return err
		}
		return e.record(ctx, tx, rs, "restore.created", p.RequestedBy, map[string]interface{}{
			"restore_number": rs.RestoreNumber,
			"type":           rs.Type,
			"conflict_mode":  rs.ConflictMode,
			"backup_id":      rs.BackupID,
			"source":         rs.SourceLocation,
			"categories":     rs.SelectedCategories,
		})
	})
	if err != nil {
		return nil, "", err
	}

	if err := e.advance(ctx, rs, model.RestoreAnalyzing); err != nil {
		return nil, "", err
	}

	live, err := e.catalog.ListCategories(ctx, rs.TenantID)
	if err != nil {
		err = appErrors.WrapError(err, "failed to read the live schema")
		e.fail(ctx, rs, nil, err)
		return rs, "", err
	}
	if src.backup != nil && len(src.backup.SchemaSnapshot) > 0 {
		rs.Report = reconcile.Reconcile(src.backup.SchemaSnapshot, reconcile.Live(live))
	} else {
		rs.Report = reconcile.WithoutSnapshot(src.available)
	}

	needsConfirmation := rs.Type == model.RestoreFull ||
		rs.Report.Touches(rs.SelectedCategories, model.Incompatible) ||
		row.RequireRestoreConfirm

	var code string
	next := model.RestoreProcessing
	if needsConfirmation {
		if code, err = newCode(); err != nil {
			e.fail(ctx, rs, nil, err)
			return rs, "", err
		}
		next = model.RestoreAwaitingConfirmation
		rs.ConfirmationMethod = confirmationMethod(rs.Type)
		rs.ConfirmationCodeHash = hashCode(code)
		rs.ConfirmationExpiresAt = e.clock.Now().UTC().Add(e.opts.ConfirmationTTL)
	}

	err = e.transition(ctx, rs, next, "restore.analyzed", p.RequestedBy, map[string]interface{}{
		"incompatible":          rs.Report.Incompatible(),
		"snapshot_missing":      rs.Report.SnapshotMissing,
		"confirmation_required": needsConfirmation,
		"confirmation_method":   rs.ConfirmationMethod,
	})
	if err != nil {
		return nil, "", err
	}

	e.logger.WithFields(map[string]interface{}{
		"tenant_id":      rs.TenantID,
		"restore_id":     rs.ID,
		"restore_number": rs.RestoreNumber,
		"status":         rs.Status,
	}).Info("Restore planned")
	return rs, code, nil
}

func (e *Engine) validate(ctx context.Context, p *Plan) (*model.Settings, *source, error) {
	if p.TenantID == "" {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "tenant is required")
	}
	if (p.BackupID == "") == (p.UploadLocation == "") {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			"a restore needs either a backup or an uploaded package")
	}
	if !p.Type.Valid() {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unknown restore type %q", p.Type))
	}
	if p.ConflictMode == "" {
		p.ConflictMode = e.defaultMode(p.Type)
	}
	if !p.ConflictMode.Valid() {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unknown conflict mode %q", p.ConflictMode))
	}
	if p.Type == model.RestoreSelective && len(p.Categories) == 0 {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			"a selective restore needs at least one category")
	}

	row, plan, err := e.settings.Plan(ctx, p.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !plan.AllowsRestoreType(p.Type) {
		return nil, nil, appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("the %s plan does not allow %s restores", plan.Name, p.Type))
	}

	src := &source{}
	if p.BackupID != "" {
		b, err := store.NewBackupRepo(e.db).Get(ctx, p.TenantID, p.BackupID)
		if err != nil {
			return nil, nil, err
		}
		if !b.Restorable() {
			return nil, nil, appErrors.NewValidationError(appErrors.ReasonInvalidState,
				fmt.Sprintf("backup %s is %s and cannot be restored", b.BackupNumber, b.Status))
		}
		src.backup = b
		src.available = b.Summary.Categories()
	} else if src.available, err = e.uploadCategories(ctx, p.TenantID, p.UploadLocation); err != nil {
		return nil, nil, err
	}

	if p.Type == model.RestoreFull || len(p.Categories) == 0 {
		p.Categories = src.available
		return row, src, nil
	}
	have := make(map[string]bool, len(src.available))
	for _, name := range src.available {
		have[name] = true
	}
	seen := make(map[string]bool, len(p.Categories))
	selected := make([]string, 0, len(p.Categories))
	for _, name := range p.Categories {
		if !have[name] {
			return nil, nil, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
				fmt.Sprintf("category %q is not in the backup", name)).WithContext("category", name)
		}
		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}
	p.Categories = selected
	return row, src, nil
}

func (e *Engine) defaultMode(t model.RestoreType) model.ConflictMode {
	switch t {
	case model.RestoreFull:
		return model.ConflictReplace
	case model.RestoreMerge:
		return model.ConflictMerge
	}
	return e.opts.DefaultConflictMode
}

// uploadCategories reads an uploaded package end to end, which verifies every
// section checksum, and returns its category names
func (e *Engine) uploadCategories(ctx context.Context, tenantID string, loc storage.Location) ([]string, error) {
	pkg, err := e.backups.OpenUpload(ctx, tenantID, loc)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	var names []string
	for {
		section, err := pkg.NextCategory()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, section.Name)
	}
}

func confirmationMethod(t model.RestoreType) string {
	switch t {
	case model.RestoreFull:
		return "email_code"
	case model.RestoreMerge:
		return "org_name"
	}
	return "simple"
}

func (e *Engine) lookup(ctx context.Context, tenantID, restoreID string) (*model.Restore, error) {
	return store.NewRestoreRepo(e.db).Get(ctx, tenantID, restoreID)
}

// Get returns a restore of a tenant
func (e *Engine) Get(ctx context.Context, tenantID, restoreID string) (*model.Restore, error) {
	return e.lookup(ctx, tenantID, restoreID)
}

// List returns a tenant's restores newest first
func (e *Engine) List(ctx context.Context, f store.RestoreFilter) ([]*model.Restore, error) {
	return store.NewRestoreRepo(e.db).List(ctx, f)
}

// advance moves the restore to next without an audit entry
func (e *Engine) advance(ctx context.Context, rs *model.Restore, next model.RestoreStatus) error {
	return e.transition(ctx, rs, next, "", "", nil)
}

// transition writes the whole row if its stored status is still the one the
// caller loaded, and audits the step when an action is given
func (e *Engine) transition(ctx context.Context, rs *model.Restore, next model.RestoreStatus, action, actor string, details map[string]interface{}) error {
	from := rs.Status
	if !from.CanTransitionTo(next) {
		return appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s cannot move from %s to %s", rs.RestoreNumber, from, next))
	}
	rs.Status = next
	rs.UpdatedAt = e.clock.Now().UTC()

	err := store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		ok, err := store.NewRestoreRepo(tx).UpdateFrom(ctx, rs, from)
		if err != nil {
			return err
		}
		if !ok {
			return appErrors.NewConflictError(appErrors.ReasonInvalidState,
				fmt.Sprintf("restore %s changed while moving to %s", rs.RestoreNumber, next))
		}
		if action == "" {
			return nil
		}
		if details == nil {
			details = make(map[string]interface{})
		}
		details["from"] = from
		details["to"] = next
		return e.record(ctx, tx, rs, action, actor, details)
	})
	if err != nil {
		rs.Status = from
		return err
	}
	return nil
}

func (e *Engine) record(ctx context.Context, tx bun.IDB, rs *model.Restore, action, actor string, details map[string]interface{}) error {
	if e.audit == nil {
		return nil
	}
	if actor == "" {
		actor = "system"
	}
	return e.audit.RecordTx(ctx, tx, audit.Entry{
		TenantID:   rs.TenantID,
		Action:     action,
		EntityType: model.EntityRestore,
		EntityID:   rs.ID,
		Actor:      actor,
		Details:    details,
	})
}

func (e *Engine) emit(ctx context.Context, name string, rs *model.Restore, title, message string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["restore_number"] = rs.RestoreNumber
	details["type"] = rs.Type
	e.notifier.Emit(ctx, notify.Event{
		Name:       name,
		TenantID:   rs.TenantID,
		EntityType: model.EntityRestore,
		EntityID:   rs.ID,
		Title:      title,
		Message:    message,
		Details:    details,
		Timestamp:  e.clock.Now().UTC(),
	})
}
