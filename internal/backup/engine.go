package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/catalog"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/keys"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/notify"
	"tenant-backup/internal/secrets"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// numberAttempts bounds the retries after a backup number collision
const numberAttempts = 5

// Options tune the engine
type Options struct {
	Compression    config.CompressionConfig
	StoragePrefix  string
	JobTimeout     time.Duration
	ExpiryWarning  time.Duration
	RollbackWindow time.Duration
}

func (o *Options) setDefaults() {
	if o.Compression.Algorithm == "" {
		o.Compression.Algorithm = string(CompressionZstd)
	}
	if o.StoragePrefix == "" {
		o.StoragePrefix = "backups"
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.ExpiryWarning <= 0 {
		o.ExpiryWarning = 72 * time.Hour
	}
	if o.RollbackWindow <= 0 {
		o.RollbackWindow = 24 * time.Hour
	}
}

// OptionsFromConfig collects the engine options spread over the configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Compression:    cfg.Compression,
		StoragePrefix:  cfg.Storage.Prefix,
		JobTimeout:     cfg.Scheduling.JobTimeout,
		ExpiryWarning:  cfg.Retention.ExpiryWarning,
		RollbackWindow: cfg.Restore.RollbackWindow,
	}
}

// Deps are the collaborators of an Engine
type Deps struct {
	DB       bun.IDB
	Catalog  catalog.Catalog
	Storage  storage.Adapter
	Keys     *keys.Manager
	Settings *settings.Service
	Audit    *audit.Logger
	Notifier notify.Sink
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Request asks for one backup
type Request struct {
	TenantID        string
	Type            model.BackupType
	Trigger         model.TriggerType
	Categories      []string
	EncryptionKeyID string
	// Encrypt overrides the tenant's encrypt-by-default setting when set
	Encrypt       *bool
	ScheduleID    string
	RestoreID     string
	RetentionDays int
	RequestedBy   string

	// Retryable marks a scheduled attempt that will be retried when it fails
	// transiently. Such failures do not count against the schedule.
	Retryable bool
}

// Engine produces backup packages and manages their lifecycle
type Engine struct {
	db       bun.IDB
	catalog  catalog.Catalog
	storage  storage.Adapter
	keys     *keys.Manager
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

// NewEngine creates a backup engine
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
		storage:  d.Storage,
		keys:     d.Keys,
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

// job is a validated request
type job struct {
	req        Request
	settings   *model.Settings
	plan       settings.Plan
	categories []catalog.Category
	key        *model.EncryptionKey
	material   []byte
}

// RunBackup validates the request, records the backup and streams the
// tenant's categories to storage. A failed backup is returned together with
// the error that failed it.
func (e *Engine) RunBackup(ctx context.Context, req Request) (*model.Backup, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	j, err := e.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	b, err := e.begin(ctx, j)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, j, b)
}

func (e *Engine) validate(ctx context.Context, req Request) (*job, error) {
	if req.TenantID == "" {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "tenant is required")
	}
	if req.Type == "" {
		req.Type = model.BackupTypeFull
	}
	if !req.Type.Valid() {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unknown backup type %q", req.Type))
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}
	if !req.Trigger.Valid() {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unknown trigger %q", req.Trigger))
	}
	if req.Trigger == model.TriggerPreRestore {
		if _, ok := ctx.Deadline(); !ok {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
				"a safety backup must run with a deadline")
		}
	}

	row, plan, err := e.settings.Plan(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	j := &job{req: req, settings: row, plan: plan}

	if !plan.AllowsStorage(e.storage.Name()) {
		return nil, appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("the %s plan does not allow %s storage", plan.Name, e.storage.Name()))
	}
	if req.Trigger != model.TriggerPreRestore {
		used, err := store.NewBackupRepo(e.db).CountCreatedSince(ctx, req.TenantID, monthStart(e.clock.Now()))
		if err != nil {
			return nil, err
		}
		if !plan.WithinMonthlyLimit(used) {
			return nil, appErrors.NewValidationError(appErrors.ReasonPlanLimit,
				fmt.Sprintf("the %s plan allows %d backups per month", plan.Name, plan.MonthlyLimit))
		}
	}
	if settings.QuotaExceeded(row) {
		return nil, appErrors.NewValidationError(appErrors.ReasonQuotaExceeded, "storage quota exceeded").
			WithContext("used_bytes", row.StorageUsedBytes).
			WithContext("quota_bytes", row.StorageQuotaBytes)
	}

	encrypt := row.EncryptByDefault || req.EncryptionKeyID != ""
	if req.Encrypt != nil {
		encrypt = *req.Encrypt
	}
	if encrypt {
		if !plan.EncryptionAvailable {
			return nil, appErrors.NewValidationError(appErrors.ReasonPlanLimit,
				fmt.Sprintf("encryption is not available on the %s plan", plan.Name))
		}
		keyID := req.EncryptionKeyID
		if keyID == "" {
			keyID = row.DefaultEncryptionKeyID
		}
		if j.key, j.material, err = e.keys.ForEncryption(ctx, req.TenantID, keyID); err != nil {
			return nil, err
		}
	}

	all, err := e.catalog.ListCategories(ctx, req.TenantID)
	if err != nil {
		return nil, appErrors.WrapError(err, "failed to list categories")
	}
	if j.categories, err = selectCategories(all, req.Type, req.Categories); err != nil {
		return nil, err
	}
	return j, nil
}

// selectCategories keeps catalog order and rejects unknown names
func selectCategories(all []catalog.Category, t model.BackupType, requested []string) ([]catalog.Category, error) {
	eligible := catalog.ForBackupType(all, t)
	if len(requested) == 0 {
		return eligible, nil
	}

	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		if _, ok := catalog.Find(all, name); !ok {
			return nil, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
				fmt.Sprintf("unknown category %q", name)).WithContext("category", name)
		}
		if _, ok := catalog.Find(eligible, name); !ok {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
				fmt.Sprintf("category %q is not part of a %s backup", name, t)).WithContext("category", name)
		}
		want[name] = true
	}

	selected := make([]catalog.Category, 0, len(want))
	for _, c := range eligible {
		if want[c.Name] {
			selected = append(selected, c)
		}
	}
	return selected, nil
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (e *Engine) tenantLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// begin inserts the pending row once no other backup of the trigger class runs
func (e *Engine) begin(ctx context.Context, j *job) (*model.Backup, error) {
	class := j.req.Trigger.Class()
	lock := e.tenantLock(j.req.TenantID + "/" + class)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now().UTC()
	b := &model.Backup{
		ID:            uuid.NewString(),
		TenantID:      j.req.TenantID,
		Type:          j.req.Type,
		Trigger:       j.req.Trigger,
		Status:        model.BackupPending,
		StorageDisk:   e.storage.Name(),
		Compression:   e.opts.Compression.Algorithm,
		IsEncrypted:   j.key != nil,
		BackupVersion: FormatVersion,
		ScheduleID:    j.req.ScheduleID,
		RestoreID:     j.req.RestoreID,
		RequestedBy:   j.req.RequestedBy,
		CreatedAt:     now,
	}
	if j.key != nil {
		b.EncryptionKeyID = j.key.ID
	}

	// Both trigger classes draw from one number sequence.
	numbering := e.tenantLock(j.req.TenantID)
	numbering.Lock()
	defer numbering.Unlock()

	var taken int
	for attempt := 1; ; attempt++ {
		err := e.insertNumbered(ctx, j, b, class, now.Year(), &taken)
		if err == nil {
			break
		}
		if !appErrors.IsDuplicate(err) || attempt == numberAttempts {
			return nil, err
		}
		e.logger.WithFields(map[string]interface{}{
			"tenant_id":     b.TenantID,
			"backup_number": b.BackupNumber,
			"attempt":       attempt,
		}).Debug("Backup number already taken, trying the next one")
	}

	b.Status = model.BackupProcessing
	b.StartedAt = e.clock.Now().UTC()
	if err := store.NewBackupRepo(e.db).Update(ctx, b, "status", "started_at"); err != nil {
		return nil, err
	}
	return b, nil
}

// insertNumbered inserts the pending row under the next free number.
// taken carries the highest number tried so far, so a retry after a
// collision with another process moves past it.
func (e *Engine) insertNumbered(ctx context.Context, j *job, b *model.Backup, class string, year int, taken *int) error {
	return store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		repo := store.NewBackupRepo(tx)
		running, err := repo.CountProcessing(ctx, b.TenantID, model.TriggersInClass(class))
		if err != nil {
			return err
		}
		if running > 0 {
			return appErrors.NewConflictError(appErrors.ReasonBackupInProgress,
				"another backup is already running for this tenant").WithContext("trigger_class", class)
		}
		seq, err := repo.NextSequence(ctx, b.TenantID, year)
		if err != nil {
			return err
		}
		if seq <= *taken {
			seq = *taken + 1
		}
		*taken = seq
		b.BackupNumber = model.FormatBackupNumber(year, seq)
		if err := repo.Insert(ctx, b); err != nil {
			return err
		}
		return e.record(ctx, tx, b, "backup.created", j.req.RequestedBy, map[string]interface{}{
			"backup_number": b.BackupNumber,
			"type":          b.Type,
			"trigger":       b.Trigger,
			"categories":    catalog.Names(j.categories),
			"encrypted":     b.IsEncrypted,
		})
	})
}

// Cancel asks a running backup to stop at the next category boundary
func (e *Engine) Cancel(backupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.running[backupID]
	if ok {
		flag.Store(true)
	}
	return ok
}

func (e *Engine) register(backupID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag := &atomic.Bool{}
	e.running[backupID] = flag
	return flag
}

func (e *Engine) unregister(backupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, backupID)
}

func (e *Engine) execute(ctx context.Context, j *job, b *model.Backup) (*model.Backup, error) {
	cancelled := e.register(b.ID)
	defer e.unregister(b.ID)

	done := e.logger.LogOperationStart(ctx, "backup", map[string]interface{}{
		"tenant_id":     b.TenantID,
		"backup_id":     b.ID,
		"backup_number": b.BackupNumber,
		"trigger":       b.Trigger,
	})

	result, err := e.stream(ctx, j, b, cancelled)
	if err == nil {
		err = e.complete(ctx, j, b, result)
		if err != nil {
			e.removeBlob(ctx, b, result.location)
		}
	}
	if err != nil {
		e.fail(ctx, j, b, err)
		done(err)
		return b, err
	}
	done(nil)
	return b, nil
}

type streamResult struct {
	location storage.Location
	size     int64
	checksum string
	summary  model.Summary
}

type packageResult struct {
	summary model.Summary
	err     error
}

// stream runs package writer -> compressor -> encryptor -> hasher -> pipe
// into Storage.Put. The writer runs in its own goroutine.
func (e *Engine) stream(ctx context.Context, j *job, b *model.Backup, cancelled *atomic.Bool) (*streamResult, error) {
	key := storage.Key(e.opts.StoragePrefix, b.TenantID, b.BackupNumber)
	pr, pw := io.Pipe()
	sink := &hashingWriter{w: pw, h: sha256.New(), limit: j.plan.MaxSizeBytes}

	results := make(chan packageResult, 1)
	go func() {
		summary, err := e.writePackage(ctx, j, b, sink, cancelled)
		pw.CloseWithError(err)
		results <- packageResult{summary: summary, err: err}
	}()

	loc, putErr := e.storage.Put(ctx, key, pr, storage.Metadata{
		"tenant_id":     b.TenantID,
		"backup_id":     b.ID,
		"backup_number": b.BackupNumber,
		"format":        FormatName + "/" + FormatVersion,
	})
	if putErr != nil {
		pr.CloseWithError(putErr)
	} else {
		_ = pr.Close()
	}
	res := <-results

	err := res.err
	if err == nil {
		err = putErr
	}
	if err != nil {
		var appErr *appErrors.AppError
		if !errors.As(err, &appErr) {
			err = appErrors.WrapError(err, "failed to write backup package")
		}
		if loc == "" {
			loc = storage.Location(key)
		}
		e.removeBlob(ctx, b, loc)
		return nil, err
	}
	return &streamResult{
		location: loc,
		size:     sink.n,
		checksum: hex.EncodeToString(sink.h.Sum(nil)),
		summary:  res.summary,
	}, nil
}

func (e *Engine) writePackage(ctx context.Context, j *job, b *model.Backup, sink io.Writer, cancelled *atomic.Bool) (model.Summary, error) {
	out := sink
	var sealer io.WriteCloser
	if j.material != nil {
		var err error
		if sealer, err = secrets.Encrypt(j.material, sink); err != nil {
			return nil, appErrors.NewIntegrityError(appErrors.ReasonSecretsUnavailable, "failed to start encryption", err)
		}
		out = sealer
	}
	compressor, err := NewCompressWriter(out, CompressionType(e.opts.Compression.Algorithm), e.opts.Compression.Level)
	if err != nil {
		return nil, err
	}
	buffered := bufio.NewWriterSize(compressor, 64*1024)

	pkg, err := NewPackageWriter(buffered, Header{
		TenantID:     b.TenantID,
		BackupID:     b.ID,
		BackupNumber: b.BackupNumber,
		BackupType:   string(b.Type),
		CreatedAt:    b.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	view, err := catalog.OpenView(ctx, e.catalog)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := view.Close(); cerr != nil {
			e.logger.Warnf("Failed to release catalog snapshot for %s: %v", b.BackupNumber, cerr)
		}
	}()

	summary := make(model.Summary, len(j.categories))
	for i, c := range j.categories {
		if err := interrupted(ctx, cancelled); err != nil {
			return nil, err
		}
		if err := pkg.BeginCategory(c); err != nil {
			return nil, err
		}
		for rec, err := range view.Extract(ctx, b.TenantID, c.Name) {
			if err != nil {
				return nil, appErrors.WrapError(err, fmt.Sprintf("failed to extract %s", c.Name))
			}
			if err := ctx.Err(); err != nil {
				return nil, appErrors.WrapError(err, "backup interrupted")
			}
			if err := pkg.WriteRecord(rec); err != nil {
				return nil, err
			}
		}
		written, err := pkg.EndCategory()
		if err != nil {
			return nil, err
		}
		summary[c.Name] = model.CategorySummary{
			Label:       c.Label,
			Collections: len(c.Shape.Collections),
			RecordCount: written.RecordCount,
			SizeBytes:   written.SizeBytes,
		}
		e.progress(ctx, b, (i+1)*100/len(j.categories))
	}

	if err := pkg.Close(); err != nil {
		return nil, err
	}
	if err := buffered.Flush(); err != nil {
		return nil, err
	}
	if err := compressor.Close(); err != nil {
		return nil, err
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// interrupted reports cooperative cancellation or a done context
func interrupted(ctx context.Context, cancelled *atomic.Bool) error {
	if cancelled != nil && cancelled.Load() {
		return appErrors.NewCancelledError("backup was cancelled")
	}
	if err := ctx.Err(); err != nil {
		return appErrors.WrapError(err, "backup interrupted")
	}
	return nil
}

func (e *Engine) progress(ctx context.Context, b *model.Backup, percent int) {
	if percent >= 100 {
		percent = 99
	}
	b.ProgressPercent = percent
	if err := store.NewBackupRepo(e.db).Update(ctx, b, "progress_percent"); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"backup_id": b.ID,
			"error":     err.Error(),
		}).Debug("Failed to record backup progress")
	}
}

// hashingWriter counts and hashes the bytes that reach storage
type hashingWriter struct {
	w     io.Writer
	h     hash.Hash
	n     int64
	limit int64
}

func (c *hashingWriter) Write(p []byte) (int, error) {
	if c.limit > 0 && c.n+int64(len(p)) > c.limit {
		return 0, appErrors.NewValidationError(appErrors.ReasonPlanLimit,
			fmt.Sprintf("backup exceeds the plan's maximum size of %d bytes", c.limit))
	}
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}

func (e *Engine) retentionDays(j *job) int {
	days := j.req.RetentionDays
	if days <= 0 {
		days = j.settings.DefaultRetentionDays
	}
	return j.plan.CapRetention(days)
}

func (e *Engine) complete(ctx context.Context, j *job, b *model.Backup, r *streamResult) error {
	now := e.clock.Now().UTC()
	b.Status = model.BackupCompleted
	b.FilePath = r.location.String()
	b.FileSizeBytes = r.size
	b.ChecksumSHA256 = r.checksum
	b.Summary = r.summary
	b.SchemaSnapshot = catalog.Snapshot(j.categories)
	b.ProgressPercent = 100
	b.CompletedAt = now
	if days := e.retentionDays(j); days > 0 {
		b.ExpiresAt = now.AddDate(0, 0, days)
	}

	err := store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewBackupRepo(tx).Update(ctx, b,
			"status", "file_path", "file_size_bytes", "checksum_sha256", "summary",
			"schema_snapshot", "progress_percent", "completed_at", "expires_at"); err != nil {
			return err
		}
		if b.ScheduleID != "" {
			if err := e.scheduleSucceeded(ctx, tx, b); err != nil {
				return err
			}
		}
		return e.record(ctx, tx, b, "backup.completed", j.req.RequestedBy, map[string]interface{}{
			"size_bytes":    b.FileSizeBytes,
			"checksum":      b.ChecksumSHA256,
			"record_count":  b.Summary.TotalRecords(),
			"expires_at":    b.ExpiresAt,
			"storage_disk":  b.StorageDisk,
			"backup_number": b.BackupNumber,
		})
	})
	if err != nil {
		return err
	}

	if b.IsEncrypted {
		if err := e.keys.MarkUsed(ctx, nil, b.EncryptionKeyID); err != nil {
			e.logger.WithFields(map[string]interface{}{"backup_id": b.ID, "error": err.Error()}).
				Warn("Failed to record key usage")
		}
	}
	if err := e.settings.AddUsage(ctx, nil, b.TenantID, b.FileSizeBytes); err != nil {
		e.logger.WithFields(map[string]interface{}{"backup_id": b.ID, "error": err.Error()}).
			Warn("Failed to record storage usage")
	}

	e.emit(ctx, model.EventBackupCompleted, b, "Backup completed",
		fmt.Sprintf("Backup %s completed with %d records", b.BackupNumber, b.Summary.TotalRecords()),
		map[string]interface{}{"size_bytes": b.FileSizeBytes, "summary": b.Summary})
	return nil
}

func (e *Engine) scheduleSucceeded(ctx context.Context, tx bun.IDB, b *model.Backup) error {
	repo := store.NewScheduleRepo(tx)
	s, err := repo.Get(ctx, b.TenantID, b.ScheduleID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastRunAt = b.CompletedAt
	s.LastBackupID = b.ID
	s.UpdatedAt = b.CompletedAt
	return repo.Update(ctx, s, "consecutive_failures", "last_error", "last_run_at", "last_backup_id", "updated_at")
}

func (e *Engine) scheduleFailed(ctx context.Context, tx bun.IDB, b *model.Backup, cause error) error {
	repo := store.NewScheduleRepo(tx)
	s, err := repo.Get(ctx, b.TenantID, b.ScheduleID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.ConsecutiveFailures++
	s.LastError = cause.Error()
	s.LastRunAt = b.CompletedAt
	s.LastBackupID = b.ID
	s.UpdatedAt = b.CompletedAt
	return repo.Update(ctx, s, "consecutive_failures", "last_error", "last_run_at", "last_backup_id", "updated_at")
}

// fail records the failure. It runs on a context that survives cancellation
// of the job itself.
func (e *Engine) fail(ctx context.Context, j *job, b *model.Backup, cause error) {
	ctx = context.WithoutCancel(ctx)

	reason := appErrors.ReasonOf(cause)
	if appErrors.IsCancelled(cause) {
		reason = appErrors.ReasonCancelled
	}
	b.Status = model.BackupFailed
	b.StatusMessage = cause.Error()
	b.FailureReason = reason
	b.CompletedAt = e.clock.Now().UTC()

	countsAgainstSchedule := !(j.req.Retryable && appErrors.IsTransient(cause))
	err := store.RunInTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewBackupRepo(tx).Update(ctx, b, "status", "status_message", "failure_reason", "completed_at"); err != nil {
			return err
		}
		if b.ScheduleID != "" && countsAgainstSchedule {
			if err := e.scheduleFailed(ctx, tx, b, cause); err != nil {
				return err
			}
		}
		return e.record(ctx, tx, b, "backup.failed", j.req.RequestedBy, map[string]interface{}{
			"reason": reason,
			"error":  cause.Error(),
		})
	})
	if err != nil {
		e.logger.WithFields(map[string]interface{}{"backup_id": b.ID, "error": err.Error()}).
			Error("Failed to record backup failure")
	}

	fields := map[string]interface{}{
		"tenant_id": b.TenantID,
		"backup_id": b.ID,
		"reason":    reason,
	}
	if appErrors.IsIntegrity(cause) {
		e.logger.LogIntegrityFailure(fields, cause)
	} else {
		fields["error"] = cause.Error()
		e.logger.WithFields(fields).Warn("Backup failed")
	}

	e.emit(ctx, model.EventBackupFailed, b, "Backup failed",
		fmt.Sprintf("Backup %s failed: %s", b.BackupNumber, appErrors.FormatUserError(cause)),
		map[string]interface{}{"reason": reason})
}

func (e *Engine) removeBlob(ctx context.Context, b *model.Backup, loc storage.Location) {
	if loc == "" {
		return
	}
	if err := e.storage.Delete(context.WithoutCancel(ctx), loc); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"backup_id": b.ID,
			"location":  loc.String(),
			"error":     err.Error(),
		}).Warn("Failed to remove partial backup blob")
	}
}

func (e *Engine) record(ctx context.Context, tx bun.IDB, b *model.Backup, action, actor string, details map[string]interface{}) error {
	if e.audit == nil {
		return nil
	}
	return e.audit.RecordTx(ctx, tx, audit.Entry{
		TenantID:   b.TenantID,
		Action:     action,
		EntityType: model.EntityBackup,
		EntityID:   b.ID,
		Actor:      actor,
		Details:    details,
	})
}

func (e *Engine) emit(ctx context.Context, name string, b *model.Backup, title, message string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["backup_number"] = b.BackupNumber
	details["trigger"] = b.Trigger
	e.notifier.Emit(ctx, notify.Event{
		Name:       name,
		TenantID:   b.TenantID,
		EntityType: model.EntityBackup,
		EntityID:   b.ID,
		Title:      title,
		Message:    message,
		Details:    details,
		Timestamp:  e.clock.Now().UTC(),
	})
}
