// Package application is the operator surface of the backup system. It
// wires the engines from configuration and exposes every operation scoped
// to one tenant; entities of another tenant read as not found.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/juju/clock"
	"github.com/uptrace/bun"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/catalog"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/keys"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/notify"
	"tenant-backup/internal/restore"
	"tenant-backup/internal/scheduler"
	"tenant-backup/internal/secrets"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// Deps are the already built components a Service runs on
type Deps struct {
	DB        bun.IDB
	Backups   *backup.Engine
	Restores  *restore.Engine
	Scheduler *scheduler.Scheduler
	Keys      *keys.Manager
	Settings  *settings.Service
	Audit     *audit.Logger
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Service implements the operator operations
type Service struct {
	db        bun.IDB
	backups   *backup.Engine
	restores  *restore.Engine
	scheduler *scheduler.Scheduler
	keys      *keys.Manager
	settings  *settings.Service
	audit     *audit.Logger
	clock     clock.Clock
	logger    *logging.Logger

	closers []func() error
}

// New creates a service on existing components
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	return &Service{
		db:        d.DB,
		backups:   d.Backups,
		restores:  d.Restores,
		scheduler: d.Scheduler,
		keys:      d.Keys,
		settings:  d.Settings,
		audit:     d.Audit,
		clock:     d.Clock,
		logger:    d.Logger,
	}
}

// Open builds every component from configuration. The caller closes the
// service to release the database handles.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, st.Close)

	mirror, err := logging.NewAuditLogger(cfg.Logging.AuditFile)
	if err != nil {
		return nil, err
	}
	auditLogger := audit.NewLogger(st.DB, clock.WallClock, mirror)
	settingsSvc := settings.NewService(st.DB, settings.DefaultsFromConfig(cfg), clock.WallClock, auditLogger, logger)

	secretStore, err := secrets.Open(cfg.Encryption.Keyring, cfg.Encryption.KeyringPath, cfg.Encryption.Passphrase)
	if err != nil {
		return nil, err
	}
	keyManager := keys.NewManager(st.DB, secretStore, settingsSvc, auditLogger, clock.WallClock, logger)

	adapter, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	cat, catalogDB, err := catalog.Open(ctx, cfg.Catalog, cfg.Extraction.ChunkSize, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, catalogDB.Close)

	notifier, err := notify.NewDispatcher(cfg.Notifications, settingsSvc, logger)
	if err != nil {
		return nil, err
	}

	backups := backup.NewEngine(backup.Deps{
		DB:       st.DB,
		Catalog:  cat,
		Storage:  adapter,
		Keys:     keyManager,
		Settings: settingsSvc,
		Audit:    auditLogger,
		Notifier: notifier,
		Logger:   logger,
	}, backup.OptionsFromConfig(cfg))
	restores := restore.NewEngine(restore.Deps{
		DB:       st.DB,
		Catalog:  cat,
		Backups:  backups,
		Settings: settingsSvc,
		Audit:    auditLogger,
		Notifier: notifier,
		Logger:   logger,
	}, restore.OptionsFromConfig(cfg.Restore))
	sched := scheduler.New(scheduler.Deps{
		DB:       st.DB,
		Backups:  backups,
		Restores: restores,
		Settings: settingsSvc,
		Audit:    auditLogger,
		Notifier: notifier,
		Logger:   logger,
	}, scheduler.OptionsFromConfig(cfg.Scheduling))

	svc = New(Deps{
		DB:        st.DB,
		Backups:   backups,
		Restores:  restores,
		Scheduler: sched,
		Keys:      keyManager,
		Settings:  settingsSvc,
		Audit:     auditLogger,
		Logger:    logger,
	})
	svc.closers = closers
	return svc, nil
}

// Close releases the database handles opened by Open
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// GetLogger returns the service logger
func (s *Service) GetLogger() *logging.Logger {
	return s.logger
}

// RunWorker runs the scheduler and the periodic sweep until ctx is
// cancelled or SIGINT/SIGTERM arrives, then waits for running jobs.
func (s *Service) RunWorker(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := appErrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		s.logger.Info("Received shutdown signal, finishing running jobs")
		cancel()
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	s.logger.Info("Backup worker starting")
	err := s.scheduler.Run(ctx)
	s.logger.Info("Backup worker stopped")
	return err
}

// ReportError prints a user facing summary of err followed by hints
// matching its type
func ReportError(w io.Writer, err error) {
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "Error: %s\n", appErrors.FormatUserError(err))

	var appErr *appErrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	if appErr.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", appErr.Reason)
	}

	switch appErr.Type {
	case appErrors.ErrorTypeValidation:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Review the command line arguments\n")
		fmt.Fprintf(w, "- Check the tenant's plan limits with 'settings show'\n")
	case appErrors.ErrorTypeConflict:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Another operation may be running for this tenant\n")
		fmt.Fprintf(w, "- Check the current state with 'backup list' or 'restore list'\n")
	case appErrors.ErrorTypeTransientInfra:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Check that the database and storage backend are reachable\n")
		fmt.Fprintf(w, "- The operation can be retried\n")
	case appErrors.ErrorTypeIntegrity:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- The backup package failed verification and must not be used\n")
		fmt.Fprintf(w, "- Run 'backup verify' on other backups of the tenant\n")
	case appErrors.ErrorTypePartialFailure:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Inspect the restore with 'restore list' and roll it back if needed\n")
	}
}
