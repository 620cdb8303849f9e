// Package store persists backups, schedules, restores, keys, settings and
// audit entries. Repositories take a bun.IDB so that they can be used both on
// the database handle and inside a transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
)

//go:embed migrations
var embeddedMigrations embed.FS

// goose keeps its base FS and dialect in package state
var gooseMu sync.Mutex

// Store owns the metadata database handle
type Store struct {
	DB      *bun.DB
	Dialect string
	logger  *logging.Logger
}

// Open opens the metadata database, applies migrations when configured and
// wraps the handle for bun.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	sqlDB, err := sql.Open(DriverName(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "failed to open database", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY between concurrent jobs
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "failed to connect to database", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(sqlDB, cfg.Driver, logger); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	return New(sqlDB, cfg.Driver, logger), nil
}

// New wraps an existing connection without running migrations
func New(sqlDB *sql.DB, dialect string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{
		DB:      NewBunDB(sqlDB, dialect),
		Dialect: dialect,
		logger:  logger,
	}
}

// DriverName maps a configured dialect to its database/sql driver name
func DriverName(dialect string) string {
	switch dialect {
	case "postgres":
		return "pgx"
	case "mysql":
		return "mysql"
	default:
		return "sqlite"
	}
}

// NewBunDB constructs a *bun.DB for the given dialect
func NewBunDB(sqlDB *sql.DB, dialect string) *bun.DB {
	switch dialect {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies the embedded migrations for the dialect
func RunMigrations(sqlDB *sql.DB, dialect string, logger *logging.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embeddedMigrations)
	if logger != nil {
		goose.SetLogger(logger)
	}

	gooseDialect := "sqlite3"
	dir := "migrations/sqlite"
	switch dialect {
	case "postgres":
		gooseDialect, dir = "postgres", "migrations/postgres"
	case "mysql":
		gooseDialect, dir = "mysql", "migrations/mysql"
	}

	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.DB.Close()
}

// RunInTx runs fn inside a transaction
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.DB.RunInTx(ctx, nil, fn)
}

// RunInTx runs fn in a transaction on db. When db is already a transaction
// bun nests it as a savepoint.
func RunInTx(ctx context.Context, db bun.IDB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return db.RunInTx(ctx, nil, fn)
}

// Backups returns the backup repository on the database handle
func (s *Store) Backups() *BackupRepo { return NewBackupRepo(s.DB) }

// Schedules returns the schedule repository on the database handle
func (s *Store) Schedules() *ScheduleRepo { return NewScheduleRepo(s.DB) }

// Restores returns the restore repository on the database handle
func (s *Store) Restores() *RestoreRepo { return NewRestoreRepo(s.DB) }

// Keys returns the encryption key repository on the database handle
func (s *Store) Keys() *KeyRepo { return NewKeyRepo(s.DB) }

// Settings returns the settings repository on the database handle
func (s *Store) Settings() *SettingsRepo { return NewSettingsRepo(s.DB) }

// Audit returns the audit repository on the database handle
func (s *Store) Audit() *AuditRepo { return NewAuditRepo(s.DB) }

// classify turns a driver error into the error taxonomy
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	return appErrors.WrapError(err, message)
}

// notFound maps sql.ErrNoRows to a not found error for the entity
func notFound(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return appErrors.NewNotFoundError(entity, id)
	}
	return classify(err, fmt.Sprintf("failed to load %s %s", entity, id))
}

// affected reports whether a statement changed at least one row
func affected(res sql.Result) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
