package catalog

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"

	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/store"
)

// Open connects to the tenant database and returns a SQL catalog over it.
// The caller closes the returned handle.
func Open(ctx context.Context, cfg config.CatalogConfig, chunkSize int, logger *logging.Logger) (*SQL, *bun.DB, error) {
	sqlDB, err := sql.Open(store.DriverName(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, nil, appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "failed to open tenant database", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "failed to connect to tenant database", err)
	}
	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		sqlDB.SetMaxOpenConns(1)
	}

	db := store.NewBunDB(sqlDB, cfg.Driver)
	return NewSQL(db, cfg.Driver, cfg, chunkSize, logger), db, nil
}
