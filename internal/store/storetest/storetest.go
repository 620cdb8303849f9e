// Package storetest opens throwaway in-memory stores for package tests.
package storetest

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"tenant-backup/internal/logging"
	"tenant-backup/internal/store"
)

// New returns a migrated in-memory SQLite store that is closed with the test
func New(t testing.TB) *store.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:test_%s_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name, uuid.NewString()[:8])

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := store.RunMigrations(sqlDB, "sqlite", logging.NewNopLogger()); err != nil {
		_ = sqlDB.Close()
		t.Fatalf("migrate test database: %v", err)
	}

	s := store.New(sqlDB, "sqlite", logging.NewNopLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}
