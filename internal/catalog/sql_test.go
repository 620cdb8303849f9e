package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"

	"tenant-backup/internal/config"
	"tenant-backup/internal/model"
)

var tenantSchema = []string{
	`CREATE TABLE campaigns (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL, name TEXT, budget REAL, deleted_at DATETIME)`,
	`CREATE TABLE campaign_budgets (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL, amount REAL)`,
	`CREATE TABLE campaign_notes (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL, body TEXT)`,
	`CREATE TABLE contacts (id TEXT PRIMARY KEY, organization_id TEXT NOT NULL, email TEXT, deleted_at DATETIME)`,
	`CREATE TABLE widgets (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL, label TEXT)`,
	`CREATE TABLE sessions (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL)`,
	`CREATE TABLE lookup (id INTEGER PRIMARY KEY, code TEXT)`,
}

func catalogConfig() config.CatalogConfig {
	return config.CatalogConfig{
		TenantColumn:     "organization_id",
		IDColumn:         "id",
		SoftDeleteColumn: "deleted_at",
		OtherCategory:    true,
		Categories: []config.CategoryConfig{
			{Name: "campaigns", Label: "Campaigns", Kind: "data", Tables: []string{"campaigns", "campaign_budgets"}},
			{Name: "audiences", Label: "Audiences", Kind: "data", Tables: []string{"contacts"}},
			{Name: "reports", Label: "Reports", Kind: "data", Tables: []string{"reports"}},
		},
		ExcludedTables: []string{"sessions"},
	}
}

func openTenantDB(t *testing.T) *bun.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:catalog_%s?mode=memory&cache=shared", uuid.NewString()[:8]))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range tenantSchema {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err)
	}
	return db
}

func row(t *testing.T, db *bun.DB, table string, id interface{}) map[string]interface{} {
	t.Helper()
	var rows []map[string]interface{}
	err := db.NewSelect().TableExpr(table).ColumnExpr("*").Where("id = ?", id).Scan(context.Background(), &rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestSQLListCategories(t *testing.T) {
	db := openTenantDB(t)
	c := NewSQL(db, "sqlite", catalogConfig(), 2, nil)

	cats, err := c.ListCategories(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"audiences", "campaigns", "other"}, Names(cats))

	campaigns, _ := Find(cats, "campaigns")
	assert.Equal(t, "Campaigns", campaigns.Label)
	assert.Equal(t, []string{"campaign_budgets", "campaign_notes", "campaigns"}, campaigns.Shape.CollectionNames())
	assert.Equal(t, model.CollectionShape{
		"id":     model.FieldInteger,
		"name":   model.FieldString,
		"budget": model.FieldFloat,
	}, campaigns.Shape.Collections["campaigns"])

	other, _ := Find(cats, "other")
	assert.Equal(t, []string{"widgets"}, other.Shape.CollectionNames())
}

func TestSQLExtractPaginates(t *testing.T) {
	ctx := context.Background()
	db := openTenantDB(t)
	for i := 1; i <= 5; i++ {
		_, err := db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name, budget) VALUES (?, 't1', ?, ?)`, i, fmt.Sprintf("c%d", i), float64(i))
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name, deleted_at) VALUES (6, 't1', 'gone', '2026-01-01 00:00:00')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name) VALUES (7, 't2', 'foreign')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO campaign_budgets (id, organization_id, amount) VALUES (1, 't1', 99.5)`)
	require.NoError(t, err)

	c := NewSQL(db, "sqlite", catalogConfig(), 2, nil)
	var ids []string
	for rec, err := range c.Extract(ctx, "t1", "campaigns") {
		require.NoError(t, err)
		assert.NotContains(t, rec.Fields, "organization_id")
		assert.NotContains(t, rec.Fields, "deleted_at")
		ids = append(ids, rec.Collection+":"+rec.ID)
	}
	assert.Equal(t, []string{
		"campaigns:1", "campaigns:2", "campaigns:3", "campaigns:4", "campaigns:5",
		"campaign_budgets:1",
	}, ids)

	for _, err := range c.Extract(ctx, "t1", "reports") {
		assert.Error(t, err)
	}
}

func TestSQLViewIsolatesConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "tenant.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	for _, stmt := range tenantSchema {
		_, err := writer.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		_, err := writer.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name) VALUES (?, 't1', ?)`, i, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	readerDB, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	readerDB.SetMaxOpenConns(1)
	reader := bun.NewDB(readerDB, sqlitedialect.New())
	t.Cleanup(func() { _ = reader.Close() })

	c := NewSQL(reader, "sqlite", catalogConfig(), 2, nil)
	_, err = c.ListCategories(ctx, "t1")
	require.NoError(t, err)

	view, err := c.View(ctx)
	require.NoError(t, err)

	var ids, names []string
	for rec, err := range view.Extract(ctx, "t1", "campaigns") {
		require.NoError(t, err)
		if len(ids) == 0 {
			_, err := writer.ExecContext(ctx, `UPDATE campaigns SET name = 'changed' WHERE id = 3`)
			require.NoError(t, err)
			_, err = writer.ExecContext(ctx, `INSERT INTO campaign_budgets (id, organization_id, amount) VALUES (1, 't1', 5)`)
			require.NoError(t, err)
		}
		ids = append(ids, rec.Collection+":"+rec.ID)
		names = append(names, fmt.Sprint(rec.Fields["name"]))
	}
	require.NoError(t, view.Close())

	assert.Equal(t, []string{"campaigns:1", "campaigns:2", "campaigns:3"}, ids)
	assert.Equal(t, []string{"c1", "c2", "c3"}, names)

	var after []string
	for rec, err := range c.Extract(ctx, "t1", "campaigns") {
		require.NoError(t, err)
		after = append(after, rec.Collection+":"+rec.ID)
	}
	assert.Contains(t, after, "campaign_budgets:1")
}

func TestSQLApply(t *testing.T) {
	ctx := context.Background()
	db := openTenantDB(t)
	_, err := db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name, budget) VALUES (1, 't1', 'A', 10), (2, 't1', 'B', 20)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name, deleted_at) VALUES (5, 't1', 'old', '2026-01-01 00:00:00')`)
	require.NoError(t, err)

	c := NewSQL(db, "sqlite", catalogConfig(), 100, nil)
	_, err = c.ListCategories(ctx, "t1")
	require.NoError(t, err)

	apply := func(id int, fields map[string]interface{}, mode model.ConflictMode) Outcome {
		t.Helper()
		fields["id"] = json.Number(fmt.Sprint(id))
		out, err := c.Apply(ctx, "t1", "campaigns", Record{Collection: "campaigns", ID: fmt.Sprint(id), Fields: fields}, ApplyOptions{Mode: mode})
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, ActionSkipped, apply(1, map[string]interface{}{"name": "A2"}, model.ConflictSkip).Action)
	assert.Equal(t, "A", row(t, db, "campaigns", 1)["name"])

	assert.Equal(t, ActionMerged, apply(1, map[string]interface{}{"name": "A2"}, model.ConflictMerge).Action)
	merged := row(t, db, "campaigns", 1)
	assert.Equal(t, "A2", merged["name"])
	assert.Equal(t, 10.0, merged["budget"])

	assert.Equal(t, ActionReplaced, apply(2, map[string]interface{}{"name": "B2"}, model.ConflictReplace).Action)
	replaced := row(t, db, "campaigns", 2)
	assert.Equal(t, "B2", replaced["name"])
	assert.Nil(t, replaced["budget"])
	assert.Equal(t, "t1", replaced["organization_id"])

	assert.Equal(t, ActionUnchanged, apply(1, map[string]interface{}{"name": "A2"}, model.ConflictAsk).Action)
	conflict := apply(1, map[string]interface{}{"name": "A3"}, model.ConflictAsk)
	assert.Equal(t, ActionConflict, conflict.Action)
	assert.Equal(t, "A2", conflict.Live["name"])

	assert.Equal(t, ActionInserted, apply(9, map[string]interface{}{"name": "new", "dropped_column": 1}, model.ConflictSkip).Action)
	assert.Equal(t, "t1", row(t, db, "campaigns", 9)["organization_id"])

	assert.Equal(t, ActionInserted, apply(5, map[string]interface{}{"name": "revived"}, model.ConflictSkip).Action)
	assert.Nil(t, row(t, db, "campaigns", 5)["deleted_at"])

	_, err = c.Apply(ctx, "t1", "campaigns", Record{Collection: "contacts", ID: "x"}, ApplyOptions{Mode: model.ConflictSkip})
	assert.Error(t, err)
}

func TestSQLClear(t *testing.T) {
	ctx := context.Background()
	db := openTenantDB(t)
	_, err := db.ExecContext(ctx, `INSERT INTO campaigns (id, organization_id, name) VALUES (1, 't1', 'A'), (2, 't1', 'B'), (3, 't2', 'C')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO campaign_budgets (id, organization_id, amount) VALUES (1, 't1', 1)`)
	require.NoError(t, err)

	c := NewSQL(db, "sqlite", catalogConfig(), 100, nil)
	n, err := c.Clear(ctx, "t1", "campaigns")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var count int
	for _, err := range c.Extract(ctx, "t1", "campaigns") {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count, "budget table has no soft delete column")
	assert.Nil(t, row(t, db, "campaigns", 3)["deleted_at"])
}

func TestSQLMySQLIntrospection(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
			AddRow("campaigns", "id", "bigint").
			AddRow("campaigns", "organization_id", "varchar").
			AddRow("campaigns", "name", "varchar").
			AddRow("campaigns", "settings", "json").
			AddRow("campaigns", "deleted_at", "timestamp").
			AddRow("users", "id", "bigint"))

	db := bun.NewDB(sqlDB, mysqldialect.New())
	c := NewSQL(db, "mysql", catalogConfig(), 100, nil)

	cats, err := c.ListCategories(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"campaigns"}, Names(cats))
	assert.Equal(t, model.CollectionShape{
		"id":       model.FieldInteger,
		"name":     model.FieldString,
		"settings": model.FieldJSON,
	}, cats[0].Shape.Collections["campaigns"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverValue(t *testing.T) {
	assert.Equal(t, int64(42), driverValue(json.Number("42")))
	assert.Equal(t, 4.5, driverValue(json.Number("4.5")))
	assert.Equal(t, `{"a":1}`, driverValue(map[string]interface{}{"a": 1}))
	assert.Equal(t, "x", driverValue("x"))
}
