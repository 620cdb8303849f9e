package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
)

// categoryPatterns assign unmapped tables by name fragment before they fall into "other"
var categoryPatterns = []struct {
	category string
	patterns []string
}{
	{"campaigns", []string{"campaign", "ad_set", "ad_group"}},
	{"social_posts", []string{"social_post", "post_media", "post_comment"}},
	{"analytics", []string{"metric", "analytics", "performance"}},
	{"audiences", []string{"audience", "segment", "targeting"}},
	{"integrations", []string{"integration", "connection", "credential", "platform_"}},
	{"automations", []string{"automation", "trigger", "action", "rule"}},
}

type column struct {
	name string
	kind model.FieldKind
}

type table struct {
	name    string
	columns []column
	soft    bool
}

type layout struct {
	categories []Category
	tables     map[string][]table // category -> tables in extraction order
}

// SQL is a catalog over a relational database whose tenant tables carry a
// tenant column. Tables are discovered from the database's own schema.
type SQL struct {
	db        bun.IDB
	dialect   string
	cfg       config.CatalogConfig
	chunkSize int
	clock     func() time.Time
	logger    *logging.Logger

	mu     sync.Mutex
	cached *layout
}

// NewSQL creates a SQL catalog. dialect is sqlite, mysql or postgres.
func NewSQL(db bun.IDB, dialect string, cfg config.CatalogConfig, chunkSize int, logger *logging.Logger) *SQL {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SQL{
		db:        db,
		dialect:   dialect,
		cfg:       cfg,
		chunkSize: chunkSize,
		clock:     time.Now,
		logger:    logger,
	}
}

func (s *SQL) introspectQuery() string {
	switch s.dialect {
	case "mysql":
		return `SELECT table_name, column_name, data_type FROM information_schema.columns
WHERE table_schema = DATABASE() ORDER BY table_name, ordinal_position`
	case "postgres":
		return `SELECT table_name, column_name, data_type FROM information_schema.columns
WHERE table_schema = current_schema() ORDER BY table_name, ordinal_position`
	default:
		return `SELECT m.name, p.name, p.type FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%' ORDER BY m.name, p.cid`
	}
}

// tenantTables returns every table that has both the tenant and id columns
func (s *SQL) tenantTables(ctx context.Context) (map[string]table, error) {
	rows, err := s.db.QueryContext(ctx, s.introspectQuery())
	if err != nil {
		return nil, appErrors.WrapError(err, "failed to read catalog schema")
	}
	defer rows.Close()

	all := make(map[string]*table)
	var order []string
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, appErrors.WrapError(err, "failed to read catalog schema")
		}
		t, ok := all[tableName]
		if !ok {
			t = &table{name: tableName}
			all[tableName] = t
			order = append(order, tableName)
		}
		t.columns = append(t.columns, column{name: columnName, kind: KindOf(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.WrapError(err, "failed to read catalog schema")
	}

	out := make(map[string]table)
	for _, name := range order {
		t := all[name]
		hasTenant, hasID := false, false
		for _, c := range t.columns {
			switch c.name {
			case s.cfg.TenantColumn:
				hasTenant = true
			case s.cfg.IDColumn:
				hasID = true
			case s.cfg.SoftDeleteColumn:
				t.soft = true
			}
		}
		if hasTenant && hasID {
			out[name] = *t
		}
	}
	return out, nil
}

func (s *SQL) resolve(ctx context.Context) (*layout, error) {
	tables, err := s.tenantTables(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(s.cfg.ExcludedTables))
	for _, t := range s.cfg.ExcludedTables {
		excluded[t] = true
	}
	configured := make(map[string]bool, len(s.cfg.Categories))
	owner := make(map[string]string)
	for _, c := range s.cfg.Categories {
		configured[c.Name] = true
		for _, t := range c.Tables {
			owner[t] = c.Name
		}
	}

	l := &layout{tables: make(map[string][]table)}
	for _, c := range s.cfg.Categories {
		for _, name := range c.Tables {
			if t, ok := tables[name]; ok && !excluded[name] {
				l.tables[c.Name] = append(l.tables[c.Name], t)
			}
		}
	}

	discovered := make([]string, 0)
	for name := range tables {
		if _, mapped := owner[name]; !mapped && !excluded[name] {
			discovered = append(discovered, name)
		}
	}
	sort.Strings(discovered)
	for _, name := range discovered {
		category := s.categorize(name, configured)
		if category == "" {
			continue
		}
		l.tables[category] = append(l.tables[category], tables[name])
	}

	appendCategory := func(name, label, kind string) {
		ts := l.tables[name]
		if len(ts) == 0 {
			return
		}
		shape := model.CategoryShape{
			Kind:        model.CategoryKind(kind),
			Collections: make(map[string]model.CollectionShape, len(ts)),
		}
		for _, t := range ts {
			fields := make(model.CollectionShape, len(t.columns))
			for _, c := range t.columns {
				if c.name == s.cfg.TenantColumn || c.name == s.cfg.SoftDeleteColumn {
					continue
				}
				fields[c.name] = c.kind
			}
			shape.Collections[t.name] = fields
		}
		l.categories = append(l.categories, Category{Name: name, Label: label, Shape: shape})
	}
	for _, c := range s.cfg.Categories {
		appendCategory(c.Name, c.Label, c.Kind)
	}
	appendCategory(OtherCategory, "Other", string(model.CategoryData))
	return l, nil
}

func (s *SQL) categorize(tableName string, configured map[string]bool) string {
	for _, p := range categoryPatterns {
		if !configured[p.category] {
			continue
		}
		for _, fragment := range p.patterns {
			if strings.Contains(tableName, fragment) {
				return p.category
			}
		}
	}
	if s.cfg.OtherCategory {
		return OtherCategory
	}
	return ""
}

// ListCategories implements Catalog. A category is listed when at least one
// of its tables exists.
func (s *SQL) ListCategories(ctx context.Context, tenantID string) ([]Category, error) {
	l, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = l
	s.mu.Unlock()
	return l.categories, nil
}

// categoryTables uses the layout of the last ListCategories call so that a
// restore does not introspect the schema once per record.
func (s *SQL) categoryTables(ctx context.Context, category string) ([]table, error) {
	s.mu.Lock()
	l := s.cached
	s.mu.Unlock()
	if l == nil {
		var err error
		if l, err = s.resolve(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cached = l
		s.mu.Unlock()
	}
	ts, ok := l.tables[category]
	if !ok {
		return nil, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
			fmt.Sprintf("unknown category %q", category))
	}
	return ts, nil
}

// Extract implements Catalog using keyset pagination on the id column
func (s *SQL) Extract(ctx context.Context, tenantID, category string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		tables, err := s.categoryTables(ctx, category)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, t := range tables {
			if !s.extractTable(ctx, tenantID, t, yield) {
				return
			}
		}
	}
}

// View implements Viewer. The snapshot is a single read transaction, so
// every category of one backup sees the same committed state.
func (s *SQL) View(ctx context.Context) (View, error) {
	tx, err := s.db.BeginTx(ctx, s.snapshotOptions())
	if err != nil {
		return nil, appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "failed to open read snapshot", err)
	}

	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	return &sqlView{
		SQL: &SQL{
			db:        tx,
			dialect:   s.dialect,
			cfg:       s.cfg,
			chunkSize: s.chunkSize,
			clock:     s.clock,
			logger:    s.logger,
			cached:    cached,
		},
		tx: tx,
	}, nil
}

// snapshotOptions asks for repeatable reads where the driver honours them.
// A sqlite transaction reads one snapshot from its first statement on.
func (s *SQL) snapshotOptions() *sql.TxOptions {
	switch s.dialect {
	case "mysql", "postgres":
		return &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	default:
		return nil
	}
}

type sqlView struct {
	*SQL
	tx bun.Tx
}

func (v *sqlView) Close() error {
	if err := v.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return appErrors.WrapError(err, "failed to release read snapshot")
	}
	return nil
}

func (s *SQL) extractTable(ctx context.Context, tenantID string, t table, yield func(Record, error) bool) bool {
	var last interface{}
	for {
		var rows []map[string]interface{}
		q := s.db.NewSelect().
			TableExpr("?", bun.Ident(t.name)).
			ColumnExpr("*").
			Where("? = ?", bun.Ident(s.cfg.TenantColumn), tenantID)
		if t.soft {
			q = q.Where("? IS NULL", bun.Ident(s.cfg.SoftDeleteColumn))
		}
		if last != nil {
			q = q.Where("? > ?", bun.Ident(s.cfg.IDColumn), last)
		}
		q = q.OrderExpr("? ASC", bun.Ident(s.cfg.IDColumn)).Limit(s.chunkSize)

		if err := q.Scan(ctx, &rows); err != nil && err != sql.ErrNoRows {
			yield(Record{}, appErrors.WrapError(err, fmt.Sprintf("failed to extract %s", t.name)))
			return false
		}

		for _, row := range rows {
			if !yield(s.toRecord(t, row), nil) {
				return false
			}
		}
		if len(rows) < s.chunkSize {
			return true
		}
		last = rows[len(rows)-1][s.cfg.IDColumn]
	}
}

func (s *SQL) toRecord(t table, row map[string]interface{}) Record {
	kinds := make(map[string]model.FieldKind, len(t.columns))
	for _, c := range t.columns {
		kinds[c.name] = c.kind
	}
	fields := make(map[string]interface{}, len(row))
	for name, v := range row {
		if name == s.cfg.TenantColumn || name == s.cfg.SoftDeleteColumn {
			continue
		}
		if b, ok := v.([]byte); ok && kinds[name] != model.FieldBinary {
			v = string(b)
		}
		fields[name] = v
	}
	return Record{Collection: t.name, ID: fmt.Sprint(row[s.cfg.IDColumn]), Fields: fields}
}

// Apply implements Catalog. Replace rewrites the row wholesale so that live
// columns missing from the snapshot fall back to their defaults.
func (s *SQL) Apply(ctx context.Context, tenantID, category string, rec Record, opts ApplyOptions) (Outcome, error) {
	tables, err := s.categoryTables(ctx, category)
	if err != nil {
		return Outcome{}, err
	}
	var target *table
	for i := range tables {
		if tables[i].name == rec.Collection {
			target = &tables[i]
			break
		}
	}
	if target == nil {
		return Outcome{}, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
			fmt.Sprintf("collection %q is not part of category %q", rec.Collection, category))
	}

	values := s.writable(*target, rec)
	var outcome Outcome
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var existing []map[string]interface{}
		err := tx.NewSelect().
			TableExpr("?", bun.Ident(target.name)).
			ColumnExpr("*").
			Where("? = ?", bun.Ident(s.cfg.TenantColumn), tenantID).
			Where("? = ?", bun.Ident(s.cfg.IDColumn), values[s.cfg.IDColumn]).
			Limit(1).
			Scan(ctx, &existing)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if len(existing) == 0 {
			outcome.Action = ActionInserted
			return s.insert(ctx, tx, target.name, tenantID, values)
		}
		live := s.toRecord(*target, existing[0]).Fields
		if target.soft && existing[0][s.cfg.SoftDeleteColumn] != nil {
			outcome.Action = ActionInserted
			return s.rewrite(ctx, tx, target.name, tenantID, values)
		}

		switch opts.Mode {
		case model.ConflictSkip:
			outcome.Action = ActionSkipped
			return nil
		case model.ConflictReplace:
			outcome.Action = ActionReplaced
			return s.rewrite(ctx, tx, target.name, tenantID, values)
		case model.ConflictMerge:
			outcome.Action = ActionMerged
			return s.update(ctx, tx, target.name, tenantID, values)
		case model.ConflictAsk:
			if !Differs(live, rec.Fields) {
				outcome.Action = ActionUnchanged
				return nil
			}
			outcome = Outcome{Action: ActionConflict, Live: live}
			return nil
		}
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unknown conflict mode %q", opts.Mode))
	})
	if err != nil {
		return Outcome{}, appErrors.WrapError(err, fmt.Sprintf("failed to apply %s/%s", rec.Collection, rec.ID))
	}
	return outcome, nil
}

// writable keeps the snapshot fields that exist live and adds the tenant column
func (s *SQL) writable(t table, rec Record) map[string]interface{} {
	live := make(map[string]bool, len(t.columns))
	for _, c := range t.columns {
		live[c.name] = true
	}
	values := make(map[string]interface{}, len(rec.Fields)+1)
	for name, v := range rec.Fields {
		if !live[name] || name == s.cfg.TenantColumn || name == s.cfg.SoftDeleteColumn {
			continue
		}
		values[name] = driverValue(v)
	}
	if _, ok := values[s.cfg.IDColumn]; !ok {
		values[s.cfg.IDColumn] = rec.ID
	}
	return values
}

func (s *SQL) insert(ctx context.Context, tx bun.Tx, tableName, tenantID string, values map[string]interface{}) error {
	row := make(map[string]interface{}, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row[s.cfg.TenantColumn] = tenantID
	_, err := tx.NewInsert().Model(&row).TableExpr("?", bun.Ident(tableName)).Exec(ctx)
	return err
}

func (s *SQL) rewrite(ctx context.Context, tx bun.Tx, tableName, tenantID string, values map[string]interface{}) error {
	_, err := tx.NewDelete().
		TableExpr("?", bun.Ident(tableName)).
		Where("? = ?", bun.Ident(s.cfg.TenantColumn), tenantID).
		Where("? = ?", bun.Ident(s.cfg.IDColumn), values[s.cfg.IDColumn]).
		Exec(ctx)
	if err != nil {
		return err
	}
	return s.insert(ctx, tx, tableName, tenantID, values)
}

func (s *SQL) update(ctx context.Context, tx bun.Tx, tableName, tenantID string, values map[string]interface{}) error {
	set := make(map[string]interface{}, len(values))
	for k, v := range values {
		if k != s.cfg.IDColumn {
			set[k] = v
		}
	}
	if len(set) == 0 {
		return nil
	}
	_, err := tx.NewUpdate().
		Model(&set).
		TableExpr("?", bun.Ident(tableName)).
		Where("? = ?", bun.Ident(s.cfg.TenantColumn), tenantID).
		Where("? = ?", bun.Ident(s.cfg.IDColumn), values[s.cfg.IDColumn]).
		Exec(ctx)
	return err
}

// Clear implements Clearer. Tables are soft deleted in reverse order; tables
// without the soft delete column are left alone.
func (s *SQL) Clear(ctx context.Context, tenantID, category string) (int64, error) {
	tables, err := s.categoryTables(ctx, category)
	if err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	var total int64
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if !t.soft {
			s.logger.WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"category":  category,
				"table":     t.name,
			}).Warn("Table has no soft delete column; existing rows are kept")
			continue
		}
		res, err := s.db.NewUpdate().
			TableExpr("?", bun.Ident(t.name)).
			Set("? = ?", bun.Ident(s.cfg.SoftDeleteColumn), now).
			Where("? = ?", bun.Ident(s.cfg.TenantColumn), tenantID).
			Where("? IS NULL", bun.Ident(s.cfg.SoftDeleteColumn)).
			Exec(ctx)
		if err != nil {
			return total, appErrors.WrapError(err, fmt.Sprintf("failed to clear %s", t.name))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// KindOf maps a database column type to a portable field kind
func KindOf(dataType string) model.FieldKind {
	t := strings.ToLower(dataType)
	switch {
	case strings.Contains(t, "bool"), t == "tinyint(1)":
		return model.FieldBoolean
	case strings.Contains(t, "int"), strings.Contains(t, "serial"):
		return model.FieldInteger
	case strings.Contains(t, "real"), strings.Contains(t, "floa"), strings.Contains(t, "doub"),
		strings.Contains(t, "dec"), strings.Contains(t, "numeric"):
		return model.FieldFloat
	case strings.Contains(t, "json"):
		return model.FieldJSON
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return model.FieldTime
	case strings.Contains(t, "blob"), strings.Contains(t, "binary"), strings.Contains(t, "bytea"):
		return model.FieldBinary
	}
	return model.FieldString
}

// driverValue converts decoded package values into values drivers accept
func driverValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(data)
	}
	return v
}
