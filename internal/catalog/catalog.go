// Package catalog exposes a tenant's data as named categories of records.
// The backup engine extracts through it and the restore engine applies
// through it; neither knows about the tables behind a category.
package catalog

import (
	"context"
	"encoding/json"
	"iter"
	"reflect"
	"sort"

	"tenant-backup/internal/config"
	"tenant-backup/internal/model"
)

// OtherCategory collects tenant tables no mapping claims
const OtherCategory = "other"

// Category is one live category and its field level shape
type Category struct {
	Name  string
	Label string
	Shape model.CategoryShape
}

// Kind returns whether the category holds records or file payloads
func (c Category) Kind() model.CategoryKind {
	return c.Shape.Kind
}

// Record is a single row of a category collection
type Record struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	Fields     map[string]interface{} `json:"fields"`
}

// ApplyOptions controls how a record meets an existing live record
type ApplyOptions struct {
	Mode model.ConflictMode
}

// Action is what Apply did with a record
type Action string

const (
	ActionInserted  Action = "inserted"
	ActionReplaced  Action = "replaced"
	ActionMerged    Action = "merged"
	ActionSkipped   Action = "skipped"
	ActionUnchanged Action = "unchanged"
	ActionConflict  Action = "conflict"
)

// Outcome reports the result of Apply. Live is set for conflicts.
type Outcome struct {
	Action Action
	Live   map[string]interface{}
}

// Catalog lists, extracts and applies tenant records
type Catalog interface {
	ListCategories(ctx context.Context, tenantID string) ([]Category, error)
	// Extract yields every record of the category. The sequence can only be
	// restarted from the beginning.
	Extract(ctx context.Context, tenantID, category string) iter.Seq2[Record, error]
	Apply(ctx context.Context, tenantID, category string, rec Record, opts ApplyOptions) (Outcome, error)
}

// View is a read snapshot of a catalog. Every Extract on a view sees the
// same point in time until Close.
type View interface {
	Extract(ctx context.Context, tenantID, category string) iter.Seq2[Record, error]
	Close() error
}

// Viewer is implemented by catalogs that can pin a read snapshot
type Viewer interface {
	View(ctx context.Context) (View, error)
}

// OpenView pins a snapshot of c, or reads c directly when it cannot pin one
func OpenView(ctx context.Context, c Catalog) (View, error) {
	if v, ok := c.(Viewer); ok {
		return v.View(ctx)
	}
	return direct{c}, nil
}

type direct struct {
	Catalog
}

func (direct) Close() error { return nil }

// Clearer is implemented by catalogs that can soft delete a category before a full restore
type Clearer interface {
	Clear(ctx context.Context, tenantID, category string) (int64, error)
}

// Snapshot captures the schema of the given categories
func Snapshot(categories []Category) model.SchemaSnapshot {
	snap := make(model.SchemaSnapshot, len(categories))
	for _, c := range categories {
		snap[c.Name] = c.Shape
	}
	return snap
}

// Find returns the named category
func Find(categories []Category, name string) (Category, bool) {
	for _, c := range categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// Names returns category names in sorted order
func Names(categories []Category) []string {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// ForBackupType filters categories by the kinds a backup type covers
func ForBackupType(categories []Category, t model.BackupType) []Category {
	var out []Category
	for _, c := range categories {
		switch {
		case t == model.BackupTypeDataOnly && c.Kind() == model.CategoryFiles:
		case t == model.BackupTypeFilesOnly && c.Kind() != model.CategoryFiles:
		default:
			out = append(out, c)
		}
	}
	return out
}

// Labels maps configured category names to their labels
func Labels(cfg config.CatalogConfig) map[string]string {
	labels := make(map[string]string, len(cfg.Categories)+1)
	for _, c := range cfg.Categories {
		labels[c.Name] = c.Label
	}
	labels[OtherCategory] = "Other"
	return labels
}

// Merge overlays snapshot fields onto live fields; live-only fields survive
func Merge(live, snapshot map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(live)+len(snapshot))
	for k, v := range live {
		out[k] = v
	}
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}

// Equal compares two field maps after normalising them through JSON, so that
// driver types and decoded package values compare alike.
func Equal(a, b map[string]interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// Differs reports whether applying snapshot over live would change anything
func Differs(live, snapshot map[string]interface{}) bool {
	nl := normalize(live)
	for k, v := range normalize(snapshot) {
		lv, ok := nl[k]
		if !ok || !reflect.DeepEqual(lv, v) {
			return true
		}
	}
	return false
}

func normalize(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
