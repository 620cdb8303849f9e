// Package reconcile compares the schema captured with a backup against the
// live schema of the tenant and decides, per category, what a restore may
// write.
package reconcile

import (
	"sort"
	"strings"

	"tenant-backup/internal/catalog"
	"tenant-backup/internal/model"
)

// Reasons attached to incompatible verdicts
const (
	ReasonCategoryMissing = "category_missing"
	ReasonSnapshotMissing = "snapshot_missing"
)

// Reconcile classifies every category of the snapshot against live. The
// result is sorted by category and every list in it is sorted.
func Reconcile(snapshot, live model.SchemaSnapshot) *model.ReconciliationReport {
	report := &model.ReconciliationReport{Categories: make([]model.CategoryReconciliation, 0, len(snapshot))}
	for _, name := range snapshot.CategoryNames() {
		current, ok := live[name]
		if !ok {
			report.Categories = append(report.Categories, model.CategoryReconciliation{
				Category: name,
				Status:   model.Incompatible,
				Reason:   ReasonCategoryMissing,
			})
			continue
		}
		report.Categories = append(report.Categories, compareCategory(name, snapshot[name], current))
	}
	return report
}

// WithoutSnapshot reports every requested category as incompatible. It is
// used for uploaded packages, which carry no trusted schema.
func WithoutSnapshot(categories []string) *model.ReconciliationReport {
	names := append([]string(nil), categories...)
	sort.Strings(names)
	report := &model.ReconciliationReport{
		SnapshotMissing: true,
		Categories:      make([]model.CategoryReconciliation, 0, len(names)),
	}
	for _, name := range names {
		report.Categories = append(report.Categories, model.CategoryReconciliation{
			Category: name,
			Status:   model.Incompatible,
			Reason:   ReasonSnapshotMissing,
		})
	}
	return report
}

// Live captures the live schema from a catalog listing
func Live(categories []catalog.Category) model.SchemaSnapshot {
	return catalog.Snapshot(categories)
}

func compareCategory(name string, backedUp, current model.CategoryShape) model.CategoryReconciliation {
	verdict := model.CategoryReconciliation{Category: name, Status: model.Compatible}

	for _, collection := range backedUp.CollectionNames() {
		liveFields, ok := current.Collections[collection]
		if !ok {
			verdict.MissingCollections = append(verdict.MissingCollections, collection)
			continue
		}
		fields := backedUp.Collections[collection]
		for _, field := range fields.SortedFields() {
			kind, ok := liveFields[field]
			switch {
			case !ok:
				verdict.SkippedFields = append(verdict.SkippedFields, collection+"."+field)
			case kind != fields[field]:
				verdict.SkippedFields = append(verdict.SkippedFields, collection+"."+field)
				verdict.ChangedFields = append(verdict.ChangedFields, collection+"."+field)
			}
		}
	}

	if len(verdict.SkippedFields) > 0 || len(verdict.MissingCollections) > 0 {
		verdict.Status = model.PartiallyCompatible
	}
	return verdict
}

// Filter strips the fields and collections a verdict says cannot be written
type Filter struct {
	collections map[string]bool
	fields      map[string]map[string]bool
}

// NewFilter builds the filter for a category verdict
func NewFilter(verdict model.CategoryReconciliation) *Filter {
	f := &Filter{
		collections: make(map[string]bool, len(verdict.MissingCollections)),
		fields:      make(map[string]map[string]bool),
	}
	for _, c := range verdict.MissingCollections {
		f.collections[c] = true
	}
	for _, qualified := range verdict.SkippedFields {
		collection, field, ok := strings.Cut(qualified, ".")
		if !ok {
			continue
		}
		if f.fields[collection] == nil {
			f.fields[collection] = make(map[string]bool)
		}
		f.fields[collection][field] = true
	}
	return f
}

// Apply returns the record with skipped fields removed, or false when its
// collection no longer exists
func (f *Filter) Apply(rec catalog.Record) (catalog.Record, bool) {
	if f == nil {
		return rec, true
	}
	if f.collections[rec.Collection] {
		return rec, false
	}
	skipped := f.fields[rec.Collection]
	if len(skipped) == 0 {
		return rec, true
	}
	fields := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		if !skipped[k] {
			fields[k] = v
		}
	}
	rec.Fields = fields
	return rec, true
}
