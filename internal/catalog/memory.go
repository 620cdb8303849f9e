package catalog

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

// Memory is an in-process catalog. Categories and shapes are shared by all
// tenants; records are per tenant.
type Memory struct {
	mu         sync.RWMutex
	categories map[string]Category
	order      []string
	data       map[string]map[string]map[string]map[string]interface{} // tenant/category -> collection -> id -> fields
	deleted    map[string]int64

	applyHooks   map[string]func(Record) error
	extractHooks map[string]func(Record) error
}

// NewMemory creates an empty catalog
func NewMemory() *Memory {
	return &Memory{
		categories:   make(map[string]Category),
		data:         make(map[string]map[string]map[string]map[string]interface{}),
		deleted:      make(map[string]int64),
		applyHooks:   make(map[string]func(Record) error),
		extractHooks: make(map[string]func(Record) error),
	}
}

func dataKey(tenantID, category string) string {
	return tenantID + "/" + category
}

// Define registers or replaces a category and its shape. Categories keep
// the order in which they were first defined.
func (m *Memory) Define(c Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Shape.Kind == "" {
		c.Shape.Kind = model.CategoryData
	}
	if c.Label == "" {
		c.Label = c.Name
	}
	if _, ok := m.categories[c.Name]; !ok {
		m.order = append(m.order, c.Name)
	}
	m.categories[c.Name] = c
}

// Drop removes a category from the live schema. Its records stay unreachable.
func (m *Memory) Drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.categories, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// DropField removes a field from a collection of the live schema
func (m *Memory) DropField(category, collection, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[category]
	if !ok {
		return
	}
	shape := c.Shape.Collections[collection]
	if shape == nil {
		return
	}
	next := make(model.CollectionShape, len(shape))
	for k, v := range shape {
		if k != field {
			next[k] = v
		}
	}
	collections := make(map[string]model.CollectionShape, len(c.Shape.Collections))
	for k, v := range c.Shape.Collections {
		collections[k] = v
	}
	collections[collection] = next
	c.Shape.Collections = collections
	m.categories[category] = c
}

// Put stores a record for a tenant
func (m *Memory) Put(tenantID, category string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(tenantID, category, rec.Collection, rec.ID, rec.Fields)
}

func (m *Memory) put(tenantID, category, collection, id string, fields map[string]interface{}) {
	key := dataKey(tenantID, category)
	if m.data[key] == nil {
		m.data[key] = make(map[string]map[string]map[string]interface{})
	}
	if m.data[key][collection] == nil {
		m.data[key][collection] = make(map[string]map[string]interface{})
	}
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.data[key][collection][id] = copied
}

// Get returns a live record
func (m *Memory) Get(tenantID, category, collection, id string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[dataKey(tenantID, category)][collection][id]
	return rec, ok
}

// Count returns the number of live records of a tenant category
func (m *Memory) Count(tenantID, category string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, records := range m.data[dataKey(tenantID, category)] {
		n += len(records)
	}
	return n
}

// FailApply makes Apply on the category call fn first and fail with its error
func (m *Memory) FailApply(category string, fn func(Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyHooks[category] = fn
}

// FailExtract makes Extract on the category call fn per record and stop with its error
func (m *Memory) FailExtract(category string, fn func(Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractHooks[category] = fn
}

// ListCategories implements Catalog
func (m *Memory) ListCategories(ctx context.Context, tenantID string) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Category, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.categories[name])
	}
	return out, nil
}

// Extract implements Catalog. Records are yielded per collection in
// collection order, then id order.
func (m *Memory) Extract(ctx context.Context, tenantID, category string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.RLock()
		c, ok := m.categories[category]
		var records []Record
		if ok {
			collections := m.data[dataKey(tenantID, category)]
			for _, collection := range c.Shape.CollectionNames() {
				ids := make([]string, 0, len(collections[collection]))
				for id := range collections[collection] {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fields := make(map[string]interface{}, len(collections[collection][id]))
					for k, v := range collections[collection][id] {
						fields[k] = v
					}
					records = append(records, Record{Collection: collection, ID: id, Fields: fields})
				}
			}
		}
		hook := m.extractHooks[category]
		m.mu.RUnlock()

		if !ok {
			yield(Record{}, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
				fmt.Sprintf("unknown category %q", category)))
			return
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if hook != nil {
				if err := hook(rec); err != nil {
					yield(Record{}, err)
					return
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// View implements Viewer with a deep copy of the current records
func (m *Memory) View(ctx context.Context) (View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := NewMemory()
	snap.order = append(snap.order, m.order...)
	for name, c := range m.categories {
		snap.categories[name] = c
	}
	for key, collections := range m.data {
		cc := make(map[string]map[string]map[string]interface{}, len(collections))
		for collection, rows := range collections {
			rc := make(map[string]map[string]interface{}, len(rows))
			for id, fields := range rows {
				fc := make(map[string]interface{}, len(fields))
				for k, v := range fields {
					fc[k] = v
				}
				rc[id] = fc
			}
			cc[collection] = rc
		}
		snap.data[key] = cc
	}
	for category, hook := range m.extractHooks {
		snap.extractHooks[category] = hook
	}
	return memoryView{snap}, nil
}

type memoryView struct {
	*Memory
}

func (memoryView) Close() error { return nil }

// Apply implements Catalog
func (m *Memory) Apply(ctx context.Context, tenantID, category string, rec Record, opts ApplyOptions) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.categories[category]; !ok {
		return Outcome{}, appErrors.NewValidationError(appErrors.ReasonUnknownCategory,
			fmt.Sprintf("unknown category %q", category))
	}
	if hook := m.applyHooks[category]; hook != nil {
		if err := hook(rec); err != nil {
			return Outcome{}, err
		}
	}

	live, exists := m.data[dataKey(tenantID, category)][rec.Collection][rec.ID]
	if !exists {
		m.put(tenantID, category, rec.Collection, rec.ID, rec.Fields)
		return Outcome{Action: ActionInserted}, nil
	}

	switch opts.Mode {
	case model.ConflictSkip:
		return Outcome{Action: ActionSkipped}, nil
	case model.ConflictReplace:
		m.put(tenantID, category, rec.Collection, rec.ID, rec.Fields)
		return Outcome{Action: ActionReplaced}, nil
	case model.ConflictMerge:
		m.put(tenantID, category, rec.Collection, rec.ID, Merge(live, rec.Fields))
		return Outcome{Action: ActionMerged}, nil
	case model.ConflictAsk:
		if !Differs(live, rec.Fields) {
			return Outcome{Action: ActionUnchanged}, nil
		}
		copied := make(map[string]interface{}, len(live))
		for k, v := range live {
			copied[k] = v
		}
		return Outcome{Action: ActionConflict, Live: copied}, nil
	}
	return Outcome{}, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
		fmt.Sprintf("unknown conflict mode %q", opts.Mode))
}

// Clear implements Clearer by moving the tenant's records aside
func (m *Memory) Clear(ctx context.Context, tenantID, category string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dataKey(tenantID, category)
	var n int64
	for _, records := range m.data[key] {
		n += int64(len(records))
	}
	delete(m.data, key)
	m.deleted[key] += n
	return n, nil
}

// Cleared returns how many records Clear removed for a tenant category
func (m *Memory) Cleared(tenantID, category string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted[dataKey(tenantID, category)]
}
