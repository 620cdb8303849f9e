package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

func campaignsCategory() Category {
	return Category{
		Name:  "campaigns",
		Label: "Campaigns",
		Shape: model.CategoryShape{
			Kind: model.CategoryData,
			Collections: map[string]model.CollectionShape{
				"campaigns": {"id": model.FieldString, "name": model.FieldString, "budget": model.FieldFloat},
			},
		},
	}
}

func collect(t *testing.T, c Catalog, tenant, category string) []Record {
	t.Helper()
	var out []Record
	for rec, err := range c.Extract(context.Background(), tenant, category) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestMerge(t *testing.T) {
	got := Merge(map[string]interface{}{"a": 1, "b": 2}, map[string]interface{}{"a": 9})
	assert.Equal(t, map[string]interface{}{"a": 9, "b": 2}, got)
}

func TestDiffersNormalisesTypes(t *testing.T) {
	live := map[string]interface{}{"id": int64(5), "name": "x", "extra": true}
	assert.False(t, Differs(live, map[string]interface{}{"id": float64(5), "name": "x"}))
	assert.True(t, Differs(live, map[string]interface{}{"name": "y"}))
	assert.True(t, Differs(live, map[string]interface{}{"missing": 1}))
	assert.True(t, Equal(map[string]interface{}{"n": int32(1)}, map[string]interface{}{"n": 1.0}))
}

func TestForBackupType(t *testing.T) {
	files := Category{Name: "ad_content", Shape: model.CategoryShape{Kind: model.CategoryFiles}}
	data := campaignsCategory()
	all := []Category{data, files}

	assert.Equal(t, []string{"ad_content", "campaigns"}, Names(ForBackupType(all, model.BackupTypeFull)))
	assert.Equal(t, []string{"campaigns"}, Names(ForBackupType(all, model.BackupTypeDataOnly)))
	assert.Equal(t, []string{"ad_content"}, Names(ForBackupType(all, model.BackupTypeFilesOnly)))
}

func TestMemoryExtractAndApply(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Define(campaignsCategory())
	m.Put("t1", "campaigns", Record{Collection: "campaigns", ID: "c2", Fields: map[string]interface{}{"id": "c2", "name": "Spring"}})
	m.Put("t1", "campaigns", Record{Collection: "campaigns", ID: "c1", Fields: map[string]interface{}{"id": "c1", "name": "Winter", "budget": 10.0}})
	m.Put("t2", "campaigns", Record{Collection: "campaigns", ID: "x", Fields: map[string]interface{}{"id": "x"}})

	records := collect(t, m, "t1", "campaigns")
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].ID)
	assert.Equal(t, "c2", records[1].ID)

	snapshot := Record{Collection: "campaigns", ID: "c1", Fields: map[string]interface{}{"id": "c1", "name": "Winter v0"}}

	tests := []struct {
		mode   model.ConflictMode
		action Action
		name   interface{}
	}{
		{model.ConflictSkip, ActionSkipped, "Winter"},
		{model.ConflictMerge, ActionMerged, "Winter v0"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			out, err := m.Apply(ctx, "t1", "campaigns", snapshot, ApplyOptions{Mode: tt.mode})
			require.NoError(t, err)
			assert.Equal(t, tt.action, out.Action)
			live, _ := m.Get("t1", "campaigns", "campaigns", "c1")
			assert.Equal(t, tt.name, live["name"])
			assert.Equal(t, 10.0, live["budget"], "live-only field survives")
		})
	}

	t.Run("replace drops live-only fields", func(t *testing.T) {
		out, err := m.Apply(ctx, "t1", "campaigns", snapshot, ApplyOptions{Mode: model.ConflictReplace})
		require.NoError(t, err)
		assert.Equal(t, ActionReplaced, out.Action)
		live, _ := m.Get("t1", "campaigns", "campaigns", "c1")
		assert.NotContains(t, live, "budget")
	})

	t.Run("ask", func(t *testing.T) {
		out, err := m.Apply(ctx, "t1", "campaigns", snapshot, ApplyOptions{Mode: model.ConflictAsk})
		require.NoError(t, err)
		assert.Equal(t, ActionUnchanged, out.Action)

		changed := Record{Collection: "campaigns", ID: "c2", Fields: map[string]interface{}{"id": "c2", "name": "Autumn"}}
		out, err = m.Apply(ctx, "t1", "campaigns", changed, ApplyOptions{Mode: model.ConflictAsk})
		require.NoError(t, err)
		assert.Equal(t, ActionConflict, out.Action)
		assert.Equal(t, "Spring", out.Live["name"])
	})

	t.Run("new record is inserted", func(t *testing.T) {
		out, err := m.Apply(ctx, "t1", "campaigns", Record{Collection: "campaigns", ID: "c9", Fields: map[string]interface{}{"id": "c9"}}, ApplyOptions{Mode: model.ConflictSkip})
		require.NoError(t, err)
		assert.Equal(t, ActionInserted, out.Action)
		assert.Equal(t, 3, m.Count("t1", "campaigns"))
		assert.Equal(t, 1, m.Count("t2", "campaigns"))
	})

	t.Run("clear", func(t *testing.T) {
		n, err := m.Clear(ctx, "t1", "campaigns")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, 0, m.Count("t1", "campaigns"))
		assert.Equal(t, int64(3), m.Cleared("t1", "campaigns"))
	})
}

func TestMemoryHooksAndSchemaChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Define(campaignsCategory())
	m.Put("t1", "campaigns", Record{Collection: "campaigns", ID: "c1", Fields: map[string]interface{}{"id": "c1"}})

	boom := errors.New("disk on fire")
	m.FailExtract("campaigns", func(Record) error { return boom })
	var gotErr error
	for _, err := range m.Extract(ctx, "t1", "campaigns") {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, boom)

	m.FailApply("campaigns", func(r Record) error { return boom })
	_, err := m.Apply(ctx, "t1", "campaigns", Record{Collection: "campaigns", ID: "c1"}, ApplyOptions{Mode: model.ConflictSkip})
	assert.ErrorIs(t, err, boom)

	m.DropField("campaigns", "campaigns", "budget")
	cats, err := m.ListCategories(ctx, "t1")
	require.NoError(t, err)
	assert.NotContains(t, cats[0].Shape.Collections["campaigns"], "budget")

	m.Drop("campaigns")
	cats, err = m.ListCategories(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, cats)

	for _, err := range m.Extract(ctx, "t1", "campaigns") {
		assert.Equal(t, appErrors.ReasonUnknownCategory, appErrors.ReasonOf(err))
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]model.FieldKind{
		"INTEGER":           model.FieldInteger,
		"bigint":            model.FieldInteger,
		"varchar(255)":      model.FieldString,
		"character varying": model.FieldString,
		"TEXT":              model.FieldString,
		"double precision":  model.FieldFloat,
		"decimal":           model.FieldFloat,
		"boolean":           model.FieldBoolean,
		"datetime":          model.FieldTime,
		"timestamptz":       model.FieldTime,
		"jsonb":             model.FieldJSON,
		"BLOB":              model.FieldBinary,
		"":                  model.FieldString,
	}
	for in, want := range tests {
		assert.Equal(t, want, KindOf(in), in)
	}
}
