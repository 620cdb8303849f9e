package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/catalog"
	"tenant-backup/internal/model"
)

func snapshotFixture() model.SchemaSnapshot {
	return model.SchemaSnapshot{
		"campaigns": {Kind: model.CategoryData, Collections: map[string]model.CollectionShape{
			"campaigns":        {"name": model.FieldString, "budget": model.FieldFloat, "legacy_code": model.FieldString},
			"campaign_budgets": {"amount": model.FieldFloat},
		}},
		"contacts": {Kind: model.CategoryData, Collections: map[string]model.CollectionShape{
			"contacts": {"email": model.FieldString},
		}},
		"invoices": {Kind: model.CategoryData, Collections: map[string]model.CollectionShape{
			"invoices": {"total": model.FieldFloat},
		}},
	}
}

func TestReconcile(t *testing.T) {
	live := model.SchemaSnapshot{
		"campaigns": {Kind: model.CategoryData, Collections: map[string]model.CollectionShape{
			"campaigns": {"name": model.FieldString, "budget": model.FieldString, "owner": model.FieldString},
		}},
		"contacts": {Kind: model.CategoryData, Collections: map[string]model.CollectionShape{
			"contacts": {"email": model.FieldString, "phone": model.FieldString},
		}},
	}

	report := Reconcile(snapshotFixture(), live)
	require.Len(t, report.Categories, 3)
	assert.False(t, report.SnapshotMissing)

	campaigns := report.Categories[0]
	assert.Equal(t, "campaigns", campaigns.Category)
	assert.Equal(t, model.PartiallyCompatible, campaigns.Status)
	assert.Equal(t, []string{"campaigns.budget", "campaigns.legacy_code"}, campaigns.SkippedFields)
	assert.Equal(t, []string{"campaigns.budget"}, campaigns.ChangedFields)
	assert.Equal(t, []string{"campaign_budgets"}, campaigns.MissingCollections)

	contacts := report.Categories[1]
	assert.Equal(t, model.Compatible, contacts.Status, "live-only fields do not matter")
	assert.Empty(t, contacts.SkippedFields)

	invoices := report.Categories[2]
	assert.Equal(t, model.Incompatible, invoices.Status)
	assert.Equal(t, ReasonCategoryMissing, invoices.Reason)

	assert.Equal(t, []string{"invoices"}, report.Incompatible())
	assert.True(t, report.Touches([]string{"contacts", "invoices"}, model.Incompatible))
	assert.False(t, report.Touches([]string{"contacts"}, model.Incompatible))
}

func TestReconcileIsDeterministic(t *testing.T) {
	live := model.SchemaSnapshot{"contacts": snapshotFixture()["contacts"]}
	first := Reconcile(snapshotFixture(), live)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Reconcile(snapshotFixture(), live))
	}
}

func TestWithoutSnapshot(t *testing.T) {
	report := WithoutSnapshot([]string{"contacts", "campaigns"})
	assert.True(t, report.SnapshotMissing)
	require.Len(t, report.Categories, 2)
	assert.Equal(t, "campaigns", report.Categories[0].Category)
	for _, c := range report.Categories {
		assert.Equal(t, model.Incompatible, c.Status)
		assert.Equal(t, ReasonSnapshotMissing, c.Reason)
	}
}

func TestFilter(t *testing.T) {
	report := Reconcile(snapshotFixture(), model.SchemaSnapshot{
		"campaigns": {Collections: map[string]model.CollectionShape{
			"campaigns": {"name": model.FieldString, "budget": model.FieldFloat},
		}},
	})
	verdict, ok := report.Lookup("campaigns")
	require.True(t, ok)

	f := NewFilter(verdict)
	rec, keep := f.Apply(catalog.Record{Collection: "campaigns", ID: "1", Fields: map[string]interface{}{
		"name": "spring", "budget": 10.0, "legacy_code": "X1",
	}})
	assert.True(t, keep)
	assert.Equal(t, map[string]interface{}{"name": "spring", "budget": 10.0}, rec.Fields)

	_, keep = f.Apply(catalog.Record{Collection: "campaign_budgets", ID: "1"})
	assert.False(t, keep)

	var none *Filter
	rec, keep = none.Apply(catalog.Record{Collection: "x", ID: "1"})
	assert.True(t, keep)
	assert.Equal(t, "1", rec.ID)
}

func TestLive(t *testing.T) {
	live := Live([]catalog.Category{{Name: "contacts", Shape: snapshotFixture()["contacts"]}})
	assert.Equal(t, []string{"contacts"}, live.CategoryNames())
}
