package restore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/audit"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/catalog"
	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/keys"
	"tenant-backup/internal/model"
	"tenant-backup/internal/notify"
	"tenant-backup/internal/restore"
	"tenant-backup/internal/secrets"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
	"tenant-backup/internal/store/storetest"
)

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	clock    *testclock.Clock
	catalog  *catalog.Memory
	storage  *storage.MemoryAdapter
	notes    *notify.Recorder
	backups  *backup.Engine
	restores *restore.Engine
}

func newFixture(t *testing.T, plan string) *fixture {
	t.Helper()
	s := storetest.New(t)
	clk := testclock.NewClock(start)
	auditLogger := audit.NewLogger(s.DB, clk, nil)
	svc := settings.NewService(s.DB, settings.Defaults{
		Plan:                   plan,
		StorageDisk:            "memory",
		RetentionDays:          30,
		MaxConsecutiveFailures: 3,
		FailureRateThreshold:   0.25,
		StorageWarningRatio:    0.8,
	}, clk, auditLogger, nil)
	keyManager := keys.NewManager(s.DB, secrets.NewMemoryStore(), svc, auditLogger, clk, nil)

	cat := catalog.NewMemory()
	mem := storage.NewMemoryAdapter()
	notes := &notify.Recorder{}
	backups := backup.NewEngine(backup.Deps{
		DB:       s.DB,
		Catalog:  cat,
		Storage:  mem,
		Keys:     keyManager,
		Settings: svc,
		Audit:    auditLogger,
		Notifier: notes,
		Clock:    clk,
	}, backup.Options{Compression: config.CompressionConfig{Algorithm: "gzip"}})
	restores := restore.NewEngine(restore.Deps{
		DB:       s.DB,
		Catalog:  cat,
		Backups:  backups,
		Settings: svc,
		Audit:    auditLogger,
		Notifier: notes,
		Clock:    clk,
	}, restore.Options{})

	return &fixture{
		store:    s,
		clock:    clk,
		catalog:  cat,
		storage:  mem,
		notes:    notes,
		backups:  backups,
		restores: restores,
	}
}

// withCampaigns defines campaigns with ten records and an empty contacts category
func (f *fixture) withCampaigns() *fixture {
	f.catalog.Define(catalog.Category{Name: "campaigns", Label: "Campaigns", Shape: model.CategoryShape{
		Collections: map[string]model.CollectionShape{
			"campaigns": {"name": model.FieldString, "budget": model.FieldFloat},
		},
	}})
	f.catalog.Define(catalog.Category{Name: "contacts", Label: "Contacts", Shape: model.CategoryShape{
		Collections: map[string]model.CollectionShape{
			"contacts": {"email": model.FieldString},
		},
	}})
	for i := 1; i <= 10; i++ {
		f.catalog.Put("t1", "campaigns", catalog.Record{
			Collection: "campaigns",
			ID:         fmt.Sprint(i),
			Fields:     map[string]interface{}{"name": fmt.Sprintf("campaign %d", i), "budget": float64(i * 100)},
		})
	}
	return f
}

func (f *fixture) backup(t *testing.T) *model.Backup {
	t.Helper()
	b, err := f.backups.RunBackup(context.Background(), backup.Request{TenantID: "t1", RequestedBy: "alice"})
	require.NoError(t, err)
	return b
}

func (f *fixture) campaign(t *testing.T, id string) map[string]interface{} {
	t.Helper()
	rec, ok := f.catalog.Get("t1", "campaigns", "campaigns", id)
	require.True(t, ok, "campaign %s is missing", id)
	return rec
}

func (f *fixture) rename(id, name string) {
	f.catalog.Put("t1", "campaigns", catalog.Record{
		Collection: "campaigns",
		ID:         id,
		Fields:     map[string]interface{}{"name": name, "budget": float64(1)},
	})
}

func (f *fixture) reload(t *testing.T, rs *model.Restore) *model.Restore {
	t.Helper()
	got, err := f.store.Restores().Get(context.Background(), rs.TenantID, rs.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) preRestoreBackups(t *testing.T) []*model.Backup {
	t.Helper()
	list, err := f.store.Backups().List(context.Background(), store.BackupFilter{
		TenantID: "t1",
		Trigger:  model.TriggerPreRestore,
	})
	require.NoError(t, err)
	return list
}

func TestFullRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	f.rename("1", "renamed")
	f.catalog.Put("t1", "campaigns", catalog.Record{
		Collection: "campaigns",
		ID:         "11",
		Fields:     map[string]interface{}{"name": "created later"},
	})

	rs, code, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:    "t1",
		BackupID:    b.ID,
		Type:        model.RestoreFull,
		RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RestoreAwaitingConfirmation, rs.Status)
	assert.Equal(t, "email_code", rs.ConfirmationMethod)
	assert.Len(t, code, 6)
	assert.Equal(t, model.ConflictReplace, rs.ConflictMode)
	assert.ElementsMatch(t, []string{"campaigns", "contacts"}, rs.SelectedCategories)
	stored := f.reload(t, rs).ConfirmationCodeHash
	assert.NotEmpty(t, stored)
	assert.NotEqual(t, code, stored)

	_, err = f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
	require.NoError(t, err)

	done, err := f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RestoreCompleted, done.Status)

	assert.Equal(t, 10, f.catalog.Count("t1", "campaigns"))
	assert.True(t, catalog.Equal(f.campaign(t, "1"), map[string]interface{}{"name": "campaign 1", "budget": 100}))
	_, ok := f.catalog.Get("t1", "campaigns", "campaigns", "11")
	assert.False(t, ok, "a full restore replaces the category wholesale")
	assert.Equal(t, int64(11), f.catalog.Cleared("t1", "campaigns"))

	got := f.reload(t, rs)
	require.NotNil(t, got.Execution)
	assert.ElementsMatch(t, []string{"campaigns", "contacts"}, got.Execution.Restored())
	assert.Equal(t, int64(10), got.Execution.Totals().Inserted)
	assert.True(t, got.CanRollback)
	assert.WithinDuration(t, start.Add(24*time.Hour), got.RollbackExpiresAt, time.Second)
	assert.Equal(t, "bob", got.ConfirmedBy)
	assert.Empty(t, got.ConfirmationCodeHash)

	assert.Len(t, f.notes.Named(model.EventRestoreStarted), 1)
	assert.Len(t, f.notes.Named(model.EventRestoreCompleted), 1)
}

func TestSafetyBackupPrecedesFirstWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:     "t1",
		BackupID:     b.ID,
		Type:         model.RestoreMerge,
		ConflictMode: model.ConflictReplace,
	})
	require.NoError(t, err)
	require.Equal(t, model.RestoreProcessing, rs.Status)

	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)

	got := f.reload(t, rs)
	report := got.Execution
	require.NotNil(t, report)
	require.NotEmpty(t, got.SafetyBackupID)
	assert.Equal(t, got.SafetyBackupID, report.SafetyBackupID)
	assert.False(t, report.FirstMutationAt.IsZero())
	assert.False(t, report.SafetyBackupCompletedAt.After(report.FirstMutationAt))

	safety := f.preRestoreBackups(t)
	require.Len(t, safety, 1)
	assert.Equal(t, model.BackupCompleted, safety[0].Status)
	assert.Equal(t, rs.ID, safety[0].RestoreID)
}

func TestSafetyBackupFailureStopsRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)
	f.rename("1", "renamed")

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:     "t1",
		BackupID:     b.ID,
		Type:         model.RestoreMerge,
		ConflictMode: model.ConflictReplace,
	})
	require.NoError(t, err)

	f.catalog.FailExtract("campaigns", func(catalog.Record) error {
		return appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "connection reset", nil)
	})

	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ReasonSafetyBackupFailed, appErrors.ReasonOf(err))

	got := f.reload(t, rs)
	assert.Equal(t, model.RestoreFailed, got.Status)
	assert.Equal(t, appErrors.ReasonSafetyBackupFailed, got.FailureReason)
	assert.False(t, got.CanRollback)
	assert.Empty(t, got.SafetyBackupID)
	assert.True(t, got.Execution.FirstMutationAt.IsZero())
	assert.Equal(t, "renamed", f.campaign(t, "1")["name"])
	assert.Len(t, f.notes.Named(model.EventRestoreFailed), 1)
}

func TestMergeKeepsLiveOnlyFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "basic")
	f.catalog.Define(catalog.Category{Name: "widgets", Shape: model.CategoryShape{
		Collections: map[string]model.CollectionShape{
			"widgets": {"a": model.FieldInteger, "b": model.FieldInteger},
		},
	}})
	f.catalog.Put("t1", "widgets", catalog.Record{Collection: "widgets", ID: "w1", Fields: map[string]interface{}{"a": 9}})
	b := f.backup(t)

	f.catalog.Put("t1", "widgets", catalog.Record{Collection: "widgets", ID: "w1", Fields: map[string]interface{}{"a": 1, "b": 2}})

	rs, code, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID: "t1",
		BackupID: b.ID,
		Type:     model.RestoreMerge,
	})
	require.NoError(t, err)
	assert.Empty(t, code)
	assert.Equal(t, model.ConflictMerge, rs.ConflictMode)

	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)

	live, ok := f.catalog.Get("t1", "widgets", "widgets", "w1")
	require.True(t, ok)
	assert.True(t, catalog.Equal(live, map[string]interface{}{"a": 9, "b": 2}), "got %v", live)
	assert.Equal(t, int64(1), f.reload(t, rs).Execution.Totals().Merged)
}

func TestFailureAfterSevenOfTenCategories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro")
	var names []string
	for i := 1; i <= 10; i++ {
		name := fmt.Sprintf("c%02d", i)
		names = append(names, name)
		f.catalog.Define(catalog.Category{Name: name, Shape: model.CategoryShape{
			Collections: map[string]model.CollectionShape{"items": {"v": model.FieldInteger}},
		}})
		f.catalog.Put("t1", name, catalog.Record{Collection: "items", ID: "1", Fields: map[string]interface{}{"v": i}})
	}
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:     "t1",
		BackupID:     b.ID,
		Type:         model.RestoreMerge,
		ConflictMode: model.ConflictReplace,
	})
	require.NoError(t, err)

	f.catalog.FailApply("c08", func(catalog.Record) error {
		return appErrors.NewTransientError(appErrors.ReasonDatabaseUnavailable, "database went away", nil)
	})

	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))

	got := f.reload(t, rs)
	assert.Equal(t, model.RestoreFailed, got.Status)
	assert.Equal(t, appErrors.ReasonDatabaseUnavailable, got.FailureReason)
	assert.Equal(t, names[:7], got.Execution.Restored())
	assert.Equal(t, names[7:], got.Execution.NotAttempted())

	assert.True(t, got.CanRollback)
	assert.WithinDuration(t, start.Add(24*time.Hour), got.RollbackExpiresAt, time.Second)
	require.NotEmpty(t, got.SafetyBackupID)
	safety, err := f.store.Backups().Get(ctx, "t1", got.SafetyBackupID)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerPreRestore, safety.Trigger)
	assert.Equal(t, model.BackupCompleted, safety.Status)
}

func TestIncompatibleCategoryPlanning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "free").withCampaigns()
	b := f.backup(t)
	f.catalog.Drop("contacts")

	t.Run("selection avoiding the incompatible category", func(t *testing.T) {
		rs, code, err := f.restores.PlanRestore(ctx, restore.Plan{
			TenantID:   "t1",
			BackupID:   b.ID,
			Type:       model.RestoreSelective,
			Categories: []string{"campaigns"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.RestoreProcessing, rs.Status)
		assert.Empty(t, code)
		assert.Equal(t, []string{"contacts"}, rs.Report.Incompatible())
	})

	t.Run("selection touching the incompatible category", func(t *testing.T) {
		rs, code, err := f.restores.PlanRestore(ctx, restore.Plan{
			TenantID:   "t1",
			BackupID:   b.ID,
			Type:       model.RestoreSelective,
			Categories: []string{"campaigns", "contacts"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.RestoreAwaitingConfirmation, rs.Status)
		assert.Equal(t, "simple", rs.ConfirmationMethod)
		require.NotEmpty(t, code)

		_, err = f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
		require.NoError(t, err)
		_, err = f.restores.Execute(ctx, "t1", rs.ID)
		require.NoError(t, err)

		got := f.reload(t, rs)
		assert.Equal(t, model.RestoreCompleted, got.Status)
		assert.Equal(t, []string{"campaigns"}, got.Execution.Restored())
		outcomes := map[string]model.CategoryOutcome{}
		for _, c := range got.Execution.Categories {
			outcomes[c.Category] = c.Outcome
		}
		assert.Equal(t, model.CategoryIncompatible, outcomes["contacts"])
	})

	t.Run("rejections", func(t *testing.T) {
		_, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreFull})
		assert.Equal(t, appErrors.ReasonPlanLimit, appErrors.ReasonOf(err))

		_, _, err = f.restores.PlanRestore(ctx, restore.Plan{
			TenantID: "t1", BackupID: b.ID, Type: model.RestoreSelective, Categories: []string{"reports"},
		})
		assert.Equal(t, appErrors.ReasonUnknownCategory, appErrors.ReasonOf(err))

		_, _, err = f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreSelective})
		assert.True(t, appErrors.IsValidation(err))

		_, _, err = f.restores.PlanRestore(ctx, restore.Plan{
			TenantID: "t2", BackupID: b.ID, Type: model.RestoreSelective, Categories: []string{"campaigns"},
		})
		assert.True(t, appErrors.IsNotFound(err))
	})
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)
	plan := restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreFull}

	t.Run("wrong code", func(t *testing.T) {
		rs, code, err := f.restores.PlanRestore(ctx, plan)
		require.NoError(t, err)
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		_, err = f.restores.Confirm(ctx, "t1", rs.ID, wrong, "bob")
		assert.True(t, appErrors.IsValidation(err))
		assert.Equal(t, model.RestoreAwaitingConfirmation, f.reload(t, rs).Status)
	})

	t.Run("expired code", func(t *testing.T) {
		rs, code, err := f.restores.PlanRestore(ctx, plan)
		require.NoError(t, err)
		f.clock.Advance(15 * time.Minute)
		_, err = f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("single use", func(t *testing.T) {
		rs, code, err := f.restores.PlanRestore(ctx, plan)
		require.NoError(t, err)
		confirmed, err := f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.RestoreProcessing, confirmed.Status)

		_, err = f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
		assert.True(t, appErrors.IsConflict(err))
		assert.Equal(t, appErrors.ReasonAlreadyConfirmed, appErrors.ReasonOf(err))
	})

	t.Run("not awaiting confirmation", func(t *testing.T) {
		rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
			TenantID: "t1", BackupID: b.ID, Type: model.RestoreSelective, Categories: []string{"campaigns"},
		})
		require.NoError(t, err)
		_, err = f.restores.Confirm(ctx, "t1", rs.ID, "123456", "bob")
		assert.Equal(t, appErrors.ReasonInvalidState, appErrors.ReasonOf(err))
	})
}

func TestAskModeHaltsForResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)
	f.rename("1", "renamed")

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:     "t1",
		BackupID:     b.ID,
		Type:         model.RestoreMerge,
		ConflictMode: model.ConflictAsk,
	})
	require.NoError(t, err)

	halted, err := f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RestoreAwaitingResolution, halted.Status)
	require.Len(t, halted.Conflicts, 1)
	key := halted.Conflicts[0].Key()
	assert.Equal(t, "campaigns/campaigns/1", key)
	assert.Equal(t, "renamed", f.campaign(t, "1")["name"], "ask mode does not write conflicting records")
	assert.Equal(t, int64(9), halted.Execution.Totals().Unchanged)

	_, err = f.restores.ResolveConflicts(ctx, "t1", rs.ID, map[string]model.ConflictMode{
		"campaigns/campaigns/99": model.ConflictReplace,
	}, "bob")
	assert.True(t, appErrors.IsValidation(err))

	_, err = f.restores.ResolveConflicts(ctx, "t1", rs.ID, map[string]model.ConflictMode{key: model.ConflictAsk}, "bob")
	assert.True(t, appErrors.IsValidation(err))

	resolved, err := f.restores.ResolveConflicts(ctx, "t1", rs.ID, map[string]model.ConflictMode{key: model.ConflictReplace}, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RestoreProcessing, resolved.Status)

	done, err := f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RestoreCompleted, done.Status)
	assert.Equal(t, "campaign 1", f.campaign(t, "1")["name"])
	assert.Equal(t, int64(1), done.Execution.Totals().Replaced)
	assert.Len(t, f.preRestoreBackups(t), 1, "the second pass reuses the safety backup")
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)
	f.rename("1", "renamed")

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:     "t1",
		BackupID:     b.ID,
		Type:         model.RestoreMerge,
		ConflictMode: model.ConflictReplace,
	})
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)
	require.Equal(t, "campaign 1", f.campaign(t, "1")["name"])

	rolled, err := f.restores.Rollback(ctx, "t1", rs.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RestoreRolledBack, rolled.Status)
	assert.Equal(t, "bob", rolled.RolledBackBy)
	assert.False(t, rolled.CanRollback)
	assert.Equal(t, "renamed", f.campaign(t, "1")["name"])

	child, err := f.store.Restores().Get(ctx, "t1", rolled.RollbackRestoreID)
	require.NoError(t, err)
	assert.Equal(t, rs.ID, child.RollbackOf)
	assert.Equal(t, model.RestoreFull, child.Type)
	assert.Equal(t, model.RestoreCompleted, child.Status)

	_, err = f.restores.Rollback(ctx, "t1", rs.ID, "bob")
	assert.True(t, appErrors.IsConflict(err))
}

func TestRollbackWhileAnotherRestoreRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge})
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)

	other, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge})
	require.NoError(t, err)
	other.Status = model.RestoreProcessing
	other.StartedAt = f.clock.Now()
	require.NoError(t, f.store.Restores().Update(ctx, other, "status", "started_at"))

	_, err = f.restores.Rollback(ctx, "t1", rs.ID, "bob")
	require.Error(t, err)
	assert.True(t, appErrors.IsConflict(err))

	all, err := f.store.Restores().List(ctx, store.RestoreFilter{TenantID: "t1"})
	require.NoError(t, err)
	var children int
	for _, r := range all {
		if r.RollbackOf != rs.ID {
			continue
		}
		children++
		assert.Equal(t, model.RestoreFailed, r.Status)
		assert.Equal(t, appErrors.ReasonRestoreInProgress, r.FailureReason)
	}
	assert.Equal(t, 1, children)
	assert.True(t, f.reload(t, rs).CanRollback, "a refused rollback can be retried")

	other.Status = model.RestoreFailed
	require.NoError(t, f.store.Restores().Update(ctx, other, "status"))
	rolled, err := f.restores.Rollback(ctx, "t1", rs.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RestoreRolledBack, rolled.Status)
}

func TestRollbackClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge})
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)

	repo := f.store.Restores()
	claimed, err := repo.ClaimRollback(ctx, rs.ID, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.ClaimRollback(ctx, rs.ID, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRollbackWindowExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge,
	})
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.restores.Rollback(ctx, "t1", rs.ID, "bob")
	require.Error(t, err)
	assert.True(t, appErrors.IsConflict(err))
	assert.Equal(t, appErrors.ReasonRollbackExpired, appErrors.ReasonOf(err))
	assert.False(t, f.reload(t, rs).CanRollback)
}

func TestCancelBetweenCategories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	f.catalog.Put("t1", "contacts", catalog.Record{Collection: "contacts", ID: "c1", Fields: map[string]interface{}{"email": "a@example.com"}})
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge, ConflictMode: model.ConflictReplace,
	})
	require.NoError(t, err)

	f.catalog.FailApply("campaigns", func(catalog.Record) error {
		f.restores.Cancel(rs.ID)
		return nil
	})

	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.Error(t, err)
	assert.True(t, appErrors.IsCancelled(err))

	got := f.reload(t, rs)
	assert.Equal(t, model.RestoreFailed, got.Status)
	assert.Equal(t, appErrors.ReasonCancelled, got.FailureReason)
	assert.True(t, got.Execution.Cancelled)
	assert.Equal(t, []string{"campaigns"}, got.Execution.Restored())
	assert.Equal(t, []string{"contacts"}, got.Execution.NotAttempted())
	assert.False(t, f.restores.Cancel(rs.ID), "nothing left to cancel")
}

func TestRecordFailuresAgainstThreshold(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, failing int) (*model.Restore, error) {
		f := newFixture(t, "pro").withCampaigns()
		b := f.backup(t)
		rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{
			TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge, ConflictMode: model.ConflictReplace,
		})
		require.NoError(t, err)
		f.catalog.FailApply("campaigns", func(rec catalog.Record) error {
			var n int
			_, _ = fmt.Sscan(rec.ID, &n)
			if n <= failing {
				return fmt.Errorf("constraint violation on %s", rec.ID)
			}
			return nil
		})
		_, err = f.restores.Execute(ctx, "t1", rs.ID)
		return f.reload(t, rs), err
	}

	t.Run("below the threshold", func(t *testing.T) {
		got, err := run(t, 1)
		require.NoError(t, err)
		assert.Equal(t, model.RestoreCompleted, got.Status)
		require.Len(t, got.Execution.Errors, 1)
		assert.Equal(t, "1", got.Execution.Errors[0].RecordID)
		assert.InDelta(t, 0.1, got.Execution.FailureRate, 0.0001)
	})

	t.Run("above the threshold", func(t *testing.T) {
		got, err := run(t, 5)
		require.Error(t, err)
		assert.Equal(t, appErrors.ReasonFailureThreshold, appErrors.ReasonOf(err))
		assert.Equal(t, model.RestoreFailed, got.Status)
		assert.Len(t, got.Execution.Errors, 5)
		assert.True(t, got.CanRollback)
	})
}

func TestTamperedSourceFailsRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)
	f.storage.Tamper(storage.Location(b.FilePath), func(data []byte) []byte {
		data[len(data)/2] ^= 0xff
		return data
	})

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge})
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.Error(t, err)
	assert.True(t, appErrors.IsIntegrity(err))

	got := f.reload(t, rs)
	assert.Equal(t, appErrors.ReasonChecksumMismatch, got.FailureReason)
	assert.True(t, got.Execution.FirstMutationAt.IsZero())
}

func TestRestoreFromUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "free").withCampaigns()
	b := f.backup(t)
	f.rename("2", "renamed")

	rs, code, err := f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:       "t1",
		UploadLocation: storage.Location(b.FilePath),
		Type:           model.RestoreSelective,
		Categories:     []string{"campaigns"},
		ConflictMode:   model.ConflictReplace,
	})
	require.NoError(t, err)
	assert.True(t, rs.Report.SnapshotMissing)
	assert.Equal(t, model.RestoreAwaitingConfirmation, rs.Status)

	_, err = f.restores.Confirm(ctx, "t1", rs.ID, code, "bob")
	require.NoError(t, err)
	_, err = f.restores.Execute(ctx, "t1", rs.ID)
	require.NoError(t, err)
	assert.Equal(t, "campaign 2", f.campaign(t, "2")["name"])

	_, _, err = f.restores.PlanRestore(ctx, restore.Plan{
		TenantID:       "t2",
		UploadLocation: storage.Location(b.FilePath),
		Type:           model.RestoreSelective,
		Categories:     []string{"campaigns"},
	})
	assert.True(t, appErrors.IsValidation(err))
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "pro").withCampaigns()
	b := f.backup(t)

	rs, _, err := f.restores.PlanRestore(ctx, restore.Plan{TenantID: "t1", BackupID: b.ID, Type: model.RestoreMerge})
	require.NoError(t, err)

	n, err := f.restores.RecoverStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(3 * time.Hour)
	n, err = f.restores.RecoverStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reload(t, rs)
	assert.Equal(t, model.RestoreFailed, got.Status)
	assert.Equal(t, appErrors.ReasonTimedOut, got.FailureReason)
}
