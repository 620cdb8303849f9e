package backup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/backup"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/settings"
)

func TestSweepWarnsThenExpires(t *testing.T) {
	f := newFixture(t, "pro")
	ctx := context.Background()

	b, err := f.engine.RunBackup(ctx, backup.Request{TenantID: "t1"})
	require.NoError(t, err)

	f.clock.Advance(28 * 24 * time.Hour)
	res, err := f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)
	assert.Zero(t, res.Expired)
	require.Len(t, f.notes.Named(model.EventBackupExpiring), 1)
	assert.Equal(t, b.ID, f.notes.Named(model.EventBackupExpiring)[0].EntityID)

	res, err = f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Warned, "a backup is warned about once")

	f.clock.Advance(3 * 24 * time.Hour)
	res, err = f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Deleted)
	assert.Empty(t, res.Errors)

	assert.Equal(t, model.BackupExpired, f.reload(t, b).Status)
	assert.Equal(t, 1, f.storage.Len())
	assert.Equal(t, 1, f.auditActions(t, "backup.expired"))
}

func TestSweepAutoDeletesExpired(t *testing.T) {
	f := newFixture(t, "pro")
	ctx := context.Background()

	on := true
	_, err := f.settings.Update(ctx, "t1", settings.Patch{AutoDeleteExpired: &on}, "alice")
	require.NoError(t, err)

	b, err := f.engine.RunBackup(ctx, backup.Request{TenantID: "t1"})
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Deleted)

	assert.Equal(t, 0, f.storage.Len())
	_, err = f.store.Backups().Get(ctx, "t1", b.ID)
	assert.True(t, appErrors.IsNotFound(err))

	usage, err := f.settings.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestSweepEnforcesMaxBackups(t *testing.T) {
	f := newFixture(t, "pro")
	ctx := context.Background()

	require.NoError(t, f.store.Schedules().Insert(ctx, &model.Schedule{
		ID:            "s1",
		TenantID:      "t1",
		Name:          "nightly",
		IsActive:      true,
		Frequency:     model.FrequencyDaily,
		BackupType:    model.BackupTypeFull,
		PreferredTime: "03:00",
		Timezone:      "UTC",
		RetentionDays: 30,
		MaxBackups:    2,
		CreatedAt:     start,
		UpdatedAt:     start,
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		b, err := f.engine.RunBackup(ctx, backup.Request{TenantID: "t1", Trigger: model.TriggerScheduled, ScheduleID: "s1"})
		require.NoError(t, err)
		ids = append(ids, b.ID)
		f.clock.Advance(time.Minute)
	}

	res, err := f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Trimmed)

	oldest, err := f.store.Backups().Get(ctx, "t1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.BackupExpired, oldest.Status)
	for _, id := range ids[1:] {
		kept, err := f.store.Backups().Get(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, model.BackupCompleted, kept.Status)
	}
}

func TestSweepFailsStaleBackups(t *testing.T) {
	f := newFixture(t, "pro")
	ctx := context.Background()

	stale := &model.Backup{
		ID:           "stale",
		TenantID:     "t1",
		BackupNumber: "BKUP-2026-001",
		Type:         model.BackupTypeFull,
		Trigger:      model.TriggerManual,
		Status:       model.BackupProcessing,
		CreatedAt:    start,
		StartedAt:    start,
	}
	require.NoError(t, f.store.Backups().Insert(ctx, stale))

	f.clock.Advance(2 * time.Hour)
	res, err := f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)

	got := f.reload(t, stale)
	assert.Equal(t, model.BackupFailed, got.Status)
	assert.Equal(t, appErrors.ReasonTimedOut, got.FailureReason)

	_, err = f.engine.RunBackup(ctx, backup.Request{TenantID: "t1"})
	assert.NoError(t, err, "a timed out backup no longer blocks new ones")
}

func TestSweepClosesRollbackWindows(t *testing.T) {
	f := newFixture(t, "pro")
	ctx := context.Background()

	require.NoError(t, f.store.Restores().Insert(ctx, &model.Restore{
		ID:                "r1",
		TenantID:          "t1",
		RestoreNumber:     "RSTR-2026-001",
		Type:              model.RestoreSelective,
		ConflictMode:      model.ConflictSkip,
		Status:            model.RestoreCompleted,
		CanRollback:       true,
		RollbackExpiresAt: start.Add(time.Hour),
		CreatedAt:         start,
		UpdatedAt:         start,
	}))

	res, err := f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, res.RollbacksClosed)

	f.clock.Advance(time.Hour)
	res, err = f.engine.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RollbacksClosed)

	r, err := f.store.Restores().Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.False(t, r.CanRollback)
}
