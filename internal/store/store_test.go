package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
	"tenant-backup/internal/store/storetest"
)

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newBackup(tenant, number string, trigger model.TriggerType, status model.BackupStatus) *model.Backup {
	return &model.Backup{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		BackupNumber: number,
		Type:         model.BackupTypeFull,
		Trigger:      trigger,
		Status:       status,
		Summary:      model.Summary{"campaigns": {Label: "Campaigns", RecordCount: 10}},
		CreatedAt:    baseTime,
	}
}

func TestBackupRepo(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repo := s.Backups()

	t.Run("insert and get scoped by tenant", func(t *testing.T) {
		b := newBackup("t1", "BKUP-2026-001", model.TriggerManual, model.BackupCompleted)
		require.NoError(t, repo.Insert(ctx, b))

		got, err := repo.Get(ctx, "t1", b.ID)
		require.NoError(t, err)
		assert.Equal(t, "BKUP-2026-001", got.BackupNumber)
		assert.Equal(t, int64(10), got.Summary["campaigns"].RecordCount)

		_, err = repo.Get(ctx, "t2", b.ID)
		assert.True(t, appErrors.IsNotFound(err))
	})

	t.Run("sequence counts soft deleted rows", func(t *testing.T) {
		b := newBackup("t3", "BKUP-2026-001", model.TriggerManual, model.BackupCompleted)
		require.NoError(t, repo.Insert(ctx, b))
		require.NoError(t, repo.SoftDelete(ctx, b))

		_, err := repo.Get(ctx, "t3", b.ID)
		assert.True(t, appErrors.IsNotFound(err))

		seq, err := repo.NextSequence(ctx, "t3", 2026)
		require.NoError(t, err)
		assert.Equal(t, 2, seq)

		seq, err = repo.NextSequence(ctx, "t3", 2027)
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
	})

	t.Run("duplicate number is a conflict", func(t *testing.T) {
		b := newBackup("t4", "BKUP-2026-001", model.TriggerManual, model.BackupPending)
		require.NoError(t, repo.Insert(ctx, b))
		dup := newBackup("t4", "BKUP-2026-001", model.TriggerManual, model.BackupPending)
		err := repo.Insert(ctx, dup)
		require.Error(t, err)
		assert.True(t, appErrors.IsConflict(err))
	})

	t.Run("processing count respects trigger class", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, newBackup("t5", "BKUP-2026-001", model.TriggerManual, model.BackupProcessing)))

		n, err := repo.CountProcessing(ctx, "t5", model.TriggersInClass("regular"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = repo.CountProcessing(ctx, "t5", model.TriggersInClass("pre_restore"))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("expired and expiring", func(t *testing.T) {
		old := newBackup("t6", "BKUP-2026-001", model.TriggerScheduled, model.BackupCompleted)
		old.ExpiresAt = baseTime.Add(-time.Hour)
		soon := newBackup("t6", "BKUP-2026-002", model.TriggerScheduled, model.BackupCompleted)
		soon.ExpiresAt = baseTime.Add(48 * time.Hour)
		later := newBackup("t6", "BKUP-2026-003", model.TriggerScheduled, model.BackupCompleted)
		later.ExpiresAt = baseTime.Add(10 * 24 * time.Hour)
		for _, b := range []*model.Backup{old, soon, later} {
			require.NoError(t, repo.Insert(ctx, b))
		}

		expired, err := repo.ListExpired(ctx, baseTime)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, old.ID, expired[0].ID)

		expiring, err := repo.ListExpiring(ctx, baseTime, baseTime.Add(72*time.Hour))
		require.NoError(t, err)
		require.Len(t, expiring, 1)
		assert.Equal(t, soon.ID, expiring[0].ID)
	})

	t.Run("download counter", func(t *testing.T) {
		b := newBackup("t7", "BKUP-2026-001", model.TriggerManual, model.BackupCompleted)
		require.NoError(t, repo.Insert(ctx, b))
		require.NoError(t, repo.RecordDownload(ctx, b.ID, baseTime))
		require.NoError(t, repo.RecordDownload(ctx, b.ID, baseTime))

		got, err := repo.Get(ctx, "t7", b.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.DownloadCount)
		assert.True(t, got.DownloadedAt.Equal(baseTime))
	})
}

func TestScheduleRepoSlotDispatch(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repo := s.Schedules()

	slot := baseTime
	sched := &model.Schedule{
		ID:            uuid.NewString(),
		TenantID:      "t1",
		Name:          "nightly",
		IsActive:      true,
		Frequency:     model.FrequencyDaily,
		BackupType:    model.BackupTypeFull,
		PreferredTime: "03:00",
		Timezone:      "UTC",
		RetentionDays: 30,
		MaxBackups:    10,
		NextRunAt:     slot,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
	require.NoError(t, repo.Insert(ctx, sched))

	due, err := repo.ListDue(ctx, baseTime)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := slot.Add(24 * time.Hour)
	ok, err := repo.AdvanceSlot(ctx, sched.ID, due[0].NextRunAt, next, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AdvanceSlot(ctx, sched.ID, slot, next.Add(24*time.Hour), baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "second advance of the same slot must lose")

	d := &model.ScheduleDispatch{ScheduleID: sched.ID, TenantID: "t1", RunAt: slot, DispatchedAt: baseTime}
	inserted, err := repo.RecordDispatch(ctx, d)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &model.ScheduleDispatch{ScheduleID: sched.ID, TenantID: "t1", RunAt: slot, DispatchedAt: baseTime}
	inserted, err = repo.RecordDispatch(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, repo.UpdateDispatch(ctx, sched.ID, slot, "backup-1", 2))
	ledger, err := repo.ListDispatches(ctx, sched.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "backup-1", ledger[0].BackupID)
	assert.Equal(t, 2, ledger[0].Attempts)

	exists, err := repo.ActiveWithFrequency(ctx, "t1", model.FrequencyDaily, "")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.ActiveWithFrequency(ctx, "t1", model.FrequencyDaily, sched.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestoreRepoStatusCAS(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repo := s.Restores()

	rs := &model.Restore{
		ID:            uuid.NewString(),
		TenantID:      "t1",
		RestoreNumber: "RSTR-2026-001",
		Type:          model.RestoreSelective,
		ConflictMode:  model.ConflictSkip,
		Status:        model.RestoreAwaitingConfirmation,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
	require.NoError(t, repo.Insert(ctx, rs))

	rs.Status = model.RestoreProcessing
	ok, err := repo.UpdateFrom(ctx, rs, model.RestoreAwaitingConfirmation)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateFrom(ctx, rs, model.RestoreAwaitingConfirmation)
	require.NoError(t, err)
	assert.False(t, ok)

	rs.Status = model.RestoreCompleted
	rs.CanRollback = true
	rs.RollbackExpiresAt = baseTime.Add(24 * time.Hour)
	require.NoError(t, repo.Update(ctx, rs))

	n, err := repo.CloseExpiredRollbacks(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = repo.CloseExpiredRollbacks(ctx, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, "t1", rs.ID)
	require.NoError(t, err)
	assert.False(t, got.CanRollback)
}

func TestKeyRepoDefaultCAS(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repo := s.Keys()

	key := &model.EncryptionKey{
		ID:        uuid.NewString(),
		TenantID:  "t1",
		Name:      "primary",
		KeyHash:   "abc",
		Algorithm: model.KeyAlgorithm,
		IsActive:  true,
		IsDefault: true,
		CreatedAt: baseTime,
	}
	require.NoError(t, repo.Insert(ctx, key))

	cleared, err := repo.ClearDefault(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = repo.ClearDefault(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, cleared)

	ok, err := repo.SetDefault(ctx, "t1", key.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	def, err := repo.GetDefault(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, def.ID)

	require.NoError(t, repo.MarkUsed(ctx, key.ID, baseTime))
	deactivated, err := repo.Deactivate(ctx, key.ID, "ops", baseTime)
	require.NoError(t, err)
	assert.True(t, deactivated)
	deactivated, err = repo.Deactivate(ctx, key.ID, "ops", baseTime)
	require.NoError(t, err)
	assert.False(t, deactivated)

	require.NoError(t, repo.MarkUsed(ctx, key.ID, baseTime.Add(time.Hour)))
	got, err := repo.Get(ctx, "t1", key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount, "usage is frozen once inactive")
}

func TestSettingsAndAudit(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	settings := &model.Settings{TenantID: "t1", Plan: "pro", DefaultStorageDisk: "local", CreatedAt: baseTime, UpdatedAt: baseTime}
	require.NoError(t, s.Settings().Create(ctx, settings))
	require.NoError(t, s.Settings().Create(ctx, &model.Settings{TenantID: "t1", Plan: "free", DefaultStorageDisk: "local", CreatedAt: baseTime, UpdatedAt: baseTime}))

	require.NoError(t, s.Settings().AddUsage(ctx, "t1", 100, baseTime))
	require.NoError(t, s.Settings().AddUsage(ctx, "t1", -250, baseTime))
	got, err := s.Settings().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Plan)
	assert.Equal(t, int64(0), got.StorageUsedBytes)

	for i, action := range []string{"backup.created", "backup.completed", "restore.created"} {
		require.NoError(t, s.Audit().Insert(ctx, &model.AuditEntry{
			TenantID:    "t1",
			Action:      action,
			EntityType:  model.EntityBackup,
			EntityID:    "b1",
			Details:     map[string]interface{}{"step": i},
			PerformedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.Audit().List(ctx, store.AuditFilter{TenantID: "t1", Action: "backup.completed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = s.Audit().List(ctx, store.AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "restore.created", entries[0].Action)

	entries, err = s.Audit().List(ctx, store.AuditFilter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	b := newBackup("t1", "BKUP-2026-001", model.TriggerManual, model.BackupPending)
	err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := store.NewBackupRepo(tx).Insert(ctx, b); err != nil {
			return err
		}
		return appErrors.NewConflictError(appErrors.ReasonBackupInProgress, "abort")
	})
	require.Error(t, err)

	_, err = s.Backups().Get(ctx, "t1", b.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMySQLErrorsAreClassified(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := store.New(sqlDB, "mysql", logging.NewNopLogger())

	mock.ExpectQuery("SELECT .* FROM `backups`").
		WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
	_, err = s.Backups().Get(context.Background(), "t1", "b1")
	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))
	assert.Equal(t, appErrors.ReasonDatabaseUnavailable, appErrors.ReasonOf(err))

	mock.ExpectExec("INSERT INTO `backup_audit_logs`").
		WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"})
	err = s.Audit().Insert(context.Background(), &model.AuditEntry{TenantID: "t1", Action: "x", EntityType: "backup", EntityID: "b1", PerformedAt: baseTime})
	require.Error(t, err)
	assert.True(t, appErrors.IsValidation(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
