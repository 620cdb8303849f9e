package settings_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/audit"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/store"
	"tenant-backup/internal/store/storetest"
)

var defaults = settings.Defaults{
	Plan:                   "basic",
	StorageDisk:            "local",
	RetentionDays:          30,
	MaxConsecutiveFailures: 3,
	FailureRateThreshold:   0.25,
	StorageWarningRatio:    0.8,
}

func newService(t *testing.T) (*settings.Service, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return settings.NewService(s.DB, defaults, clk, audit.NewLogger(s.DB, clk, nil), nil), s
}

func ptr[T any](v T) *T { return &v }

func TestGetCreatesDefaults(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	row, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "basic", row.Plan)
	assert.Equal(t, 30, row.DefaultRetentionDays)
	assert.Equal(t, 3, row.MaxConsecutiveFailures)
	assert.InDelta(t, 0.25, row.FailureRateThreshold, 1e-9)
	assert.True(t, row.NotifyBackupFailed)

	again, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, row.CreatedAt.Unix(), again.CreatedAt.Unix())

	_, err = svc.Get(ctx, "")
	assert.True(t, appErrors.IsValidation(err))
}

func TestUpdateAuditsChanges(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	row, err := svc.Update(ctx, "t1", settings.Patch{
		DefaultRetentionDays: ptr(14),
		NotificationEmails:   &[]string{"ops@example.com"},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 14, row.DefaultRetentionDays)

	entries, err := s.Audit().List(ctx, store.AuditFilter{TenantID: "t1", Action: "settings.updated"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Contains(t, entries[0].Changes, "default_retention_days")
	assert.Contains(t, entries[0].Changes, "notification_emails")
	assert.NotContains(t, entries[0].Changes, "plan")

	t.Run("no-op update is not audited", func(t *testing.T) {
		_, err := svc.Update(ctx, "t1", settings.Patch{DefaultRetentionDays: ptr(14)}, "alice")
		require.NoError(t, err)
		entries, err := s.Audit().List(ctx, store.AuditFilter{TenantID: "t1"})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestUpdateValidation(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		patch settings.Patch
	}{
		{"unknown plan", settings.Patch{Plan: ptr("platinum")}},
		{"zero retention", settings.Patch{DefaultRetentionDays: ptr(0)}},
		{"threshold above one", settings.Patch{FailureRateThreshold: ptr(1.5)}},
		{"threshold zero", settings.Patch{FailureRateThreshold: ptr(0.0)}},
		{"no failures allowed", settings.Patch{MaxConsecutiveFailures: ptr(0)}},
		{"bad email", settings.Patch{NotificationEmails: &[]string{"nobody"}}},
		{"storage not on plan", settings.Patch{DefaultStorageDisk: ptr("s3")}},
		{"unknown key", settings.Patch{DefaultEncryptionKeyID: ptr("missing")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(ctx, "t1", tt.patch, "alice")
			require.Error(t, err)
			assert.True(t, appErrors.IsValidation(err), "got %v", err)
		})
	}

	t.Run("key of another tenant", func(t *testing.T) {
		require.NoError(t, s.Keys().Insert(ctx, &model.EncryptionKey{
			ID: "k-other", TenantID: "t2", Name: "other", KeyHash: "h",
			Algorithm: model.KeyAlgorithm, IsActive: true, CreatedAt: time.Now(),
		}))
		_, err := svc.Update(ctx, "t1", settings.Patch{DefaultEncryptionKeyID: ptr("k-other")}, "alice")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("upgrading the plan unlocks storage", func(t *testing.T) {
		row, err := svc.Update(ctx, "t1", settings.Patch{Plan: ptr("pro"), DefaultStorageDisk: ptr("s3")}, "alice")
		require.NoError(t, err)
		assert.Equal(t, "s3", row.DefaultStorageDisk)
	})
}

func TestUsage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, "t1", settings.Patch{StorageQuotaBytes: ptr(int64(1000))}, "alice")
	require.NoError(t, err)

	require.NoError(t, svc.AddUsage(ctx, nil, "t1", 500))
	usage, err := svc.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.UsedBytes)
	assert.False(t, usage.Warning)

	require.NoError(t, svc.AddUsage(ctx, nil, "t1", 350))
	usage, err = svc.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, usage.Ratio, 1e-9)
	assert.True(t, usage.Warning)

	require.NoError(t, svc.AddUsage(ctx, nil, "t1", -2000))
	usage, err = svc.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedBytes)

	row, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, settings.QuotaExceeded(row))
}
