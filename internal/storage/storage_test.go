package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "backups/t1/BKUP-2026-001.tbk", Key("backups", "t1", "BKUP-2026-001"))
	assert.Equal(t, "backups/_/x/BKUP-1.tbk", Key("/backups/", "../x", "BKUP-1"))
	assert.NotContains(t, Key("backups", "a/../../etc", "n"), "..")
}

func adapterContract(t *testing.T, a Adapter) {
	ctx := context.Background()
	key := Key("backups", "tenant-a", "BKUP-2026-001")

	loc, err := a.Put(ctx, key, strings.NewReader("package bytes"), Metadata{"backup-id": "b1"})
	require.NoError(t, err)
	assert.Equal(t, Location(key), loc)

	ok, err := a.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := a.Get(ctx, loc)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "package bytes", string(data))

	require.NoError(t, a.Delete(ctx, loc))
	require.NoError(t, a.Delete(ctx, loc), "deleting twice is not an error")

	ok, err = a.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Get(ctx, loc)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestLocalAdapter(t *testing.T) {
	dir := t.TempDir()
	a, err := NewLocalAdapter(dir)
	require.NoError(t, err)

	t.Run("contract", func(t *testing.T) {
		adapterContract(t, a)
	})

	t.Run("rejects escaping locations", func(t *testing.T) {
		_, err := a.Get(context.Background(), Location("../outside.tbk"))
		assert.Error(t, err)
	})

	t.Run("cancelled upload leaves no file", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := a.Put(ctx, "backups/t1/cancelled.tbk", strings.NewReader("data"), nil)
		require.Error(t, err)

		entries, err := os.ReadDir(filepath.Join(dir, "backups", "t1"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("writes metadata sidecar", func(t *testing.T) {
		_, err := a.Put(context.Background(), "backups/t2/meta.tbk", strings.NewReader("x"), Metadata{"tenant": "t2"})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, "backups", "t2", "meta.tbk.meta.json"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"tenant": "t2"`)
	})
}

func TestMemoryAdapter(t *testing.T) {
	m := NewMemoryAdapter()
	adapterContract(t, m)

	loc, err := m.Put(context.Background(), "k", bytes.NewReader([]byte{1, 2, 3}), nil)
	require.NoError(t, err)
	m.Tamper(loc, func(b []byte) []byte { b[0] = 9; return b })

	rc, err := m.Get(context.Background(), loc)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, []byte{9, 2, 3}, data)
	assert.Equal(t, 1, m.Len())
}

type flakyAdapter struct {
	*MemoryAdapter
	failures int
	calls    int
}

func (f *flakyAdapter) Exists(ctx context.Context, loc Location) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, unavailable("backend hiccup", errors.New("connection reset"))
	}
	return f.MemoryAdapter.Exists(ctx, loc)
}

func TestRetrying(t *testing.T) {
	cfg := appErrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	t.Run("recovers from transient failures", func(t *testing.T) {
		inner := &flakyAdapter{MemoryAdapter: NewMemoryAdapter(), failures: 2}
		r := NewRetrying(inner, cfg, nil)
		ok, err := r.Exists(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		inner := &flakyAdapter{MemoryAdapter: NewMemoryAdapter(), failures: 5}
		r := NewRetrying(inner, cfg, nil)
		_, err := r.Exists(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, appErrors.IsTransient(err))
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		r := NewRetrying(NewMemoryAdapter(), cfg, nil)
		_, err := r.Get(context.Background(), "missing")
		assert.True(t, appErrors.IsNotFound(err))
	})
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, config.StorageConfig{
		Provider: config.StorageProviderLocal,
		Local:    &config.LocalConfig{BasePath: t.TempDir()},
		Retry:    config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())

	a, err = New(ctx, config.StorageConfig{Provider: config.StorageProviderMemory}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", a.Name())

	_, err = New(ctx, config.StorageConfig{Provider: "ftp"}, nil)
	assert.True(t, appErrors.IsValidation(err))

	_, err = New(ctx, config.StorageConfig{Provider: config.StorageProviderS3, S3: &config.S3Config{}}, nil)
	assert.Error(t, err)
}
