package cmd

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	appErrors "tenant-backup/internal/errors"
)

const testConfig = `database:
  driver: sqlite
  dsn: "file:%[1]s/meta.db?_pragma=busy_timeout(5000)"
  auto_migrate: true
storage:
  provider: local
  local:
    base_path: %[1]s/packages
encryption:
  keyring: memory
catalog:
  driver: sqlite
  dsn: "file:%[1]s/tenant.db?_pragma=busy_timeout(5000)"
  categories:
    - name: campaigns
      label: Campaigns
      kind: data
      tables: [campaigns]
plans:
  default: enterprise
logging:
  level: quiet
`

// setup writes a config file and a tenant database holding three campaigns of tenant acme
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(dir, "tenant.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE campaigns (id INTEGER PRIMARY KEY, organization_id TEXT NOT NULL, name TEXT, deleted_at DATETIME)`)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = db.Exec(`INSERT INTO campaigns (id, organization_id, name) VALUES (?, 'acme', ?)`, i, fmt.Sprintf("campaign %d", i))
		require.NoError(t, err)
	}

	path := filepath.Join(dir, "tenant-backup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dir)), 0600))
	return path
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

// run executes the command tree in process and returns stdout and stderr
func run(t *testing.T, configPath, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	viper.Reset()

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(append([]string{"--config", configPath, "--no-color"}, args...))
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, errOut, err := run(t, configPath, "", args...)
	require.NoError(t, err, "stderr: %s", errOut)
	return out
}

func decodeList(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &items), out)
	return items
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123")
	defer SetVersionInfo("dev", "unknown", "unknown")

	out := mustRun(t, setup(t), "version")
	assert.Contains(t, out, "tenant-backup 1.2.3")
	assert.Contains(t, out, "Git commit: abc123")
}

func TestGlobalFlagValidation(t *testing.T) {
	cfg := setup(t)

	t.Run("tenant is required", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "backup", "list")
		require.Error(t, err)
		assert.Equal(t, appErrors.ReasonInvalidInput, appErrors.ReasonOf(err))
	})

	t.Run("verbose and quiet conflict", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "backup", "list", "--tenant", "acme", "-v", "-q")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "backup", "list", "--tenant", "acme", "--format", "xml")
		require.Error(t, err)
	})
}

func TestBackupCommands(t *testing.T) {
	cfg := setup(t)

	out := mustRun(t, cfg, "backup", "create", "--tenant", "acme", "--format", "json")
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &created), out)
	assert.Equal(t, "completed", created["status"])
	number, _ := created["backup_number"].(string)
	require.NotEmpty(t, number)

	t.Run("list", func(t *testing.T) {
		backups := decodeList(t, mustRun(t, cfg, "backup", "list", "--tenant", "acme", "--format", "json"))
		require.Len(t, backups, 1)
		assert.Equal(t, created["id"], backups[0]["id"])

		table := mustRun(t, cfg, "backup", "list", "--tenant", "acme")
		assert.Contains(t, table, number)
		assert.Contains(t, table, "completed")
	})

	t.Run("other tenants see nothing", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "backup", "show", number, "--tenant", "globex")
		require.Error(t, err)
		assert.True(t, appErrors.IsNotFound(err))
	})

	t.Run("show by number", func(t *testing.T) {
		out := mustRun(t, cfg, "backup", "show", number, "--tenant", "acme")
		assert.Contains(t, out, "Campaigns")
	})

	t.Run("verify", func(t *testing.T) {
		out := mustRun(t, cfg, "backup", "verify", number, "--tenant", "acme")
		assert.Contains(t, out, "verified")
		assert.Contains(t, out, "campaigns")
	})

	t.Run("download", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "acme.tbk")
		mustRun(t, cfg, "backup", "download", number, "--tenant", "acme", "-o", target)
		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
		_, err = os.Stat(target + ".partial")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("delete declined at the prompt", func(t *testing.T) {
		_, _, err := run(t, cfg, "n\n", "backup", "delete", number, "--tenant", "acme")
		require.Error(t, err)
		assert.True(t, appErrors.IsCancelled(err))
		assert.Len(t, decodeList(t, mustRun(t, cfg, "backup", "list", "--tenant", "acme", "--format", "json")), 1)
	})

	t.Run("delete with --yes", func(t *testing.T) {
		out := mustRun(t, cfg, "backup", "delete", number, "--tenant", "acme", "--yes")
		assert.Contains(t, out, "deleted")
	})
}

func TestScheduleCommands(t *testing.T) {
	cfg := setup(t)

	out := mustRun(t, cfg, "schedule", "create", "--tenant", "acme", "--frequency", "weekly",
		"--day", "0", "--time", "03:30", "--timezone", "Europe/Istanbul", "--format", "json")
	var sched map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &sched), out)
	id, _ := sched["id"].(string)
	require.NotEmpty(t, id)

	t.Run("one active schedule per frequency", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "schedule", "create", "--tenant", "acme", "--frequency", "weekly")
		require.Error(t, err)
		assert.True(t, appErrors.IsConflict(err))
	})

	t.Run("pause", func(t *testing.T) {
		out := mustRun(t, cfg, "schedule", "update", id, "--tenant", "acme", "--pause")
		assert.Contains(t, out, "paused")
	})

	t.Run("list", func(t *testing.T) {
		out := mustRun(t, cfg, "schedule", "list", "--tenant", "acme")
		assert.Contains(t, out, "Sun 03:30")
		assert.Contains(t, out, "Europe/Istanbul")
	})

	t.Run("delete", func(t *testing.T) {
		mustRun(t, cfg, "schedule", "delete", id, "--tenant", "acme", "-y")
		out, _, err := run(t, cfg, "", "schedule", "list", "--tenant", "acme")
		require.NoError(t, err)
		assert.Contains(t, out, "No schedules found.")
	})
}

func TestRestorePlan(t *testing.T) {
	cfg := setup(t)
	out := mustRun(t, cfg, "backup", "create", "--tenant", "acme", "--format", "json")
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &created), out)

	t.Run("backup or upload is required", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "restore", "plan", "--tenant", "acme")
		require.Error(t, err)
		assert.Equal(t, appErrors.ReasonInvalidInput, appErrors.ReasonOf(err))
	})

	mustRun(t, cfg, "restore", "plan", created["id"].(string), "--tenant", "acme",
		"--type", "selective", "--categories", "campaigns")
	restores := decodeList(t, mustRun(t, cfg, "restore", "list", "--tenant", "acme", "--format", "json"))
	require.Len(t, restores, 1)
}

func TestKeyAndSettingsCommands(t *testing.T) {
	cfg := setup(t)

	out := mustRun(t, cfg, "key", "issue", "--tenant", "acme", "--name", "primary", "--format", "json")
	var key map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &key), out)
	assert.Equal(t, true, key["is_default"])

	keys := decodeList(t, mustRun(t, cfg, "key", "list", "--tenant", "acme", "--format", "json"))
	require.Len(t, keys, 1)

	mustRun(t, cfg, "settings", "set", "--tenant", "acme", "--retention-days", "60",
		"--notify", "backup.failed", "--mute", "backup.completed")
	out = mustRun(t, cfg, "settings", "show", "--tenant", "acme", "--format", "json")
	var view struct {
		Settings map[string]interface{} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view), out)
	assert.EqualValues(t, 60, view.Settings["default_retention_days"])
	assert.Equal(t, true, view.Settings["notify_backup_failed"])
	assert.Equal(t, false, view.Settings["notify_backup_completed"])

	t.Run("unknown notification event", func(t *testing.T) {
		_, _, err := run(t, cfg, "", "settings", "set", "--tenant", "acme", "--notify", "everything")
		require.Error(t, err)
		assert.Equal(t, appErrors.ReasonInvalidInput, appErrors.ReasonOf(err))
	})

	t.Run("audit trail", func(t *testing.T) {
		entries := decodeList(t, mustRun(t, cfg, "audit", "list", "--tenant", "acme", "--entity-type", "settings", "--format", "json"))
		require.NotEmpty(t, entries)
		changes, _ := entries[0]["changes"].(map[string]interface{})
		assert.Contains(t, changes, "default_retention_days")
	})
}

func TestConfigCommands(t *testing.T) {
	cfg := setup(t)

	out := mustRun(t, cfg, "config", "init")
	assert.Contains(t, out, "tenant_column: organization_id")

	target := filepath.Join(t.TempDir(), "generated.yaml")
	mustRun(t, cfg, "config", "init", "-o", target)
	_, err := os.Stat(target)
	require.NoError(t, err)

	out = mustRun(t, cfg, "config", "validate")
	assert.Contains(t, out, "valid")
}
