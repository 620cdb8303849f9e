package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/config"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/settings"
	"tenant-backup/internal/store"
)

var (
	keyName             string
	keyAcknowledgeLoss  bool
	auditAction         string
	auditEntityType     string
	auditEntityID       string
	auditSince          time.Duration
	auditLimit          int
	configOutput        string
	settingsPlan        string
	settingsDisk        string
	settingsRetention   int
	settingsEncrypt     bool
	settingsDefaultKey  string
	settingsAutoDelete  bool
	settingsQuota       int64
	settingsMaxFailures int
	settingsFailureRate float64
	settingsConfirm     bool
	settingsEmails      []string
	settingsNotify      []string
	settingsMute        []string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the tenant's encryption keys",
}

var keyIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Create a key; the first key becomes the default",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runKeyIssue),
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key>",
	Short: "Replace a key with a fresh successor",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runKeyRotate),
}

var keyRetireCmd = &cobra.Command{
	Use:   "retire <key>",
	Short: "Destroy a key's material",
	Long: `Retire a key and destroy its material. Backups still encrypted with the key
become unreadable; retiring such a key requires --acknowledge-data-loss.`,
	Args: cobra.ExactArgs(1),
	RunE: tenantCommand(runKeyRetire),
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys without their material",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runKeyList),
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the tenant's audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runAuditList),
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change tenant settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings, plan limits and storage usage",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runSettingsShow),
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings; only the given flags are applied",
	Example: `  tenant-backup settings set --tenant acme --plan pro --retention-days 60
  tenant-backup settings set --tenant acme --notify backup.failed,restore.failed --emails ops@acme.test`,
	Args: cobra.NoArgs,
	RunE: tenantCommand(runSettingsSet),
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scheduled backups and the maintenance sweep until stopped",
	Long: `Run the scheduler. Due schedules are dispatched every tick; expired backups,
stale jobs and usage counters are swept periodically. SIGINT or SIGTERM stops
new dispatches and waits for running backups.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *application.Service) error {
			return svc.RunWorker(cmd.Context())
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or check the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default filled in",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and report problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keyCmd, auditCmd, settingsCmd, workerCmd, configCmd)
	keyCmd.AddCommand(keyIssueCmd, keyRotateCmd, keyRetireCmd, keyListCmd)
	auditCmd.AddCommand(auditListCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd)

	keyIssueCmd.Flags().StringVar(&keyName, "name", "", "key name")
	_ = keyIssueCmd.MarkFlagRequired("name")
	keyRetireCmd.Flags().BoolVar(&keyAcknowledgeLoss, "acknowledge-data-loss", false, "retire even though backups still use the key")

	auditListCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. backup.deleted")
	auditListCmd.Flags().StringVar(&auditEntityType, "entity-type", "", "filter by entity type")
	auditListCmd.Flags().StringVar(&auditEntityID, "entity", "", "filter by entity id")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this, e.g. 24h")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of entries")

	f := settingsSetCmd.Flags()
	f.StringVar(&settingsPlan, "plan", "", "plan (free, basic, pro, enterprise)")
	f.StringVar(&settingsDisk, "storage-disk", "", "default storage disk")
	f.IntVar(&settingsRetention, "retention-days", 0, "default retention in days")
	f.BoolVar(&settingsEncrypt, "encrypt-by-default", false, "encrypt backups unless asked not to")
	f.StringVar(&settingsDefaultKey, "default-key", "", "default encryption key id")
	f.BoolVar(&settingsAutoDelete, "auto-delete-expired", false, "delete backups when they expire")
	f.Int64Var(&settingsQuota, "quota-bytes", 0, "storage quota in bytes")
	f.IntVar(&settingsMaxFailures, "max-consecutive-failures", 0, "pause a schedule after this many failures")
	f.Float64Var(&settingsFailureRate, "failure-rate-threshold", 0, "fail a restore when this share of records fails")
	f.BoolVar(&settingsConfirm, "require-restore-confirmation", false, "require a code for full and merge restores")
	f.StringSliceVar(&settingsEmails, "emails", nil, "notification recipients")
	f.StringSliceVar(&settingsNotify, "notify", nil, "events to notify about")
	f.StringSliceVar(&settingsMute, "mute", nil, "events to stop notifying about")

	configInitCmd.Flags().StringVarP(&configOutput, "output", "o", "", "file to write (default stdout)")
}

func runKeyIssue(s *session, args []string) error {
	key, err := s.svc.IssueKey(s.ctx, s.tenant, keyName, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Key %q issued", key.Name))
	return s.printer.Detail(key, "ID", key.ID, "Name", key.Name, "Algorithm", key.Algorithm,
		"Fingerprint", key.KeyHash, "Default", strconv.FormatBool(key.IsDefault))
}

func runKeyRotate(s *session, args []string) error {
	next, err := s.svc.RotateKey(s.ctx, s.tenant, args[0], s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Key %s rotated; new key %s", args[0], next.ID))
	return s.printer.Detail(next, "ID", next.ID, "Name", next.Name, "Default", strconv.FormatBool(next.IsDefault))
}

func runKeyRetire(s *session, args []string) error {
	action := confirmation.Action{
		Title:   fmt.Sprintf("Retire key %s of tenant %s?", args[0], s.tenant),
		Details: []string{"the key material is destroyed and cannot be recovered"},
	}
	if keyAcknowledgeLoss {
		action.Details = append(action.Details, "backups encrypted with this key become unreadable")
		action.Phrase = args[0]
	}
	if err := s.confirm(action); err != nil {
		return err
	}
	if err := s.svc.RetireKey(s.ctx, s.tenant, args[0], keyAcknowledgeLoss, s.actor); err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Key %s retired", args[0]))
	return nil
}

func runKeyList(s *session, args []string) error {
	keys, err := s.svc.ListKeys(s.ctx, s.tenant)
	if err != nil {
		return err
	}
	return s.printer.Print(keys, "No keys found.", func(t *display.Table) int {
		t.SetHeaders("ID", "Name", "State", "Default", "Uses", "Created")
		t.SetColumnColor(2, s.printer.StatusColumn())
		t.SetColumnAlignment(4, display.AlignRight)
		for _, k := range keys {
			state := "active"
			switch {
			case k.Retired():
				state = "retired"
			case !k.IsActive:
				state = "rotated"
			}
			t.AddRow(k.ID, k.Name, state, strconv.FormatBool(k.IsDefault),
				strconv.FormatInt(k.UsageCount, 10), display.FormatTime(k.CreatedAt))
		}
		return len(keys)
	})
}

func runAuditList(s *session, args []string) error {
	filter := store.AuditFilter{
		Action:     auditAction,
		EntityType: auditEntityType,
		EntityID:   auditEntityID,
		Limit:      auditLimit,
	}
	if auditSince > 0 {
		filter.Since = time.Now().Add(-auditSince)
	}
	entries, err := s.svc.ListAuditLog(s.ctx, s.tenant, filter)
	if err != nil {
		return err
	}

	return s.printer.Print(entries, "No audit entries found.", func(t *display.Table) int {
		t.SetHeaders("When", "Action", "Entity", "Actor", "Changes")
		for _, e := range entries {
			changed := make([]string, 0, len(e.Changes))
			for field := range e.Changes {
				changed = append(changed, field)
			}
			t.AddRow(display.FormatTime(e.PerformedAt), e.Action, e.EntityType+"/"+e.EntityID,
				orDash(e.Actor), orDash(strings.Join(sortedStrings(changed), ", ")))
		}
		return len(entries)
	})
}

func runSettingsShow(s *session, args []string) error {
	view, err := s.svc.GetSettings(s.ctx, s.tenant)
	if err != nil {
		return err
	}
	st := view.Settings
	if err := s.printer.Detail(view,
		"Plan", st.Plan,
		"Storage Disk", st.DefaultStorageDisk,
		"Retention", fmt.Sprintf("%d days (plan allows %d)", st.DefaultRetentionDays, view.Plan.RetentionDays),
		"Encrypt By Default", strconv.FormatBool(st.EncryptByDefault),
		"Auto Delete Expired", strconv.FormatBool(st.AutoDeleteExpired),
		"Restore Confirmation", strconv.FormatBool(st.RequireRestoreConfirm),
		"Pause After", fmt.Sprintf("%d failures", st.MaxConsecutiveFailures),
		"Failure Threshold", fmt.Sprintf("%.0f%%", st.FailureRateThreshold*100),
		"Storage Used", fmt.Sprintf("%s of %s (%.0f%%)", display.FormatBytes(view.Usage.UsedBytes),
			display.FormatBytes(view.Usage.QuotaBytes), view.Usage.Ratio*100),
		"Notify", orDash(strings.Join(enabledNotifications(st), ", ")),
		"Emails", orDash(strings.Join(st.NotificationEmails, ", ")),
	); err != nil {
		return err
	}
	if view.Usage.Warning {
		s.printer.Warning("Storage usage is close to the quota")
	}
	return nil
}

func runSettingsSet(s *session, args []string) error {
	var patch settings.Patch
	if s.changed("plan") {
		patch.Plan = &settingsPlan
	}
	if s.changed("storage-disk") {
		patch.DefaultStorageDisk = &settingsDisk
	}
	if s.changed("retention-days") {
		patch.DefaultRetentionDays = &settingsRetention
	}
	if s.changed("encrypt-by-default") {
		patch.EncryptByDefault = &settingsEncrypt
	}
	if s.changed("default-key") {
		patch.DefaultEncryptionKeyID = &settingsDefaultKey
	}
	if s.changed("auto-delete-expired") {
		patch.AutoDeleteExpired = &settingsAutoDelete
	}
	if s.changed("quota-bytes") {
		patch.StorageQuotaBytes = &settingsQuota
	}
	if s.changed("max-consecutive-failures") {
		patch.MaxConsecutiveFailures = &settingsMaxFailures
	}
	if s.changed("failure-rate-threshold") {
		patch.FailureRateThreshold = &settingsFailureRate
	}
	if s.changed("require-restore-confirmation") {
		patch.RequireRestoreConfirm = &settingsConfirm
	}
	if s.changed("emails") {
		patch.NotificationEmails = &settingsEmails
	}
	if err := applyNotificationFlags(&patch, settingsNotify, true); err != nil {
		return err
	}
	if err := applyNotificationFlags(&patch, settingsMute, false); err != nil {
		return err
	}

	if _, err := s.svc.UpdateSettings(s.ctx, s.tenant, patch, s.actor); err != nil {
		return err
	}
	s.printer.Success("Settings updated")
	return runSettingsShow(s, args)
}

var notificationEvents = []string{
	model.EventBackupCompleted,
	model.EventBackupFailed,
	model.EventBackupExpiring,
	model.EventRestoreStarted,
	model.EventRestoreCompleted,
	model.EventRestoreFailed,
}

// applyNotificationFlags switches the named notification events on or off
func applyNotificationFlags(patch *settings.Patch, events []string, on bool) error {
	for _, event := range events {
		value := on
		switch event {
		case model.EventBackupCompleted:
			patch.NotifyBackupCompleted = &value
		case model.EventBackupFailed:
			patch.NotifyBackupFailed = &value
		case model.EventBackupExpiring:
			patch.NotifyBackupExpiring = &value
		case model.EventRestoreStarted:
			patch.NotifyRestoreStarted = &value
		case model.EventRestoreCompleted:
			patch.NotifyRestoreCompleted = &value
		case model.EventRestoreFailed:
			patch.NotifyRestoreFailed = &value
		default:
			return appErrors.NewValidationError(appErrors.ReasonInvalidInput,
				fmt.Sprintf("unknown notification event %q (valid: %s)", event, strings.Join(notificationEvents, ", ")))
		}
	}
	return nil
}

func enabledNotifications(st *model.Settings) []string {
	var names []string
	for _, event := range notificationEvents {
		if st.NotificationEnabled(event) {
			names = append(names, event)
		}
	}
	return names
}

func sortedStrings(values []string) []string {
	sort.Strings(values)
	return values
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if configOutput == "" {
		data, err := config.GenerateDefaultConfigYAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := config.NewConfigLoader(configOutput).SaveConfig(config.GenerateDefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", configOutput)
	return nil
}
