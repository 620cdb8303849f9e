package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
)

var (
	// Backup creation flags
	backupType          string
	backupCategories    []string
	backupKeyID         string
	backupEncrypt       bool
	backupNoEncrypt     bool
	backupRetentionDays int

	// Backup listing flags
	listStatus   string
	listTrigger  string
	listSchedule string
	listLimit    int
	listOffset   int

	// Download flags
	downloadOutput string
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage tenant backups",
	Long: `Create, list, verify, download and delete tenant backups.

Examples:
  # Back up two categories and encrypt with the tenant's default key
  tenant-backup backup create --tenant acme --categories campaigns,audiences --encrypt

  # List failed backups
  tenant-backup backup list --tenant acme --status failed

  # Download a package after verifying its checksum
  tenant-backup backup download BKUP-2026-004 --tenant acme -o acme.tbk`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a backup now",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runBackupCreate),
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runBackupList),
}

var backupShowCmd = &cobra.Command{
	Use:   "show <backup>",
	Short: "Show one backup and its category summary",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runBackupShow),
}

var backupDownloadCmd = &cobra.Command{
	Use:   "download <backup>",
	Short: "Write the backup package to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runBackupDownload),
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup>",
	Short: "Read the package end to end and check every checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runBackupVerify),
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup>",
	Short: "Delete a backup and its package",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runBackupDelete),
}

var backupCancelCmd = &cobra.Command{
	Use:   "cancel <backup>",
	Short: "Stop a backup running in this process",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runBackupCancel),
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupShowCmd, backupDownloadCmd,
		backupVerifyCmd, backupDeleteCmd, backupCancelCmd)

	backupCreateCmd.Flags().StringVar(&backupType, "type", string(model.BackupTypeFull), "backup type (full, data_only, files_only)")
	backupCreateCmd.Flags().StringSliceVar(&backupCategories, "categories", nil, "categories to include (default all)")
	backupCreateCmd.Flags().StringVar(&backupKeyID, "key", "", "encryption key id (default the tenant's default key)")
	backupCreateCmd.Flags().BoolVar(&backupEncrypt, "encrypt", false, "encrypt the package")
	backupCreateCmd.Flags().BoolVar(&backupNoEncrypt, "no-encrypt", false, "do not encrypt even if the tenant encrypts by default")
	backupCreateCmd.Flags().IntVar(&backupRetentionDays, "retention-days", 0, "days to keep the backup (default from settings)")
	backupCreateCmd.MarkFlagsMutuallyExclusive("encrypt", "no-encrypt")

	backupListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	backupListCmd.Flags().StringVar(&listTrigger, "trigger", "", "filter by trigger (manual, scheduled, pre_restore)")
	backupListCmd.Flags().StringVar(&listSchedule, "schedule", "", "filter by schedule id")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of backups")
	backupListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of backups to skip")

	backupDownloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "file to write (default <backup number>.tbk)")
}

func runBackupCreate(s *session, args []string) error {
	in := application.BackupInput{
		Type:            model.BackupType(backupType),
		Categories:      backupCategories,
		EncryptionKeyID: backupKeyID,
		RetentionDays:   backupRetentionDays,
	}
	switch {
	case backupEncrypt || backupKeyID != "":
		encrypt := true
		in.Encrypt = &encrypt
	case backupNoEncrypt:
		encrypt := false
		in.Encrypt = &encrypt
	}

	b, err := s.svc.CreateBackup(s.ctx, s.tenant, in, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Backup %s completed (%s, %d records)",
		b.BackupNumber, display.FormatBytes(b.FileSizeBytes), b.Summary.TotalRecords()))
	return printBackup(s, b)
}

func runBackupList(s *session, args []string) error {
	backups, err := s.svc.ListBackups(s.ctx, s.tenant, store.BackupFilter{
		Status:     model.BackupStatus(listStatus),
		Trigger:    model.TriggerType(listTrigger),
		ScheduleID: listSchedule,
		Limit:      listLimit,
		Offset:     listOffset,
	})
	if err != nil {
		return err
	}

	return s.printer.Print(backups, "No backups found.", func(t *display.Table) int {
		t.SetHeaders("Number", "Type", "Trigger", "Status", "Size", "Records", "Created", "Expires")
		t.SetColumnAlignment(4, display.AlignRight)
		t.SetColumnAlignment(5, display.AlignRight)
		t.SetColumnColor(3, s.printer.StatusColumn())
		for _, b := range backups {
			t.AddRow(
				b.BackupNumber,
				string(b.Type),
				string(b.Trigger),
				string(b.Status),
				display.FormatBytes(b.FileSizeBytes),
				strconv.FormatInt(b.Summary.TotalRecords(), 10),
				display.FormatTime(b.CreatedAt),
				display.FormatTime(b.ExpiresAt),
			)
		}
		return len(backups)
	})
}

func runBackupShow(s *session, args []string) error {
	b, err := findBackup(s, args[0])
	if err != nil {
		return err
	}
	return printBackup(s, b)
}

func runBackupDownload(s *session, args []string) error {
	b, err := findBackup(s, args[0])
	if err != nil {
		return err
	}

	path := downloadOutput
	if path == "" {
		path = b.BackupNumber + ".tbk"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	n, err := s.svc.DownloadBackup(s.ctx, s.tenant, b.ID, f, s.actor)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	s.printer.Success(fmt.Sprintf("Wrote %s to %s", display.FormatBytes(n), path))
	return nil
}

func runBackupVerify(s *session, args []string) error {
	b, err := findBackup(s, args[0])
	if err != nil {
		return err
	}
	manifest, err := s.svc.VerifyBackup(s.ctx, s.tenant, b.ID)
	if err != nil {
		return err
	}

	s.printer.Success(fmt.Sprintf("Backup %s verified", b.BackupNumber))
	return s.printer.Print(manifest, "The package holds no categories.", func(t *display.Table) int {
		t.SetHeaders("Category", "Kind", "Collections", "Records", "Size")
		for _, c := range manifest.Categories {
			t.AddRow(c.Name, string(c.Kind), strconv.Itoa(c.Collections),
				strconv.FormatInt(c.RecordCount, 10), display.FormatBytes(c.SizeBytes))
		}
		return len(manifest.Categories)
	})
}

func runBackupDelete(s *session, args []string) error {
	b, err := findBackup(s, args[0])
	if err != nil {
		return err
	}
	err = s.confirm(confirmation.Action{
		Title: fmt.Sprintf("Delete backup %s of tenant %s?", b.BackupNumber, s.tenant),
		Details: []string{
			fmt.Sprintf("the %s package is removed from storage", display.FormatBytes(b.FileSizeBytes)),
			"the backup can no longer be restored or downloaded",
		},
	})
	if err != nil {
		return err
	}

	if err := s.svc.DeleteBackup(s.ctx, s.tenant, b.ID, s.actor); err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Backup %s deleted", b.BackupNumber))
	return nil
}

func runBackupCancel(s *session, args []string) error {
	b, err := findBackup(s, args[0])
	if err != nil {
		return err
	}
	if err := s.svc.CancelBackup(s.ctx, s.tenant, b.ID); err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Cancellation requested for backup %s", b.BackupNumber))
	return nil
}

// findBackup accepts either a backup id or its human readable number
func findBackup(s *session, ref string) (*model.Backup, error) {
	b, err := s.svc.GetBackup(s.ctx, s.tenant, ref)
	if err == nil {
		return b, nil
	}
	backups, lerr := s.svc.ListBackups(s.ctx, s.tenant, store.BackupFilter{})
	if lerr != nil {
		return nil, lerr
	}
	for _, candidate := range backups {
		if candidate.BackupNumber == ref {
			return candidate, nil
		}
	}
	return nil, err
}

func printBackup(s *session, b *model.Backup) error {
	if err := s.printer.Detail(b,
		"ID", b.ID,
		"Number", b.BackupNumber,
		"Type", string(b.Type),
		"Trigger", string(b.Trigger),
		"Status", string(b.Status),
		"Message", orDash(b.StatusMessage),
		"Size", display.FormatBytes(b.FileSizeBytes),
		"Compression", orDash(b.Compression),
		"Encrypted", strconv.FormatBool(b.IsEncrypted),
		"Checksum", orDash(b.ChecksumSHA256),
		"Created", display.FormatTime(b.CreatedAt),
		"Completed", display.FormatTime(b.CompletedAt),
		"Expires", display.FormatTime(b.ExpiresAt),
		"Downloads", strconv.Itoa(b.DownloadCount),
	); err != nil {
		return err
	}
	if s.printer.Structured() || len(b.Summary) == 0 {
		return nil
	}

	fmt.Fprintln(s.printer.Out())
	t := s.printer.NewTable()
	t.SetHeaders("Category", "Collections", "Records", "Size")
	for _, name := range b.Summary.Categories() {
		c := b.Summary[name]
		t.AddRow(c.Label, strconv.Itoa(c.Collections), strconv.FormatInt(c.RecordCount, 10), display.FormatBytes(c.SizeBytes))
	}
	return t.RenderTo(s.printer.Out())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
