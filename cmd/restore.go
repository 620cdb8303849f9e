package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
)

var (
	// Restore planning flags
	restoreType         string
	restoreCategories   []string
	restoreConflictMode string
	restoreUpload       string

	// Conflict resolution flags
	resolveDecisions []string
	resolveAll       string

	// Restore listing flags
	restoreListStatus string
	restoreListBackup string
	restoreListLimit  int
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore tenant data from a backup",
	Long: `Plan, confirm and run restores, resolve conflicts, and roll restores back.

Full and merge restores are confirmed with the one-time code printed by
'restore plan'. Every restore is preceded by a safety backup that 'restore
rollback' puts back while the rollback window is open.

Examples:
  # Restore two categories, replacing records that already exist
  tenant-backup restore plan BKUP-2026-004 --tenant acme --type selective \
      --categories campaigns,audiences --conflict replace

  # Plan a full restore, then confirm it with the printed code
  tenant-backup restore plan BKUP-2026-004 --tenant acme --type full
  tenant-backup restore confirm RSTR-2026-002 123456 --tenant acme

  # Keep the live version of every conflicting record
  tenant-backup restore resolve RSTR-2026-003 --tenant acme --all skip`,
}

var restorePlanCmd = &cobra.Command{
	Use:   "plan [backup]",
	Short: "Plan a restore and run it when no confirmation is needed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  tenantCommand(runRestorePlan),
}

var restoreConfirmCmd = &cobra.Command{
	Use:   "confirm <restore> <code>",
	Short: "Confirm a planned restore with its code and run it",
	Args:  cobra.ExactArgs(2),
	RunE:  tenantCommand(runRestoreConfirm),
}

var restoreResolveCmd = &cobra.Command{
	Use:   "resolve <restore>",
	Short: "Decide how conflicting records are applied and resume the restore",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runRestoreResolve),
}

var restoreReportCmd = &cobra.Command{
	Use:   "report <restore>",
	Short: "Show the schema reconciliation report of a restore",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runRestoreReport),
}

var restoreShowCmd = &cobra.Command{
	Use:   "show <restore>",
	Short: "Show a restore and what it did",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runRestoreShow),
}

var restoreRollbackCmd = &cobra.Command{
	Use:   "rollback <restore>",
	Short: "Put back the safety backup taken before a restore",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runRestoreRollback),
}

var restoreCancelCmd = &cobra.Command{
	Use:   "cancel <restore>",
	Short: "Cancel a running or waiting restore",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runRestoreCancel),
}

var restoreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List restores, newest first",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runRestoreList),
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restorePlanCmd, restoreConfirmCmd, restoreResolveCmd, restoreReportCmd,
		restoreShowCmd, restoreRollbackCmd, restoreCancelCmd, restoreListCmd)

	restorePlanCmd.Flags().StringVar(&restoreType, "type", string(model.RestoreSelective), "restore type (full, selective, merge)")
	restorePlanCmd.Flags().StringSliceVar(&restoreCategories, "categories", nil, "categories to restore (default all in the backup)")
	restorePlanCmd.Flags().StringVar(&restoreConflictMode, "conflict", string(model.ConflictSkip), "existing records: skip, replace, merge or ask")
	restorePlanCmd.Flags().StringVar(&restoreUpload, "upload", "", "restore from an uploaded package at this storage location instead of a backup")

	restoreResolveCmd.Flags().StringArrayVar(&resolveDecisions, "decision", nil, "category/collection/id=mode for one record (repeatable)")
	restoreResolveCmd.Flags().StringVar(&resolveAll, "all", "", "mode for every conflict without a --decision")

	restoreListCmd.Flags().StringVar(&restoreListStatus, "status", "", "filter by status")
	restoreListCmd.Flags().StringVar(&restoreListBackup, "backup", "", "filter by source backup id")
	restoreListCmd.Flags().IntVar(&restoreListLimit, "limit", 50, "maximum number of restores")
}

func runRestorePlan(s *session, args []string) error {
	in := application.RestoreInput{
		UploadLocation: restoreUpload,
		Type:           model.RestoreType(restoreType),
		Categories:     restoreCategories,
		ConflictMode:   model.ConflictMode(restoreConflictMode),
	}
	switch {
	case len(args) == 1 && restoreUpload != "":
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput, "give either a backup or --upload, not both")
	case len(args) == 1:
		b, err := findBackup(s, args[0])
		if err != nil {
			return err
		}
		in.BackupID = b.ID
	case restoreUpload == "":
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput, "a backup or --upload is required")
	}

	rs, code, err := s.svc.PlanRestore(s.ctx, s.tenant, in, s.actor)
	if err != nil {
		return err
	}
	if code != "" {
		s.printer.Warning(fmt.Sprintf("Restore %s needs confirmation. Code: %s (expires %s)",
			rs.RestoreNumber, code, display.FormatTime(rs.ConfirmationExpiresAt)))
		s.printer.Info(fmt.Sprintf("Run: tenant-backup restore confirm %s %s --tenant %s", rs.RestoreNumber, code, s.tenant))
	}
	return printRestore(s, rs)
}

func runRestoreConfirm(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	if rs.Type == model.RestoreFull {
		err = s.confirm(confirmation.Action{
			Title: fmt.Sprintf("Run full restore %s of tenant %s?", rs.RestoreNumber, s.tenant),
			Details: []string{
				"every restorable category is cleared before the backup is applied",
				"a safety backup is taken first and can be put back with 'restore rollback'",
			},
			Phrase: s.tenant,
		})
		if err != nil {
			return err
		}
	}
	rs, err = s.svc.ConfirmRestore(s.ctx, s.tenant, rs.ID, args[1], s.actor)
	if err != nil {
		return err
	}
	return printRestore(s, rs)
}

func runRestoreResolve(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	resolutions, err := parseResolutions(rs, resolveDecisions, resolveAll)
	if err != nil {
		return err
	}
	rs, err = s.svc.ResolveConflicts(s.ctx, s.tenant, rs.ID, resolutions, s.actor)
	if err != nil {
		return err
	}
	return printRestore(s, rs)
}

// parseResolutions turns --decision and --all into a decision per conflict
func parseResolutions(rs *model.Restore, decisions []string, all string) (map[string]model.ConflictMode, error) {
	out := make(map[string]model.ConflictMode)
	for _, d := range decisions {
		key, mode, ok := strings.Cut(d, "=")
		if !ok || key == "" {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
				fmt.Sprintf("invalid decision %q, expected category/collection/id=mode", d))
		}
		out[key] = model.ConflictMode(mode)
	}
	if all != "" {
		for _, c := range rs.Conflicts {
			if _, ok := out[c.Key()]; !ok {
				out[c.Key()] = model.ConflictMode(all)
			}
		}
	}
	if len(out) == 0 {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "give at least one --decision or --all")
	}
	return out, nil
}

func runRestoreReport(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	report, err := s.svc.GetReconciliationReport(s.ctx, s.tenant, rs.ID)
	if err != nil {
		return err
	}
	if report == nil {
		s.printer.Info("The restore has no reconciliation report.")
		return nil
	}
	if report.SnapshotMissing && !s.printer.Structured() {
		s.printer.Warning("The source has no schema snapshot; only categories that exist live can be restored.")
	}
	return printReconciliation(s, report)
}

func runRestoreShow(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	return printRestore(s, rs)
}

func runRestoreRollback(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	err = s.confirm(confirmation.Action{
		Title: fmt.Sprintf("Roll back restore %s of tenant %s?", rs.RestoreNumber, s.tenant),
		Details: []string{
			"the categories touched by the restore are put back from its safety backup",
			fmt.Sprintf("the rollback window closes %s", display.FormatTime(rs.RollbackExpiresAt)),
		},
	})
	if err != nil {
		return err
	}

	child, err := s.svc.RollbackRestore(s.ctx, s.tenant, rs.ID, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Restore %s rolled back by %s", rs.RestoreNumber, child.RestoreNumber))
	return printRestore(s, child)
}

func runRestoreCancel(s *session, args []string) error {
	rs, err := findRestore(s, args[0])
	if err != nil {
		return err
	}
	rs, err = s.svc.CancelRestore(s.ctx, s.tenant, rs.ID, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Restore %s cancelled", rs.RestoreNumber))
	return nil
}

func runRestoreList(s *session, args []string) error {
	restores, err := s.svc.ListRestores(s.ctx, s.tenant, store.RestoreFilter{
		Status:   model.RestoreStatus(restoreListStatus),
		BackupID: restoreListBackup,
		Limit:    restoreListLimit,
	})
	if err != nil {
		return err
	}

	return s.printer.Print(restores, "No restores found.", func(t *display.Table) int {
		t.SetHeaders("Number", "Type", "Conflicts", "Status", "Rollback Until", "Created")
		t.SetColumnColor(3, s.printer.StatusColumn())
		for _, rs := range restores {
			rollback := "-"
			if rs.CanRollback {
				rollback = display.FormatTime(rs.RollbackExpiresAt)
			}
			t.AddRow(rs.RestoreNumber, string(rs.Type), string(rs.ConflictMode), string(rs.Status),
				rollback, display.FormatTime(rs.CreatedAt))
		}
		return len(restores)
	})
}

// findRestore accepts either a restore id or its human readable number
func findRestore(s *session, ref string) (*model.Restore, error) {
	rs, err := s.svc.GetRestore(s.ctx, s.tenant, ref)
	if err == nil {
		return rs, nil
	}
	restores, lerr := s.svc.ListRestores(s.ctx, s.tenant, store.RestoreFilter{})
	if lerr != nil {
		return nil, lerr
	}
	for _, candidate := range restores {
		if candidate.RestoreNumber == ref {
			return candidate, nil
		}
	}
	return nil, err
}

func printRestore(s *session, rs *model.Restore) error {
	if err := s.printer.Detail(rs,
		"ID", rs.ID,
		"Number", rs.RestoreNumber,
		"Type", string(rs.Type),
		"Conflict Mode", string(rs.ConflictMode),
		"Categories", orDash(strings.Join(rs.SelectedCategories, ", ")),
		"Status", string(rs.Status),
		"Message", orDash(rs.StatusMessage),
		"Safety Backup", orDash(rs.SafetyBackupID),
		"Rollback Until", display.FormatTime(rs.RollbackExpiresAt),
		"Created", display.FormatTime(rs.CreatedAt),
		"Completed", display.FormatTime(rs.CompletedAt),
	); err != nil {
		return err
	}
	if s.printer.Structured() {
		return nil
	}

	out := s.printer.Out()
	if len(rs.Conflicts) > 0 && rs.Status == model.RestoreAwaitingResolution {
		fmt.Fprintf(out, "\n%d conflicting records need a decision:\n", len(rs.Conflicts))
		t := s.printer.NewTable()
		t.SetHeaders("Record", "Fields That Differ")
		for _, c := range rs.Conflicts {
			t.AddRow(c.Key(), strings.Join(differingFields(c), ", "))
		}
		if err := t.RenderTo(out); err != nil {
			return err
		}
	}
	if rs.Execution != nil && len(rs.Execution.Categories) > 0 {
		fmt.Fprintln(out)
		t := s.printer.NewTable()
		t.SetHeaders("Category", "Outcome", "Inserted", "Replaced", "Merged", "Skipped", "Unchanged", "Errors")
		for _, c := range rs.Execution.Categories {
			t.AddRow(c.Category, string(c.Outcome),
				strconv.FormatInt(c.Inserted, 10), strconv.FormatInt(c.Replaced, 10),
				strconv.FormatInt(c.Merged, 10), strconv.FormatInt(c.Skipped, 10),
				strconv.FormatInt(c.Unchanged, 10), strconv.FormatInt(c.Errors, 10))
		}
		return t.RenderTo(out)
	}
	return nil
}

func printReconciliation(s *session, report *model.ReconciliationReport) error {
	return s.printer.Print(report, "No categories were compared.", func(t *display.Table) int {
		t.SetHeaders("Category", "Status", "Skipped Fields", "Changed Fields", "Missing Collections", "Reason")
		for _, c := range report.Categories {
			t.AddRow(c.Category, string(c.Status),
				orDash(strings.Join(c.SkippedFields, ", ")),
				orDash(strings.Join(c.ChangedFields, ", ")),
				orDash(strings.Join(c.MissingCollections, ", ")),
				orDash(c.Reason))
		}
		return len(report.Categories)
	})
}

func differingFields(c model.Conflict) []string {
	var fields []string
	for name, live := range c.Live {
		if fmt.Sprint(live) != fmt.Sprint(c.Snapshot[name]) {
			fields = append(fields, name)
		}
	}
	for name := range c.Snapshot {
		if _, ok := c.Live[name]; !ok {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}
