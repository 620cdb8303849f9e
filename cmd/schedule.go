package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	"tenant-backup/internal/model"
)

var (
	scheduleName          string
	scheduleFrequency     string
	scheduleType          string
	scheduleCategories    []string
	scheduleTime          string
	scheduleDay           int
	scheduleTimezone      string
	scheduleRetentionDays int
	scheduleMaxBackups    int
	scheduleEncrypt       bool
	schedulePause         bool
	scheduleResume        bool
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backups",
	Long: `Create and maintain backup schedules. A tenant can have one active schedule
per frequency. Times are wall clock times in the schedule's timezone.

Examples:
  # Back up every day at 03:00 Istanbul time and keep backups for 30 days
  tenant-backup schedule create --tenant acme --frequency daily --time 03:00 \
      --timezone Europe/Istanbul --retention-days 30

  # Move a weekly schedule to Sundays
  tenant-backup schedule update <schedule> --tenant acme --day 0

  # Resume a schedule that was paused after repeated failures
  tenant-backup schedule update <schedule> --tenant acme --resume`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runScheduleCreate),
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <schedule>",
	Short: "Change, pause or resume a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runScheduleUpdate),
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule>",
	Short: "Delete a schedule; its backups are kept",
	Args:  cobra.ExactArgs(1),
	RunE:  tenantCommand(runScheduleDelete),
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE:  tenantCommand(runScheduleList),
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleUpdateCmd, scheduleDeleteCmd, scheduleListCmd)

	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleUpdateCmd} {
		c.Flags().StringVar(&scheduleName, "name", "", "schedule name (default \"<frequency> backup\")")
		c.Flags().StringVar(&scheduleFrequency, "frequency", "", "hourly, daily, weekly or monthly")
		c.Flags().StringVar(&scheduleType, "type", string(model.BackupTypeFull), "backup type (full, data_only, files_only)")
		c.Flags().StringSliceVar(&scheduleCategories, "categories", nil, "categories to include (default all)")
		c.Flags().StringVar(&scheduleTime, "time", "03:00", "preferred time as HH:MM; the minute for hourly schedules")
		c.Flags().IntVar(&scheduleDay, "day", 0, "weekday 0-6 (Sunday is 0) for weekly, day of month 1-31 for monthly")
		c.Flags().StringVar(&scheduleTimezone, "timezone", "UTC", "IANA timezone of the preferred time")
		c.Flags().IntVar(&scheduleRetentionDays, "retention-days", 0, "days to keep each backup (default from settings)")
		c.Flags().IntVar(&scheduleMaxBackups, "max-backups", 0, "keep at most this many backups of the schedule (0 keeps all)")
		c.Flags().BoolVar(&scheduleEncrypt, "encrypt", false, "encrypt scheduled backups")
	}
	_ = scheduleCreateCmd.MarkFlagRequired("frequency")

	scheduleUpdateCmd.Flags().BoolVar(&schedulePause, "pause", false, "stop dispatching the schedule")
	scheduleUpdateCmd.Flags().BoolVar(&scheduleResume, "resume", false, "resume a paused schedule and clear its failure count")
	scheduleUpdateCmd.MarkFlagsMutuallyExclusive("pause", "resume")
}

func runScheduleCreate(s *session, args []string) error {
	in := application.ScheduleInput{
		Name:          scheduleName,
		Frequency:     model.Frequency(scheduleFrequency),
		BackupType:    model.BackupType(scheduleType),
		Categories:    scheduleCategories,
		PreferredTime: scheduleTime,
		Timezone:      scheduleTimezone,
		RetentionDays: scheduleRetentionDays,
		MaxBackups:    scheduleMaxBackups,
		Encrypt:       scheduleEncrypt,
	}
	if s.changed("day") {
		day := scheduleDay
		in.PreferredDay = &day
	}

	sched, err := s.svc.CreateSchedule(s.ctx, s.tenant, in, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Schedule %q created, next run %s", sched.Name, display.FormatTime(sched.NextRunAt)))
	return printSchedule(s, sched)
}

func runScheduleUpdate(s *session, args []string) error {
	var patch application.SchedulePatch
	if s.changed("name") {
		patch.Name = &scheduleName
	}
	if s.changed("frequency") {
		f := model.Frequency(scheduleFrequency)
		patch.Frequency = &f
	}
	if s.changed("type") {
		t := model.BackupType(scheduleType)
		patch.BackupType = &t
	}
	if s.changed("categories") {
		patch.Categories = &scheduleCategories
	}
	if s.changed("time") {
		patch.PreferredTime = &scheduleTime
	}
	if s.changed("day") {
		patch.PreferredDay = &scheduleDay
	}
	if s.changed("timezone") {
		patch.Timezone = &scheduleTimezone
	}
	if s.changed("retention-days") {
		patch.RetentionDays = &scheduleRetentionDays
	}
	if s.changed("max-backups") {
		patch.MaxBackups = &scheduleMaxBackups
	}
	if s.changed("encrypt") {
		patch.Encrypt = &scheduleEncrypt
	}
	if schedulePause || scheduleResume {
		active := scheduleResume
		patch.IsActive = &active
	}

	sched, err := s.svc.UpdateSchedule(s.ctx, s.tenant, args[0], patch, s.actor)
	if err != nil {
		return err
	}
	s.printer.Success(fmt.Sprintf("Schedule %q updated", sched.Name))
	return printSchedule(s, sched)
}

func runScheduleDelete(s *session, args []string) error {
	err := s.confirm(confirmation.Action{
		Title:   fmt.Sprintf("Delete schedule %s of tenant %s?", args[0], s.tenant),
		Details: []string{"backups it already took are kept until they expire"},
	})
	if err != nil {
		return err
	}
	if err := s.svc.DeleteSchedule(s.ctx, s.tenant, args[0], s.actor); err != nil {
		return err
	}
	s.printer.Success("Schedule deleted")
	return nil
}

func runScheduleList(s *session, args []string) error {
	schedules, err := s.svc.ListSchedules(s.ctx, s.tenant)
	if err != nil {
		return err
	}

	return s.printer.Print(schedules, "No schedules found.", func(t *display.Table) int {
		t.SetHeaders("ID", "Name", "Frequency", "At", "Timezone", "State", "Failures", "Next Run")
		t.SetColumnColor(5, s.printer.StatusColumn())
		t.SetColumnAlignment(6, display.AlignRight)
		for _, sched := range schedules {
			t.AddRow(sched.ID, sched.Name, string(sched.Frequency), timing(sched), sched.Timezone,
				scheduleState(sched), strconv.Itoa(sched.ConsecutiveFailures), display.FormatTime(sched.NextRunAt))
		}
		return len(schedules)
	})
}

func printSchedule(s *session, sched *model.Schedule) error {
	return s.printer.Detail(sched,
		"ID", sched.ID,
		"Name", sched.Name,
		"Frequency", string(sched.Frequency),
		"At", timing(sched),
		"Timezone", sched.Timezone,
		"Backup Type", string(sched.BackupType),
		"Retention", fmt.Sprintf("%d days", sched.RetentionDays),
		"State", scheduleState(sched),
		"Failures", strconv.Itoa(sched.ConsecutiveFailures),
		"Last Error", orDash(sched.LastError),
		"Last Run", display.FormatTime(sched.LastRunAt),
		"Next Run", display.FormatTime(sched.NextRunAt),
	)
}

func scheduleState(sched *model.Schedule) string {
	if sched.IsActive {
		return "active"
	}
	return "paused"
}

func timing(sched *model.Schedule) string {
	switch sched.Frequency {
	case model.FrequencyWeekly:
		days := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
		day := sched.Day(1)
		if day >= 0 && day < len(days) {
			return days[day] + " " + sched.PreferredTime
		}
	case model.FrequencyMonthly:
		return fmt.Sprintf("day %d %s", sched.Day(1), sched.PreferredTime)
	}
	return sched.PreferredTime
}
