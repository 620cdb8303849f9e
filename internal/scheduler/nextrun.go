package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

const (
	defaultWeekday  = int(time.Monday)
	defaultMonthDay = 1
)

// Validate checks the timing fields of a schedule
func Validate(s *model.Schedule) error {
	var errs appErrors.ValidationErrors
	if !s.Frequency.Valid() {
		errs.Add("frequency", fmt.Sprintf("unknown frequency %q", s.Frequency))
	}
	if _, _, err := parseClock(s.PreferredTime); err != nil {
		errs.Add("preferred_time", err.Error())
	}
	if _, err := location(s.Timezone); err != nil {
		errs.Add("timezone", err.Error())
	}
	if s.PreferredDay != nil {
		day := *s.PreferredDay
		switch s.Frequency {
		case model.FrequencyWeekly:
			if day < 0 || day > 6 {
				errs.Add("preferred_day", "weekly schedules take a weekday from 0 (Sunday) to 6")
			}
		case model.FrequencyMonthly:
			if day < 1 || day > 31 {
				errs.Add("preferred_day", "monthly schedules take a day of month from 1 to 31")
			}
		}
	}
	if err := errs.AsError(); err != nil {
		return appErrors.NewValidationError(appErrors.ReasonInvalidSchedule, err.Error())
	}
	return nil
}

// NextRun returns the first slot of the schedule strictly after after.
// Slots are computed in the schedule's timezone and returned in UTC.
func NextRun(s *model.Schedule, after time.Time) (time.Time, error) {
	hour, minute, err := parseClock(s.PreferredTime)
	if err != nil {
		return time.Time{}, appErrors.NewValidationError(appErrors.ReasonInvalidSchedule, err.Error())
	}
	loc, err := location(s.Timezone)
	if err != nil {
		return time.Time{}, appErrors.NewValidationError(appErrors.ReasonInvalidSchedule, err.Error())
	}
	local := after.In(loc)
	y, m, d := local.Date()

	var next time.Time
	switch s.Frequency {
	case model.FrequencyHourly:
		next = time.Date(y, m, d, local.Hour(), minute, 0, 0, loc)
		if !next.After(after) {
			next = next.Add(time.Hour)
		}
	case model.FrequencyDaily:
		next = time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(after) {
			next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
		}
	case model.FrequencyWeekly:
		ahead := (s.Day(defaultWeekday) - int(local.Weekday()) + 7) % 7
		next = time.Date(y, m, d+ahead, hour, minute, 0, 0, loc)
		if !next.After(after) {
			next = time.Date(y, m, d+ahead+7, hour, minute, 0, 0, loc)
		}
	case model.FrequencyMonthly:
		day := s.Day(defaultMonthDay)
		next = time.Date(y, m, clampDay(y, m, day), hour, minute, 0, 0, loc)
		if !next.After(after) {
			ny, nm, _ := time.Date(y, m+1, 1, 0, 0, 0, 0, loc).Date()
			next = time.Date(ny, nm, clampDay(ny, nm, day), hour, minute, 0, 0, loc)
		}
	default:
		return time.Time{}, appErrors.NewValidationError(appErrors.ReasonInvalidSchedule,
			fmt.Sprintf("unknown frequency %q", s.Frequency))
	}
	return next.UTC(), nil
}

// clampDay moves day back to the last day of short months
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

func parseClock(value string) (int, int, error) {
	if value == "" {
		return 3, 0, nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("preferred time %q is not HH:MM", value)
	}
	return t.Hour(), t.Minute(), nil
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}
