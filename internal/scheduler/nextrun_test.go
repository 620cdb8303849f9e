package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

func day(d int) *int { return &d }

func TestNextRun(t *testing.T) {
	utc := func(y int, m time.Month, d, h, min int) time.Time {
		return time.Date(y, m, d, h, min, 0, 0, time.UTC)
	}
	// 2026-04-01 is a Wednesday
	after := utc(2026, 4, 1, 8, 0)

	tests := []struct {
		name     string
		schedule model.Schedule
		after    time.Time
		want     time.Time
	}{
		{
			name:     "hourly later this hour",
			schedule: model.Schedule{Frequency: model.FrequencyHourly, PreferredTime: "00:15"},
			after:    utc(2026, 4, 1, 10, 10),
			want:     utc(2026, 4, 1, 10, 15),
		},
		{
			name:     "hourly next hour",
			schedule: model.Schedule{Frequency: model.FrequencyHourly, PreferredTime: "00:15"},
			after:    utc(2026, 4, 1, 10, 20),
			want:     utc(2026, 4, 1, 11, 15),
		},
		{
			name:     "daily tomorrow",
			schedule: model.Schedule{Frequency: model.FrequencyDaily, PreferredTime: "02:00"},
			after:    after,
			want:     utc(2026, 4, 2, 2, 0),
		},
		{
			name:     "daily without a preferred time",
			schedule: model.Schedule{Frequency: model.FrequencyDaily},
			after:    after,
			want:     utc(2026, 4, 2, 3, 0),
		},
		{
			name:     "daily strictly after",
			schedule: model.Schedule{Frequency: model.FrequencyDaily, PreferredTime: "08:00"},
			after:    after,
			want:     utc(2026, 4, 2, 8, 0),
		},
		{
			name:     "daily in tenant timezone",
			schedule: model.Schedule{Frequency: model.FrequencyDaily, PreferredTime: "23:30", Timezone: "Europe/Istanbul"},
			after:    after,
			want:     utc(2026, 4, 1, 20, 30),
		},
		{
			name:     "weekly defaults to monday",
			schedule: model.Schedule{Frequency: model.FrequencyWeekly, PreferredTime: "09:00"},
			after:    after,
			want:     utc(2026, 4, 6, 9, 0),
		},
		{
			name:     "weekly same weekday already passed",
			schedule: model.Schedule{Frequency: model.FrequencyWeekly, PreferredTime: "07:00", PreferredDay: day(3)},
			after:    after,
			want:     utc(2026, 4, 8, 7, 0),
		},
		{
			name:     "monthly clamps to short month",
			schedule: model.Schedule{Frequency: model.FrequencyMonthly, PreferredTime: "01:00", PreferredDay: day(31)},
			after:    after,
			want:     utc(2026, 4, 30, 1, 0),
		},
		{
			name:     "monthly rolls into long month",
			schedule: model.Schedule{Frequency: model.FrequencyMonthly, PreferredTime: "01:00", PreferredDay: day(31)},
			after:    utc(2026, 4, 30, 2, 0),
			want:     utc(2026, 5, 31, 1, 0),
		},
		{
			name:     "monthly february",
			schedule: model.Schedule{Frequency: model.FrequencyMonthly, PreferredTime: "03:00", PreferredDay: day(30)},
			after:    utc(2026, 2, 1, 0, 0),
			want:     utc(2026, 2, 28, 3, 0),
		},
		{
			name:     "monthly next month",
			schedule: model.Schedule{Frequency: model.FrequencyMonthly, PreferredTime: "03:00", PreferredDay: day(15)},
			after:    utc(2026, 4, 20, 0, 0),
			want:     utc(2026, 5, 15, 3, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(&tt.schedule, tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.after))
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		err := Validate(&model.Schedule{Frequency: model.FrequencyWeekly, PreferredTime: "04:30", PreferredDay: day(0), Timezone: "UTC"})
		assert.NoError(t, err)
	})

	tests := []struct {
		name     string
		schedule model.Schedule
		field    string
	}{
		{"unknown frequency", model.Schedule{Frequency: "yearly", PreferredTime: "01:00"}, "frequency"},
		{"bad time", model.Schedule{Frequency: model.FrequencyDaily, PreferredTime: "25:00"}, "preferred_time"},
		{"bad timezone", model.Schedule{Frequency: model.FrequencyDaily, PreferredTime: "01:00", Timezone: "Mars/Olympus"}, "timezone"},
		{"bad weekday", model.Schedule{Frequency: model.FrequencyWeekly, PreferredTime: "01:00", PreferredDay: day(9)}, "preferred_day"},
		{"bad month day", model.Schedule{Frequency: model.FrequencyMonthly, PreferredTime: "01:00", PreferredDay: day(0)}, "preferred_day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.schedule)
			require.Error(t, err)
			assert.True(t, appErrors.IsValidation(err))
			assert.Equal(t, appErrors.ReasonInvalidSchedule, appErrors.ReasonOf(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
