package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		err      bool
	}{
		{"valid_5_fields", "*/15 * * * *", false},
		{"weekdays", "0 18 * * 1-5", false},
		{"macro_hourly", "@hourly", false},
		{"macro_every", "@every 5m", true},
		{"macro_daily", "@daily", false},
		{"explicit_tz", "CRON_TZ=UTC 0 18 * * *", false},
		{"invalid_field_count_4", "* * * *", true},
		{"invalid_6_fields", "0 */2 * * * *", true},
		{"invalid_token", "* * 32 * *", true},
		{"empty", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.ParseCron(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCronMatches(t *testing.T) {
	t.Parallel()
	schedule, err := model.ParseCron("0 18 * * 1-5")
	require.NoError(t, err)

	wednesday := time.Date(2025, time.June, 11, 18, 0, 0, 0, time.UTC)
	require.Equal(t, time.Wednesday, wednesday.Weekday())

	cases := []struct {
		scenario string
		given    time.Time
		then     bool
	}{
		{"wednesday 18:00", wednesday, true},
		{"wednesday 18:00:42", wednesday.Add(42 * time.Second), true},
		{"wednesday 18:01", wednesday.Add(time.Minute), false},
		{"saturday 18:00", wednesday.AddDate(0, 0, 3), false},
		{"sunday 18:00", wednesday.AddDate(0, 0, 4), false},
		{"wednesday 18:00 CEST is 16:00 UTC", time.Date(2025, time.June, 11, 18, 0, 0, 0, time.FixedZone("CEST", 2*60*60)), false},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, model.CronMatches(schedule, tc.given))
		})
	}
}

func TestParseCron_Interval(t *testing.T) {
	t.Parallel()
	_, err := model.ParseCron("@every 5m")
	require.ErrorIs(t, err, model.ErrCronInterval)

	cfg := model.DefaultConfig()
	cfg.Triggers.Schedule = &model.Schedule{Cron: "@every 5m"}
	err = cfg.Validate()
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, "triggers.schedule.cron")

	hourly, err := model.ParseCron("@hourly")
	require.NoError(t, err)
	at := time.Date(2025, time.June, 14, 7, 0, 0, 0, time.UTC)
	require.True(t, model.CronMatches(hourly, at))
	require.False(t, model.CronMatches(hourly, at.Add(time.Minute)))
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"1d", 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"15s", 15 * time.Second, false},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"", 0, true},
		{"1m1h", 0, true},
		{"10 minutes", 0, true},
		{"99999999999999d", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
