package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression that have 5 fields or a calendar
// @macro (@hourly, @daily, ...). @every is rejected, its firing times
// depend on when the timer started and can't be matched against a minute.
// Schedules are evaluated in UTC unless the expression sets CRON_TZ.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if !strings.HasPrefix(e, "TZ=") && !strings.HasPrefix(e, "CRON_TZ=") {
		e = "CRON_TZ=UTC " + e
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return nil, err
	}
	if _, ok := schedule.(cron.ConstantDelaySchedule); ok {
		return nil, ErrCronInterval
	}
	return schedule, nil
}

// CronMatches reports whether schedule fires at the minute containing t.
func CronMatches(schedule cron.Schedule, t time.Time) bool {
	minute := t.UTC().Truncate(time.Minute)
	next := schedule.Next(minute.Add(-time.Second))
	return next.Equal(minute)
}

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseDuration parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$ into time.Duration.
// Supports ordered day/hour/minute/second segments. Empty string rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}
