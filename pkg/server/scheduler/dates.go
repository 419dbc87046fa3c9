// Package scheduler runs the minute loop for calendar-driven maintenance:
// traffic cycle resets, automatic renewals, and renewal reminders. All date
// arithmetic is in UTC with day-of-month clamping, so an anchor on the 31st
// lands on the last day of shorter months without drifting.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nodenexus/nodenexus/pkg/store"
)

// daysIn returns the number of days in a month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampDay limits a day-of-month to what the month actually has.
func clampDay(year int, month time.Month, day int) int {
	if last := daysIn(year, month); day > last {
		return last
	}
	return day
}

// NextMonthlyReset returns the first monthly reset strictly after `after`:
// midnight UTC of the given day-of-month (clamped per month) plus
// offsetSeconds. A day anchor of 31 yields Jan 31, Feb 28/29, Mar 31, ...
func NextMonthlyReset(after time.Time, dayOfMonth, offsetSeconds int) time.Time {
	after = after.UTC()
	year, month := after.Year(), after.Month()
	for i := 0; i < 2; i++ {
		day := clampDay(year, month, dayOfMonth)
		candidate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).
			Add(time.Duration(offsetSeconds) * time.Second)
		if candidate.After(after) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	// Unreachable: the second iteration's candidate is always in a later
	// month than `after`.
	return time.Time{}
}

// AddCalendarMonths advances by whole months, clamping the day to the target
// month's length. The time of day is preserved.
func AddCalendarMonths(t time.Time, months int) time.Time {
	t = t.UTC()
	anchor := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	day := clampDay(anchor.Year(), anchor.Month(), t.Day())
	return time.Date(anchor.Year(), anchor.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// NextRenewalDate advances one renewal cycle from the given date.
func NextRenewalDate(from time.Time, cycle string, customDays int) (time.Time, error) {
	switch cycle {
	case store.CycleMonthly:
		return AddCalendarMonths(from, 1), nil
	case store.CycleQuarterly:
		return AddCalendarMonths(from, 3), nil
	case store.CycleSemiAnnually:
		return AddCalendarMonths(from, 6), nil
	case store.CycleAnnually:
		return AddCalendarMonths(from, 12), nil
	case store.CycleCustomDays:
		if customDays <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: custom_days cycle needs a positive day count")
		}
		return from.UTC().AddDate(0, 0, customDays), nil
	}
	return time.Time{}, fmt.Errorf("scheduler: unknown renewal cycle %q", cycle)
}

// parseResetValue parses a traffic reset config value. fixed_days configs
// carry a bare day count ("30"). monthly_day_of_month configs carry either a
// bare day ("15", midnight) or keyed fields in any order:
// "day:15,time_offset_seconds:3600".
func parseResetValue(value string) (day, offsetSeconds int, err error) {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, ":") {
		day, err = strconv.Atoi(value)
		if err != nil {
			return 0, 0, fmt.Errorf("scheduler: parsing reset day %q: %w", value, err)
		}
		return day, 0, nil
	}

	sawDay := false
	for _, part := range strings.Split(value, ",") {
		key, raw, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return 0, 0, fmt.Errorf("scheduler: malformed reset field %q in %q", part, value)
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(raw))
		if convErr != nil {
			return 0, 0, fmt.Errorf("scheduler: parsing reset field %q: %w", part, convErr)
		}
		switch strings.TrimSpace(key) {
		case "day":
			day, sawDay = n, true
		case "time_offset_seconds":
			offsetSeconds = n
		default:
			return 0, 0, fmt.Errorf("scheduler: unknown reset field %q in %q", key, value)
		}
	}
	if !sawDay {
		return 0, 0, fmt.Errorf("scheduler: reset value %q missing day", value)
	}
	return day, offsetSeconds, nil
}

// nextTrafficReset computes the reset after `after` for a host's reset
// config, or nil when the host has no recurring reset.
func nextTrafficReset(after time.Time, resetType, value string) (*time.Time, error) {
	switch resetType {
	case store.ResetTypeMonthlyDay:
		day, offset, err := parseResetValue(value)
		if err != nil {
			return nil, err
		}
		if day < 1 || day > 31 {
			return nil, fmt.Errorf("scheduler: reset day %d out of range", day)
		}
		next := NextMonthlyReset(after, day, offset)
		return &next, nil
	case store.ResetTypeFixedDays:
		days, _, err := parseResetValue(value)
		if err != nil {
			return nil, err
		}
		if days <= 0 {
			return nil, fmt.Errorf("scheduler: fixed reset interval %d out of range", days)
		}
		next := after.UTC().AddDate(0, 0, days)
		return &next, nil
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("scheduler: unknown reset type %q", resetType)
}
