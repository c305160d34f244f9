// Package recurrence holds the pure date arithmetic behind recurring task
// generation: computing the next run date of a rule and deciding whether an
// instance is due on a given local day. Nothing here touches the clock or
// the database; callers pass in dates already anchored to the owner's
// timezone.
package recurrence

import (
	"fmt"
	"time"
)

// DateLayout is the storage format for calendar dates. Dates are kept as
// local-calendar strings rather than timestamps so "which day" never has to
// be re-derived from a UTC instant.
const DateLayout = "2006-01-02"

// Interval units.
const (
	UnitDay   = "day"
	UnitWeek  = "week"
	UnitMonth = "month"
)

// Schedule is the declarative part of a recurrence rule.
type Schedule struct {
	Amount     int    // number of units between occurrences
	Unit       string // UnitDay, UnitWeek or UnitMonth
	TimeOfDay  string // optional HH:MM
	DaysOfWeek string // optional, comma-separated; carried but not consumed by ShouldGenerate
	DayOfMonth int    // optional; carried but not consumed by ShouldGenerate
}

// Validate reports whether the schedule is usable for generation.
func (s Schedule) Validate() error {
	if s.Amount <= 0 {
		return fmt.Errorf("interval amount must be positive, got %d", s.Amount)
	}
	switch s.Unit {
	case UnitDay, UnitWeek, UnitMonth:
		return nil
	case "":
		return fmt.Errorf("interval unit is empty")
	default:
		return fmt.Errorf("unsupported interval unit %q", s.Unit)
	}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// LocalToday returns the calendar date of now in loc.
func LocalToday(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DateLayout)
}

// NextRunDate adds the schedule interval to baseDate using calendar
// arithmetic: week is seven days, month addition keeps the day of month and
// clamps to the last day when the target month is shorter (Jan 31 + 1 month
// = Feb 28/29). The caller supplies a date already anchored to the owner's
// local day. An unknown unit is a programmer error, not a runtime condition:
// rules are validated before they reach this point, so it panics.
func NextRunDate(s Schedule, baseDate string) (string, error) {
	base, err := ParseDate(baseDate)
	if err != nil {
		return "", err
	}
	switch s.Unit {
	case UnitDay:
		return FormatDate(base.AddDate(0, 0, s.Amount)), nil
	case UnitWeek:
		return FormatDate(base.AddDate(0, 0, 7*s.Amount)), nil
	case UnitMonth:
		return FormatDate(addMonths(base, s.Amount)), nil
	default:
		panic(fmt.Sprintf("recurrence: unknown interval unit %q", s.Unit))
	}
}

// ShouldGenerate decides whether an instance is due on todayLocal given the
// stored next run date. Daily rules fire on any day at or past the target,
// so a missed run catches up on the next tick. Weekly and monthly rules
// fire only on the exact date: a missed boundary is deferred to the next
// exact match instead of firing every day thereafter, which means missed
// weekly/monthly occurrences are skipped, not backfilled.
func ShouldGenerate(nextRunDate, todayLocal, unit string) (bool, error) {
	next, err := ParseDate(nextRunDate)
	if err != nil {
		return false, fmt.Errorf("next run date: %w", err)
	}
	today, err := ParseDate(todayLocal)
	if err != nil {
		return false, fmt.Errorf("today: %w", err)
	}
	if today.Before(next) {
		return false, nil
	}
	if unit == UnitDay {
		return true, nil
	}
	return today.Equal(next), nil
}

// addMonths shifts d by the given number of months, preserving the day of
// month where possible and clamping to the end of shorter months.
func addMonths(d time.Time, months int) time.Time {
	year, month, day := d.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, d.Location())
	shifted := first.AddDate(0, months, 0)
	if max := daysInMonth(shifted.Month(), shifted.Year()); day > max {
		day = max
	}
	return time.Date(shifted.Year(), shifted.Month(), day, 0, 0, 0, 0, d.Location())
}

func daysInMonth(month time.Month, year int) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}
