package recurrence

import (
	"testing"
	"time"
)

func TestNextRunDate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		amount int
		unit   string
		base   string
		want   string
	}{
		{name: "one day", amount: 1, unit: UnitDay, base: "2024-01-12", want: "2024-01-13"},
		{name: "three days", amount: 3, unit: UnitDay, base: "2024-03-05", want: "2024-03-08"},
		{name: "day across month end", amount: 2, unit: UnitDay, base: "2024-01-31", want: "2024-02-02"},
		{name: "day across year end", amount: 1, unit: UnitDay, base: "2024-12-31", want: "2025-01-01"},
		{name: "one week", amount: 1, unit: UnitWeek, base: "2024-01-10", want: "2024-01-17"},
		{name: "two weeks", amount: 2, unit: UnitWeek, base: "2024-02-26", want: "2024-03-11"},
		{name: "one month keeps day", amount: 1, unit: UnitMonth, base: "2024-03-15", want: "2024-04-15"},
		{name: "month clamps to leap february", amount: 1, unit: UnitMonth, base: "2024-01-31", want: "2024-02-29"},
		{name: "month clamps to short february", amount: 1, unit: UnitMonth, base: "2023-01-31", want: "2023-02-28"},
		{name: "month clamps to thirty days", amount: 1, unit: UnitMonth, base: "2024-05-31", want: "2024-06-30"},
		{name: "six months across year end", amount: 6, unit: UnitMonth, base: "2024-08-31", want: "2025-02-28"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRunDate(Schedule{Amount: tt.amount, Unit: tt.unit}, tt.base)
			if err != nil {
				t.Fatalf("NextRunDate error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("NextRunDate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextRunDateBadBase(t *testing.T) {
	t.Parallel()
	if _, err := NextRunDate(Schedule{Amount: 1, Unit: UnitDay}, "12.01.2024"); err == nil {
		t.Fatal("expected error for malformed base date")
	}
}

func TestNextRunDateUnknownUnitPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown unit")
		}
	}()
	_, _ = NextRunDate(Schedule{Amount: 1, Unit: "fortnight"}, "2024-01-10")
}

func TestShouldGenerateDaily(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		nextRun string
		today   string
		want    bool
	}{
		{name: "before target", nextRun: "2024-01-10", today: "2024-01-09", want: false},
		{name: "on target", nextRun: "2024-01-10", today: "2024-01-10", want: true},
		{name: "past target catches up", nextRun: "2024-01-10", today: "2024-01-12", want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShouldGenerate(tt.nextRun, tt.today, UnitDay)
			if err != nil {
				t.Fatalf("ShouldGenerate error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ShouldGenerate = %t, want %t", got, tt.want)
			}
		})
	}
}

// Daily decisions never flip back to false once the target date is reached.
func TestShouldGenerateDailyMonotonic(t *testing.T) {
	t.Parallel()
	day, err := ParseDate("2024-01-10")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 30; i++ {
		today := FormatDate(day.AddDate(0, 0, i))
		due, err := ShouldGenerate("2024-01-10", today, UnitDay)
		if err != nil {
			t.Fatalf("ShouldGenerate(%s) error: %v", today, err)
		}
		if !due {
			t.Fatalf("daily rule not due on %s", today)
		}
	}
}

// Weekly and monthly rules are due on exactly one day per cycle even if the
// decision is evaluated every single day.
func TestShouldGenerateExactMatchUnits(t *testing.T) {
	t.Parallel()
	for _, unit := range []string{UnitWeek, UnitMonth} {
		start, err := ParseDate("2024-01-01")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		dueDays := 0
		for i := 0; i < 60; i++ {
			today := FormatDate(start.AddDate(0, 0, i))
			due, err := ShouldGenerate("2024-01-10", today, unit)
			if err != nil {
				t.Fatalf("ShouldGenerate(%s, %s) error: %v", today, unit, err)
			}
			if due {
				dueDays++
				if today != "2024-01-10" {
					t.Fatalf("%s rule due on %s, want exact match only", unit, today)
				}
			}
		}
		if dueDays != 1 {
			t.Fatalf("%s rule due on %d days, want 1", unit, dueDays)
		}
	}
}

func TestShouldGenerateWeeklyMissedBoundary(t *testing.T) {
	t.Parallel()
	// Missed weekly boundary defers instead of firing late.
	due, err := ShouldGenerate("2024-01-10", "2024-01-11", UnitWeek)
	if err != nil {
		t.Fatalf("ShouldGenerate error: %v", err)
	}
	if due {
		t.Fatal("weekly rule fired on a non-matching day")
	}
}

func TestLocalToday(t *testing.T) {
	t.Parallel()
	// 23:30 UTC on Jan 10 is already Jan 11 in Auckland and still Jan 10 in UTC.
	instant := time.Date(2024, time.January, 10, 23, 30, 0, 0, time.UTC)

	auckland, err := time.LoadLocation("Pacific/Auckland")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	if got := LocalToday(instant, auckland); got != "2024-01-11" {
		t.Fatalf("LocalToday(Auckland) = %s, want 2024-01-11", got)
	}
	if got := LocalToday(instant, time.UTC); got != "2024-01-10" {
		t.Fatalf("LocalToday(UTC) = %s, want 2024-01-10", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{name: "valid daily", s: Schedule{Amount: 1, Unit: UnitDay}},
		{name: "valid monthly", s: Schedule{Amount: 3, Unit: UnitMonth}},
		{name: "zero amount", s: Schedule{Amount: 0, Unit: UnitDay}, wantErr: true},
		{name: "negative amount", s: Schedule{Amount: -2, Unit: UnitWeek}, wantErr: true},
		{name: "empty unit", s: Schedule{Amount: 1}, wantErr: true},
		{name: "unknown unit", s: Schedule{Amount: 1, Unit: "year"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
