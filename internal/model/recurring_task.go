package model

import "time"

// Recurrence types. A schedule rule generates on a fixed calendar cadence
// whether or not prior instances were completed; a completion rule counts
// its interval from the moment the current instance is marked done.
const (
	RecurrenceSchedule   = "schedule"
	RecurrenceCompletion = "completion"
)

// RecurringTask is a recurrence rule plus its progress cursor. NextRunDate
// is the sole source of truth for scheduling progress; all its dates are
// calendar dates in the owner's timezone.
type RecurringTask struct {
	ID                uint  `gorm:"primaryKey"`
	UserID            uint  `gorm:"index"`
	CategoryID        *uint `gorm:"index"`
	Name              string
	Notes             string
	RecurrenceType    string `gorm:"index:idx_rt_scan"` // schedule or completion
	IntervalAmount    int
	IntervalUnit      string // day, week or month
	TimeOfDay         string // optional HH:MM refinement
	DaysOfWeek        string // optional, comma-separated; not consumed by generation yet
	DayOfMonth        int    // optional; not consumed by generation yet
	NextRunDate       string // YYYY-MM-DD, the next date an instance should exist for
	LastGeneratedDate string // local date of the latest generator evaluation
	IsActive          bool   `gorm:"default:true;index:idx_rt_scan"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
