package model

import "time"

// Task represents a single item in the planner. Instances generated from a
// RecurringTask carry a back-reference and a due date; the composite unique
// index keeps at most one instance per (rule, due) pair even when two
// generator invocations race. One-off tasks have a nil RecurringTaskID and
// are not constrained.
type Task struct {
	ID              uint  `gorm:"primaryKey"`
	UserID          uint  `gorm:"index"`
	RecurringTaskID *uint `gorm:"index:idx_rule_due,unique"`
	Title           string
	Notes           string
	Due             string `gorm:"index:idx_rule_due,unique"` // YYYY-MM-DD in the owner's timezone; empty for undated tasks
	IsCompleted     bool   `gorm:"default:false"`
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
