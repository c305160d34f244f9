package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"recur-planner/internal/model"
	"recur-planner/internal/recurrence"
	"recur-planner/internal/repository"
)

// GeneratorService turns recurrence rules into dated task instances. The
// periodic path scans schedule-type rules; the completion path is invoked
// inline when a completion-type instance is marked done. Both paths share
// the same idempotency guard: at most one instance per (rule, due date).
type GeneratorService struct {
	users    *repository.UserRepository
	rules    *repository.RecurringTaskRepository
	tasks    *repository.TaskRepository
	fallback *time.Location
	log      *logrus.Logger
}

func NewGeneratorService(users *repository.UserRepository, rules *repository.RecurringTaskRepository, tasks *repository.TaskRepository, fallback *time.Location, log *logrus.Logger) *GeneratorService {
	return &GeneratorService{
		users:    users,
		rules:    rules,
		tasks:    tasks,
		fallback: fallback,
		log:      log,
	}
}

// GenerateScheduledInstances processes every active schedule-type rule once.
// The trigger may fire hourly, but each rule is evaluated at most once per
// day in its owner's timezone: the per-rule LastGeneratedDate stamp is
// compared against the current local date, so a delayed tick still catches
// the day instead of missing a narrow wall-clock window. A failure on one
// rule is logged and skipped; it never aborts the rest of the batch.
func (s *GeneratorService) GenerateScheduledInstances(ctx context.Context, now time.Time) error {
	rules, err := s.rules.ListActiveScheduled(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		if err := s.generateForRule(ctx, rule, now); err != nil {
			s.log.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"user_id": rule.UserID,
			}).WithError(err).Warn("skip recurring rule")
		}
	}
	return nil
}

func (s *GeneratorService) generateForRule(ctx context.Context, rule *model.RecurringTask, now time.Time) error {
	sched, err := scheduleOf(rule)
	if err != nil {
		return err
	}
	if rule.NextRunDate == "" {
		return fmt.Errorf("rule has no next run date")
	}

	loc, err := s.ownerLocation(ctx, s.users, rule.UserID)
	if err != nil {
		return err
	}
	today := recurrence.LocalToday(now, loc)

	// Already evaluated on this local day; nothing can change until tomorrow.
	if rule.LastGeneratedDate == today {
		return nil
	}

	due, err := recurrence.ShouldGenerate(rule.NextRunDate, today, sched.Unit)
	if err != nil {
		return err
	}
	if !due {
		return s.rules.MarkEvaluated(ctx, rule, today)
	}

	if err := s.insertInstance(ctx, s.tasks, rule, today); err != nil {
		return err
	}

	// The cursor advances whether or not an instance already existed for
	// today, so the same date is never re-evaluated on a later tick.
	next, err := recurrence.NextRunDate(sched, today)
	if err != nil {
		return err
	}
	if err := s.rules.Advance(ctx, rule, next, today); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"rule_id":  rule.ID,
		"user_id":  rule.UserID,
		"due":      today,
		"next_run": next,
	}).Info("generated scheduled instance")
	return nil
}

// GenerateNextOnCompletion creates the follow-up instance for a
// completion-type rule. The cadence restarts from the completion day in the
// owner's timezone, not from the stored cursor. The caller passes its own
// transaction handle: errors must propagate and fail the completion with
// them, because nothing else will ever produce the next instance.
func (s *GeneratorService) GenerateNextOnCompletion(ctx context.Context, tx *gorm.DB, completed *model.Task, now time.Time) error {
	if completed.RecurringTaskID == nil {
		return nil
	}

	users := repository.NewUserRepository(tx)
	rules := repository.NewRecurringTaskRepository(tx)
	tasks := repository.NewTaskRepository(tx)

	rule, err := rules.FindByID(ctx, completed.UserID, *completed.RecurringTaskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Rule deleted after the instance was generated; nothing to do.
			return nil
		}
		return fmt.Errorf("load rule %d: %w", *completed.RecurringTaskID, err)
	}
	if rule.RecurrenceType != model.RecurrenceCompletion || !rule.IsActive {
		return nil
	}

	sched, err := scheduleOf(rule)
	if err != nil {
		return err
	}
	loc, err := s.ownerLocation(ctx, users, rule.UserID)
	if err != nil {
		return err
	}
	today := recurrence.LocalToday(now, loc)

	due, err := recurrence.NextRunDate(sched, today)
	if err != nil {
		return err
	}

	if err := s.insertInstance(ctx, tasks, rule, due); err != nil {
		return err
	}
	if err := rules.SetNextRunDate(ctx, rule, due); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"rule_id": rule.ID,
		"user_id": rule.UserID,
		"due":     due,
	}).Info("generated follow-up instance")
	return nil
}

// insertInstance applies the idempotency guard and inserts the instance if
// absent. The pre-check is the fast path; the unique index on
// (recurring_task_id, due) closes the race when two invocations pass the
// check before either inserts, and losing that race counts as "exists".
func (s *GeneratorService) insertInstance(ctx context.Context, tasks *repository.TaskRepository, rule *model.RecurringTask, due string) error {
	exists, err := tasks.ExistsForDate(ctx, rule.ID, due)
	if err != nil {
		return fmt.Errorf("check existing instance: %w", err)
	}
	if exists {
		return nil
	}

	task := &model.Task{
		UserID:          rule.UserID,
		RecurringTaskID: &rule.ID,
		Title:           rule.Name,
		Notes:           rule.Notes,
		Due:             due,
	}
	if err := tasks.Create(ctx, task); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	return nil
}

// ownerLocation resolves the timezone all date math for a rule runs in.
func (s *GeneratorService) ownerLocation(ctx context.Context, users *repository.UserRepository, userID uint) (*time.Location, error) {
	user, err := users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load owner %d: %w", userID, err)
	}
	return locationFor(user, s.fallback)
}

// locationFor picks the user's timezone, falling back to the configured
// default when unset.
func locationFor(user *model.User, fallback *time.Location) (*time.Location, error) {
	if user.Timezone == "" {
		return fallback, nil
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", user.Timezone, err)
	}
	return loc, nil
}

// scheduleOf extracts and validates the declarative schedule of a rule. A
// rule that fails validation is a configuration error: the periodic path
// logs and skips it, the completion path surfaces it.
func scheduleOf(rule *model.RecurringTask) (recurrence.Schedule, error) {
	sched := recurrence.Schedule{
		Amount:     rule.IntervalAmount,
		Unit:       rule.IntervalUnit,
		TimeOfDay:  rule.TimeOfDay,
		DaysOfWeek: rule.DaysOfWeek,
		DayOfMonth: rule.DayOfMonth,
	}
	if err := sched.Validate(); err != nil {
		return recurrence.Schedule{}, fmt.Errorf("rule schedule: %w", err)
	}
	return sched, nil
}
