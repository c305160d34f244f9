package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"recur-planner/internal/model"
	"recur-planner/internal/repository"
)

var telegramIDSeq atomic.Int64

type testEnv struct {
	db    *gorm.DB
	users *repository.UserRepository
	rules *repository.RecurringTaskRepository
	tasks *repository.TaskRepository
	gen   *GeneratorService
	svc   *TaskService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := repository.NewDB(dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	users := repository.NewUserRepository(db)
	rules := repository.NewRecurringTaskRepository(db)
	tasks := repository.NewTaskRepository(db)
	categories := repository.NewCategoryRepository(db)
	gen := NewGeneratorService(users, rules, tasks, time.UTC, log)
	svc := NewTaskService(db, tasks, rules, categories, gen, time.UTC)

	return &testEnv{db: db, users: users, rules: rules, tasks: tasks, gen: gen, svc: svc}
}

func (e *testEnv) createUser(t *testing.T, timezone string) *model.User {
	t.Helper()
	user := &model.User{TelegramID: telegramIDSeq.Add(1), FirstName: "Test", Timezone: timezone}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (e *testEnv) createRule(t *testing.T, rule *model.RecurringTask) *model.RecurringTask {
	t.Helper()
	if err := e.rules.Create(context.Background(), rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func (e *testEnv) tasksOf(t *testing.T, ruleID uint) []model.Task {
	t.Helper()
	var tasks []model.Task
	if err := e.db.Where("recurring_task_id = ?", ruleID).Order("due ASC").Find(&tasks).Error; err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func (e *testEnv) reloadRule(t *testing.T, ruleID uint) *model.RecurringTask {
	t.Helper()
	var rule model.RecurringTask
	if err := e.db.First(&rule, ruleID).Error; err != nil {
		t.Fatalf("reload rule: %v", err)
	}
	return &rule
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

// A daily rule whose target date has passed catches up on the current day:
// the instance is dated today, not the missed date, and the cursor advances
// from today.
func TestGenerateScheduledDailyCatchUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Полить цветы",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-10",
		IsActive:       true,
	})

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-12T09:00:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	tasks := env.tasksOf(t, rule.ID)
	if len(tasks) != 1 {
		t.Fatalf("got %d instances, want 1", len(tasks))
	}
	if tasks[0].Due != "2024-01-12" {
		t.Fatalf("instance due %s, want 2024-01-12", tasks[0].Due)
	}
	if tasks[0].Title != "Полить цветы" {
		t.Fatalf("instance title %q, want rule name", tasks[0].Title)
	}

	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-01-13" {
		t.Fatalf("next run %s, want 2024-01-13", got.NextRunDate)
	}
	if got.LastGeneratedDate != "2024-01-12" {
		t.Fatalf("stamp %s, want 2024-01-12", got.LastGeneratedDate)
	}
}

// A weekly rule fires only on the exact cursor date; the day after a missed
// boundary produces nothing and leaves the cursor untouched.
func TestGenerateScheduledWeeklyExactMatchOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Еженедельный отчёт",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "week",
		NextRunDate:    "2024-01-10",
		IsActive:       true,
	})

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-11T09:00:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 0 {
		t.Fatalf("got %d instances, want none", len(tasks))
	}
	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-01-10" {
		t.Fatalf("next run %s, want unchanged 2024-01-10", got.NextRunDate)
	}
	if got.LastGeneratedDate != "2024-01-11" {
		t.Fatalf("stamp %s, want 2024-01-11", got.LastGeneratedDate)
	}
}

// Repeated ticks on the same local day never produce a second instance.
func TestGenerateScheduledSecondTickSameDay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Зарядка",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-12",
		IsActive:       true,
	})

	for hour := 9; hour <= 12; hour++ {
		now := mustTime(t, fmt.Sprintf("2024-01-12T%02d:00:00Z", hour))
		if err := env.gen.GenerateScheduledInstances(ctx, now); err != nil {
			t.Fatalf("generate at %d: %v", hour, err)
		}
	}

	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 1 {
		t.Fatalf("got %d instances, want 1", len(tasks))
	}
}

// When an instance for the target date already exists, the generator skips
// the insert but still advances the cursor so the same date is not
// re-evaluated on the next tick.
func TestGenerateScheduledExistingInstanceAdvancesCursor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Оплатить счета",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-12",
		IsActive:       true,
	})
	existing := &model.Task{UserID: user.ID, RecurringTaskID: &rule.ID, Title: rule.Name, Due: "2024-01-12"}
	if err := env.tasks.Create(ctx, existing); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-12T09:00:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 1 {
		t.Fatalf("got %d instances, want 1", len(tasks))
	}
	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-01-13" {
		t.Fatalf("next run %s, want 2024-01-13", got.NextRunDate)
	}
}

// A broken rule is logged and skipped without aborting the rest of the batch.
func TestGenerateScheduledBatchIsolation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	orphan := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID + 1000, // no such owner
		Name:           "Сирота",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-12",
		IsActive:       true,
	})
	healthy := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Здоровое правило",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-12",
		IsActive:       true,
	})

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-12T09:00:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if tasks := env.tasksOf(t, orphan.ID); len(tasks) != 0 {
		t.Fatalf("orphan rule produced %d instances", len(tasks))
	}
	if tasks := env.tasksOf(t, healthy.ID); len(tasks) != 1 {
		t.Fatalf("healthy rule produced %d instances, want 1", len(tasks))
	}
}

// "Today" is the owner's local day, not the server's. At 23:30 UTC it is
// already the next day in Auckland, so the Auckland user's rule fires while
// an identical UTC rule does not.
func TestGenerateScheduledOwnerTimezone(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	auckland := env.createUser(t, "Pacific/Auckland")
	utc := env.createUser(t, "")
	ruleAuckland := env.createRule(t, &model.RecurringTask{
		UserID:         auckland.ID,
		Name:           "Новозеландское правило",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "week",
		NextRunDate:    "2024-01-11",
		IsActive:       true,
	})
	ruleUTC := env.createRule(t, &model.RecurringTask{
		UserID:         utc.ID,
		Name:           "UTC правило",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "week",
		NextRunDate:    "2024-01-11",
		IsActive:       true,
	})

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-10T23:30:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	tasks := env.tasksOf(t, ruleAuckland.ID)
	if len(tasks) != 1 || tasks[0].Due != "2024-01-11" {
		t.Fatalf("auckland rule: got %v, want one instance due 2024-01-11", tasks)
	}
	if tasks := env.tasksOf(t, ruleUTC.ID); len(tasks) != 0 {
		t.Fatalf("utc rule fired a day early: %d instances", len(tasks))
	}
}

// Completion-type rules are never scanned by the periodic generator.
func TestGenerateScheduledIgnoresCompletionRules(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "После выполнения",
		RecurrenceType: model.RecurrenceCompletion,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-01-12",
		IsActive:       true,
	})

	if err := env.gen.GenerateScheduledInstances(ctx, mustTime(t, "2024-01-12T09:00:00Z")); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 0 {
		t.Fatalf("completion rule was scanned: %d instances", len(tasks))
	}
}

// Completing an instance of a completion-type rule produces the follow-up
// dated from the completion day, ignoring whatever cursor was stored.
func TestCompleteTaskGeneratesFollowUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Сменить фильтр",
		RecurrenceType: model.RecurrenceCompletion,
		IntervalAmount: 3,
		IntervalUnit:   "day",
		NextRunDate:    "2024-04-01", // stale cursor must be ignored
		IsActive:       true,
	})
	instance := &model.Task{UserID: user.ID, RecurringTaskID: &rule.ID, Title: rule.Name, Due: "2024-03-05"}
	if err := env.tasks.Create(ctx, instance); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	completed, err := env.svc.CompleteTask(ctx, user, instance.ID, mustTime(t, "2024-03-05T15:00:00Z"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.IsCompleted {
		t.Fatal("instance not marked completed")
	}

	tasks := env.tasksOf(t, rule.ID)
	if len(tasks) != 2 {
		t.Fatalf("got %d instances, want completed + follow-up", len(tasks))
	}
	followUp := tasks[1]
	if followUp.Due != "2024-03-08" {
		t.Fatalf("follow-up due %s, want 2024-03-08", followUp.Due)
	}
	if followUp.IsCompleted {
		t.Fatal("follow-up must start open")
	}

	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-03-08" {
		t.Fatalf("next run %s, want 2024-03-08", got.NextRunDate)
	}
}

// If an instance already exists for the computed follow-up date, completion
// only rewrites the cursor.
func TestCompleteTaskFollowUpAlreadyExists(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "Уборка",
		RecurrenceType: model.RecurrenceCompletion,
		IntervalAmount: 3,
		IntervalUnit:   "day",
		NextRunDate:    "2024-03-05",
		IsActive:       true,
	})
	current := &model.Task{UserID: user.ID, RecurringTaskID: &rule.ID, Title: rule.Name, Due: "2024-03-05"}
	if err := env.tasks.Create(ctx, current); err != nil {
		t.Fatalf("seed current: %v", err)
	}
	future := &model.Task{UserID: user.ID, RecurringTaskID: &rule.ID, Title: rule.Name, Due: "2024-03-08"}
	if err := env.tasks.Create(ctx, future); err != nil {
		t.Fatalf("seed future: %v", err)
	}

	if _, err := env.svc.CompleteTask(ctx, user, current.ID, mustTime(t, "2024-03-05T15:00:00Z")); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 2 {
		t.Fatalf("got %d instances, want 2", len(tasks))
	}
	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-03-08" {
		t.Fatalf("next run %s, want 2024-03-08", got.NextRunDate)
	}
}

// Completing an instance of a schedule-type rule produces nothing extra:
// its cadence belongs to the periodic generator.
func TestCompleteTaskScheduleRuleNoFollowUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	rule := env.createRule(t, &model.RecurringTask{
		UserID:         user.ID,
		Name:           "По расписанию",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 1,
		IntervalUnit:   "day",
		NextRunDate:    "2024-03-06",
		IsActive:       true,
	})
	instance := &model.Task{UserID: user.ID, RecurringTaskID: &rule.ID, Title: rule.Name, Due: "2024-03-05"}
	if err := env.tasks.Create(ctx, instance); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	if _, err := env.svc.CompleteTask(ctx, user, instance.ID, mustTime(t, "2024-03-05T15:00:00Z")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 1 {
		t.Fatalf("got %d instances, want 1", len(tasks))
	}

	got := env.reloadRule(t, rule.ID)
	if got.NextRunDate != "2024-03-06" {
		t.Fatalf("next run %s, want untouched 2024-03-06", got.NextRunDate)
	}
}

// CreateRule stores the rule with its initial instance due today and a
// cursor one interval ahead, so the next periodic tick does not duplicate
// the initial instance.
func TestCreateRuleInitialInstance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	now := mustTime(t, "2024-01-12T09:00:00Z")
	rule, initial, err := env.svc.CreateRule(ctx, user, RuleInput{
		Name:           "Выучить стихотворение",
		Category:       "Учёба",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 2,
		IntervalUnit:   "week",
	}, now)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if initial.Due != "2024-01-12" {
		t.Fatalf("initial due %s, want 2024-01-12", initial.Due)
	}
	if rule.NextRunDate != "2024-01-26" {
		t.Fatalf("next run %s, want 2024-01-26", rule.NextRunDate)
	}
	if rule.CategoryID == nil {
		t.Fatal("category not attached")
	}

	// The same-day tick is a no-op.
	if err := env.gen.GenerateScheduledInstances(ctx, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if tasks := env.tasksOf(t, rule.ID); len(tasks) != 1 {
		t.Fatalf("got %d instances, want 1", len(tasks))
	}
}

func TestCreateRuleRejectsBadInterval(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "")
	_, _, err := env.svc.CreateRule(ctx, user, RuleInput{
		Name:           "Сломанное правило",
		RecurrenceType: model.RecurrenceSchedule,
		IntervalAmount: 0,
		IntervalUnit:   "day",
	}, mustTime(t, "2024-01-12T09:00:00Z"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}
