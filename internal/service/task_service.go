package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"recur-planner/internal/model"
	"recur-planner/internal/recurrence"
	"recur-planner/internal/repository"
)

// TaskInput represents data required to create a one-off task.
type TaskInput struct {
	Title string
	Notes string
	Due   string // YYYY-MM-DD, optional
}

// RuleInput represents data required to create a recurrence rule.
type RuleInput struct {
	Name           string
	Notes          string
	Category       string
	RecurrenceType string
	IntervalAmount int
	IntervalUnit   string
	TimeOfDay      string
	DaysOfWeek     string
	DayOfMonth     int
}

// TaskService wraps task and rule business logic.
type TaskService struct {
	db           *gorm.DB
	taskRepo     *repository.TaskRepository
	ruleRepo     *repository.RecurringTaskRepository
	categoryRepo *repository.CategoryRepository
	generator    *GeneratorService
	fallback     *time.Location
}

func NewTaskService(db *gorm.DB, taskRepo *repository.TaskRepository, ruleRepo *repository.RecurringTaskRepository, categoryRepo *repository.CategoryRepository, generator *GeneratorService, fallback *time.Location) *TaskService {
	return &TaskService{
		db:           db,
		taskRepo:     taskRepo,
		ruleRepo:     ruleRepo,
		categoryRepo: categoryRepo,
		generator:    generator,
		fallback:     fallback,
	}
}

// CreateTask stores a one-off task.
func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*model.Task, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if input.Due != "" {
		if _, err := recurrence.ParseDate(input.Due); err != nil {
			return nil, err
		}
	}

	task := model.Task{
		UserID: user.ID,
		Title:  input.Title,
		Notes:  input.Notes,
		Due:    input.Due,
	}
	if err := s.taskRepo.Create(ctx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateRule stores a recurrence rule together with its initial instance,
// due today in the owner's timezone. The cursor starts one interval past
// today so the periodic generator does not immediately duplicate the
// initial instance.
func (s *TaskService) CreateRule(ctx context.Context, user *model.User, input RuleInput, now time.Time) (*model.RecurringTask, *model.Task, error) {
	if input.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if input.RecurrenceType != model.RecurrenceSchedule && input.RecurrenceType != model.RecurrenceCompletion {
		return nil, nil, fmt.Errorf("unsupported recurrence type %q", input.RecurrenceType)
	}

	sched := recurrence.Schedule{
		Amount:     input.IntervalAmount,
		Unit:       input.IntervalUnit,
		TimeOfDay:  input.TimeOfDay,
		DaysOfWeek: input.DaysOfWeek,
		DayOfMonth: input.DayOfMonth,
	}
	if err := sched.Validate(); err != nil {
		return nil, nil, err
	}

	loc, err := locationFor(user, s.fallback)
	if err != nil {
		return nil, nil, err
	}
	today := recurrence.LocalToday(now, loc)
	next, err := recurrence.NextRunDate(sched, today)
	if err != nil {
		return nil, nil, err
	}

	var categoryID *uint
	if input.Category != "" {
		category, err := s.categoryRepo.GetOrCreate(ctx, user.ID, input.Category)
		if err != nil {
			return nil, nil, err
		}
		if category != nil {
			categoryID = &category.ID
		}
	}

	rule := model.RecurringTask{
		UserID:         user.ID,
		CategoryID:     categoryID,
		Name:           input.Name,
		Notes:          input.Notes,
		RecurrenceType: input.RecurrenceType,
		IntervalAmount: input.IntervalAmount,
		IntervalUnit:   input.IntervalUnit,
		TimeOfDay:      input.TimeOfDay,
		DaysOfWeek:     input.DaysOfWeek,
		DayOfMonth:     input.DayOfMonth,
		NextRunDate:    next,
		IsActive:       true,
	}

	var initial *model.Task
	err = s.db.Transaction(func(tx *gorm.DB) error {
		rules := repository.NewRecurringTaskRepository(tx)
		tasks := repository.NewTaskRepository(tx)
		if err := rules.Create(ctx, &rule); err != nil {
			return err
		}
		initial = &model.Task{
			UserID:          user.ID,
			RecurringTaskID: &rule.ID,
			Title:           rule.Name,
			Notes:           rule.Notes,
			Due:             today,
		}
		return tasks.Create(ctx, initial)
	})
	if err != nil {
		return nil, nil, err
	}
	return &rule, initial, nil
}

// CompleteTask marks a task as done. For an instance of a completion-type
// rule the follow-up instance is generated in the same transaction: if
// generation fails, the completion rolls back with it and the caller sees
// the error, since no other mechanism will ever produce the next instance.
func (s *TaskService) CompleteTask(ctx context.Context, user *model.User, taskID uint, now time.Time) (*model.Task, error) {
	var completed *model.Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		tasks := repository.NewTaskRepository(tx)
		task, err := tasks.FindByID(ctx, user.ID, taskID)
		if err != nil {
			return err
		}
		if task.IsCompleted {
			completed = task
			return nil
		}
		if err := tasks.MarkCompleted(ctx, task, now); err != nil {
			return err
		}
		completed = task
		return s.generator.GenerateNextOnCompletion(ctx, tx, task, now)
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *TaskService) ListOpen(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.taskRepo.ListOpenByUser(ctx, user.ID)
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.taskRepo.FindByID(ctx, user.ID, taskID)
}

// DeleteTask removes a task instance completely.
func (s *TaskService) DeleteTask(ctx context.Context, user *model.User, taskID uint) error {
	return s.taskRepo.Delete(ctx, user.ID, taskID)
}

func (s *TaskService) ListRules(ctx context.Context, user *model.User) ([]model.RecurringTask, error) {
	return s.ruleRepo.ListByUser(ctx, user.ID)
}

// SetRuleActive pauses or resumes generation for a rule.
func (s *TaskService) SetRuleActive(ctx context.Context, user *model.User, ruleID uint, active bool) error {
	return s.ruleRepo.SetActive(ctx, user.ID, ruleID, active)
}

// DeleteRule removes a rule; generated instances stay behind as history.
func (s *TaskService) DeleteRule(ctx context.Context, user *model.User, ruleID uint) error {
	return s.ruleRepo.Delete(ctx, user.ID, ruleID)
}
