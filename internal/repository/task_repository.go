package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"recur-planner/internal/model"
)

// TaskRepository handles CRUD for task instances.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// ExistsForDate is the idempotency guard lookup: whether an instance of the
// given rule already exists for the given due date.
func (r *TaskRepository) ExistsForDate(ctx context.Context, recurringTaskID uint, due string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("recurring_task_id = ? AND due = ?", recurringTaskID, due).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListOpenByUser returns uncompleted instances, earliest due first.
func (r *TaskRepository) ListOpenByUser(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_completed = ?", userID, false).
		Order("due ASC, created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListDueOnOrBefore returns open instances whose due date has arrived by the
// given local date. Undated tasks are excluded.
func (r *TaskRepository) ListDueOnOrBefore(ctx context.Context, userID uint, date string) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_completed = ? AND due <> ? AND due <= ?", userID, false, "", date).
		Order("due ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) MarkCompleted(ctx context.Context, task *model.Task, completedAt time.Time) error {
	task.IsCompleted = true
	task.CompletedAt = &completedAt
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, userID, taskID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).
		Delete(&model.Task{}).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
