package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"recur-planner/internal/model"
)

// RecurringTaskRepository handles CRUD for recurrence rules.
type RecurringTaskRepository struct {
	db *gorm.DB
}

func NewRecurringTaskRepository(db *gorm.DB) *RecurringTaskRepository {
	return &RecurringTaskRepository{db: db}
}

func (r *RecurringTaskRepository) Create(ctx context.Context, rule *model.RecurringTask) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// ListActiveScheduled returns every active schedule-type rule across all
// users — the periodic generator's scan set. Completion-type rules are
// never scanned; their follow-ups are produced at completion time.
func (r *RecurringTaskRepository) ListActiveScheduled(ctx context.Context) ([]model.RecurringTask, error) {
	var rules []model.RecurringTask
	if err := r.db.WithContext(ctx).
		Where("is_active = ? AND recurrence_type = ?", true, model.RecurrenceSchedule).
		Order("id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *RecurringTaskRepository) ListByUser(ctx context.Context, userID uint) ([]model.RecurringTask, error) {
	var rules []model.RecurringTask
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *RecurringTaskRepository) FindByID(ctx context.Context, userID, ruleID uint) (*model.RecurringTask, error) {
	var rule model.RecurringTask
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, ruleID).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// Advance moves the scheduling cursor forward after a successful generation
// decision and stamps the local date it was made on.
func (r *RecurringTaskRepository) Advance(ctx context.Context, rule *model.RecurringTask, nextRunDate, generatedOn string) error {
	rule.NextRunDate = nextRunDate
	rule.LastGeneratedDate = generatedOn
	updates := map[string]interface{}{
		"next_run_date":       nextRunDate,
		"last_generated_date": generatedOn,
	}
	if err := r.db.WithContext(ctx).Model(rule).Updates(updates).Error; err != nil {
		return fmt.Errorf("advance rule: %w", err)
	}
	return nil
}

// MarkEvaluated stamps the rule without moving the cursor, so the periodic
// generator evaluates each rule at most once per local day no matter how
// often the trigger fires.
func (r *RecurringTaskRepository) MarkEvaluated(ctx context.Context, rule *model.RecurringTask, generatedOn string) error {
	rule.LastGeneratedDate = generatedOn
	if err := r.db.WithContext(ctx).Model(rule).Update("last_generated_date", generatedOn).Error; err != nil {
		return fmt.Errorf("mark rule evaluated: %w", err)
	}
	return nil
}

// SetNextRunDate rewrites the cursor alone; the completion path uses it
// because completion-driven cadence restarts from the completion day.
func (r *RecurringTaskRepository) SetNextRunDate(ctx context.Context, rule *model.RecurringTask, nextRunDate string) error {
	rule.NextRunDate = nextRunDate
	if err := r.db.WithContext(ctx).Model(rule).Update("next_run_date", nextRunDate).Error; err != nil {
		return fmt.Errorf("set next run date: %w", err)
	}
	return nil
}

// SetActive toggles generation for a rule without touching its history. A
// reactivated rule gets a cleared evaluation stamp so it is re-examined on
// the next tick rather than tomorrow.
func (r *RecurringTaskRepository) SetActive(ctx context.Context, userID, ruleID uint, active bool) error {
	updates := map[string]interface{}{"is_active": active}
	if active {
		updates["last_generated_date"] = ""
	}
	res := r.db.WithContext(ctx).Model(&model.RecurringTask{}).
		Where("user_id = ? AND id = ?", userID, ruleID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("set rule active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Delete removes a rule. Generated task instances stay behind as history.
func (r *RecurringTaskRepository) Delete(ctx context.Context, userID, ruleID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, ruleID).
		Delete(&model.RecurringTask{}).Error; err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}
