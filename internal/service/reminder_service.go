package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"recur-planner/internal/model"
	"recur-planner/internal/recurrence"
	"recur-planner/internal/repository"
)

// ReminderService builds human-readable summaries for daily notifications.
type ReminderService struct {
	taskRepo     *repository.TaskRepository
	ruleRepo     *repository.RecurringTaskRepository
	categoryRepo *repository.CategoryRepository
	fallback     *time.Location
}

func NewReminderService(taskRepo *repository.TaskRepository, ruleRepo *repository.RecurringTaskRepository, categoryRepo *repository.CategoryRepository, fallback *time.Location) *ReminderService {
	return &ReminderService{taskRepo: taskRepo, ruleRepo: ruleRepo, categoryRepo: categoryRepo, fallback: fallback}
}

// DailySummary lists what is due by the user's local today, what is still
// open, and the state of the user's recurrence rules. All dates shown are
// in the user's timezone.
func (s *ReminderService) DailySummary(ctx context.Context, user model.User, now time.Time) (string, error) {
	loc, err := locationFor(&user, s.fallback)
	if err != nil {
		return "", err
	}
	today := recurrence.LocalToday(now, loc)

	tasks, err := s.taskRepo.ListOpenByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	rules, err := s.ruleRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}

	categories, err := s.categoryRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	catNames := make(map[uint]string)
	for _, cat := range categories {
		catNames[cat.ID] = cat.Name
	}

	var dueNow, later []model.Task
	for _, task := range tasks {
		if task.Due != "" && task.Due <= today {
			dueNow = append(dueNow, task)
		} else {
			later = append(later, task)
		}
	}

	var builder strings.Builder
	builder.WriteString("📋 <b>Ежедневный отчёт</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s (%s)\n\n", today, loc.String()))

	builder.WriteString("🔥 <b>На сегодня</b>\n")
	if len(dueNow) == 0 {
		builder.WriteString("— на сегодня ничего не запланировано\n")
	} else {
		for _, task := range dueNow {
			builder.WriteString(formatInstance(task, today))
		}
	}

	builder.WriteString("\n📌 <b>Остальные открытые задачи</b>\n")
	if len(later) == 0 {
		builder.WriteString("— других открытых задач нет\n")
	} else {
		for _, task := range later {
			builder.WriteString(formatInstance(task, today))
		}
	}

	builder.WriteString("\n♻️ <b>Регулярные правила</b>\n")
	active := 0
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		active++
		builder.WriteString(formatRule(rule, catNames))
	}
	if active == 0 {
		builder.WriteString("— регулярных правил пока нет\n")
	}

	return strings.TrimSpace(builder.String()), nil
}

func formatInstance(task model.Task, today string) string {
	var sb strings.Builder

	icon := "🟢"
	switch {
	case task.Due != "" && task.Due < today:
		icon = "⚠️"
	case task.Due == today:
		icon = "⏳"
	}

	sb.WriteString(fmt.Sprintf("%s %s (№%d)", icon, html.EscapeString(strings.TrimSpace(task.Title)), task.ID))
	if task.Due != "" {
		if task.Due < today {
			sb.WriteString(fmt.Sprintf(" — срок %s, <b>просрочено</b>", task.Due))
		} else {
			sb.WriteString(fmt.Sprintf(" — срок %s", task.Due))
		}
	}
	if task.Notes != "" {
		sb.WriteString(fmt.Sprintf("\n   📝 %s", html.EscapeString(strings.TrimSpace(task.Notes))))
	}
	sb.WriteByte('\n')
	return sb.String()
}

func formatRule(rule model.RecurringTask, catNames map[uint]string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("♻️ %s", html.EscapeString(strings.TrimSpace(rule.Name))))
	if rule.CategoryID != nil {
		if name, ok := catNames[*rule.CategoryID]; ok {
			trimmed := strings.TrimSpace(name)
			if trimmed != "" {
				sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(trimmed)))
			}
		}
	}

	sb.WriteString(fmt.Sprintf(" — %s", describeInterval(rule)))
	if rule.RecurrenceType == model.RecurrenceCompletion {
		sb.WriteString(", после выполнения")
	}
	if rule.NextRunDate != "" {
		sb.WriteString(fmt.Sprintf("\n   📆 Следующая дата: %s", rule.NextRunDate))
	}
	sb.WriteByte('\n')
	return sb.String()
}

func describeInterval(rule model.RecurringTask) string {
	unit := map[string]string{
		recurrence.UnitDay:   "дн.",
		recurrence.UnitWeek:  "нед.",
		recurrence.UnitMonth: "мес.",
	}[rule.IntervalUnit]
	if unit == "" {
		unit = rule.IntervalUnit
	}
	return fmt.Sprintf("каждые %d %s", rule.IntervalAmount, unit)
}
