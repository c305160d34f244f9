package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"recur-planner/internal/model"
	"recur-planner/internal/recurrence"
	"recur-planner/internal/repository"
	"recur-planner/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageTaskTitle
	stageTaskNotes
	stageTaskDue
	stageRuleName
	stageRuleCategory
	stageRuleType
	stageRuleAmount
	stageRuleUnit
	stageTimezone
)

const (
	cbCompletePrefix   = "complete:"
	cbDeletePrefix     = "delete:"
	cbRulePausePrefix  = "rulepause:"
	cbRuleResumePrefix = "ruleresume:"
	cbRuleDeletePrefix = "ruledelete:"
)

const (
	btnSkip          = "⏭️ Пропустить"
	btnCancelDialog  = "⏪ Отменить ввод"
	btnTypeSchedule  = "📆 По расписанию"
	btnTypeAfterDone = "🔁 После выполнения"
	btnUnitDay       = "день"
	btnUnitWeek      = "неделя"
	btnUnitMonth     = "месяц"

	menuLabelNewTask  = "➕ Новая задача"
	menuLabelNewRule  = "♻️ Новое правило"
	menuLabelTasks    = "📋 Задачи"
	menuLabelRules    = "🔁 Правила"
	menuLabelReport   = "📊 Отчёт"
	menuLabelTimezone = "🌍 Часовой пояс"
)

type conversationState struct {
	stage     conversationStage
	taskInput service.TaskInput
	ruleInput service.RuleInput
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api           *tgbotapi.BotAPI
	userRepo      *repository.UserRepository
	categorySvc   *service.CategoryService
	taskSvc       *service.TaskService
	reminderSvc   *service.ReminderService
	log           *logrus.Logger
	conversations map[int64]*conversationState
	mu            sync.Mutex
}

func New(token string, userRepo *repository.UserRepository, categorySvc *service.CategoryService, taskSvc *service.TaskService, reminderSvc *service.ReminderService, log *logrus.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.WithField("account", api.Self.UserName).Info("bot authorized")

	return &Bot{
		api:           api,
		userRepo:      userRepo,
		categorySvc:   categorySvc,
		taskSvc:       taskSvc,
		reminderSvc:   reminderSvc,
		log:           log,
		conversations: make(map[int64]*conversationState),
	}, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.log.WithError(err).Error("handle callback")
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.log.WithError(err).Error("handle message")
			}
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && strings.TrimSpace(msg.Text) == btnCancelDialog {
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Ввод отменён. Начни заново через меню.")
	}

	if !msg.IsCommand() {
		if handled, err := b.handleMenuAlias(ctx, msg); handled {
			return err
		}
	}

	if msg.IsCommand() {
		b.log.WithFields(logrus.Fields{"from": msg.From.ID, "command": msg.Command()}).Debug("command")
		return b.handleCommand(ctx, msg)
	}

	if b.hasConversation(msg.From.ID) {
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "Я пока не понял сообщение. Воспользуйся меню или /help.")
}

func (b *Bot) handleMenuAlias(ctx context.Context, msg *tgbotapi.Message) (bool, error) {
	switch strings.TrimSpace(msg.Text) {
	case menuLabelNewTask:
		return true, b.startTaskConversation(ctx, msg)
	case menuLabelNewRule:
		return true, b.startRuleConversation(ctx, msg)
	case menuLabelTasks:
		return true, b.handleListTasks(ctx, msg)
	case menuLabelRules:
		return true, b.handleListRules(ctx, msg)
	case menuLabelReport:
		return true, b.handleReport(ctx, msg)
	case menuLabelTimezone:
		return true, b.startTimezoneConversation(ctx, msg)
	default:
		return false, nil
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "newtask":
		return b.startTaskConversation(ctx, msg)
	case "newrule":
		return b.startRuleConversation(ctx, msg)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "rules":
		return b.handleListRules(ctx, msg)
	case "complete":
		return b.handleComplete(ctx, msg)
	case "report":
		return b.handleReport(ctx, msg)
	case "timezone":
		return b.handleTimezone(ctx, msg)
	case "categories":
		return b.handleCategories(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Текущий ввод отменён.")
	default:
		return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я планировщик с повторяющимися задачами.</b>\n\nКоманды:\n"+
			"• /newtask — одноразовая задача\n"+
			"• /newrule — повторяющаяся задача\n"+
			"• /tasks — открытые задачи\n"+
			"• /rules — правила повторения\n"+
			"• /complete &lt;id&gt; — отметить выполненной\n"+
			"• /timezone — часовой пояс для дат\n"+
			"• /report — отчёт прямо сейчас\n"+
			"• /cancel — отменить текущий ввод",
		escape(name),
	)

	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /newtask — добавить одноразовую задачу\n" +
		"• /newrule — настроить повторение: по расписанию (например, каждые 2 недели) или через интервал после выполнения\n" +
		"• /tasks — открытые задачи, выполнение по кнопке\n" +
		"• /rules — приостановить или удалить правило\n" +
		"• /timezone Europe/Moscow — все даты считаются в твоём часовом поясе\n" +
		"• /report — ежедневный отчёт по запросу\n" +
		"• /cancel — отменить текущий ввод"
	return b.sendText(msg.Chat.ID, text)
}

// ---- conversations ----

func (b *Bot) startTaskConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	b.setConversation(msg.From.ID, &conversationState{stage: stageTaskTitle})
	return b.sendWithReplyMarkup(msg.Chat.ID, "🆕 Создаём задачу.\n<b>Шаг 1:</b> как её назвать?", cancelKeyboard())
}

func (b *Bot) startRuleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	b.setConversation(msg.From.ID, &conversationState{stage: stageRuleName})
	return b.sendWithReplyMarkup(msg.Chat.ID, "♻️ Настраиваем повторяющуюся задачу.\n<b>Шаг 1:</b> как её назвать?", cancelKeyboard())
}

func (b *Bot) startTimezoneConversation(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	b.setConversation(msg.From.ID, &conversationState{stage: stageTimezone})
	current := user.Timezone
	if current == "" {
		current = "не задан (используется значение по умолчанию)"
	}
	return b.sendWithReplyMarkup(msg.Chat.ID,
		fmt.Sprintf("🌍 Текущий часовой пояс: <b>%s</b>.\nОтправь название из базы IANA, например <code>Europe/Moscow</code>.", escape(current)),
		cancelKeyboard())
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getConversation(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case stageTaskTitle:
		state.taskInput.Title = text
		state.stage = stageTaskNotes
		return b.sendWithReplyMarkup(msg.Chat.ID, "✏️ Добавь заметку (или нажми «Пропустить»).", skipKeyboard())
	case stageTaskNotes:
		if text != btnSkip {
			state.taskInput.Notes = text
		}
		state.stage = stageTaskDue
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ Укажи срок в формате <code>2025-11-30</code> (или «Пропустить»).", skipKeyboard())
	case stageTaskDue:
		if text != btnSkip {
			if _, err := recurrence.ParseDate(text); err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Не могу распознать дату. Используй формат <code>2025-11-30</code> или «Пропустить».", skipKeyboard())
			}
			state.taskInput.Due = text
		}
		err := b.finishTaskCreation(ctx, msg.From, state.taskInput, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	case stageRuleName:
		state.ruleInput.Name = text
		state.stage = stageRuleCategory
		return b.sendWithReplyMarkup(msg.Chat.ID, "🏷 Укажи категорию (или «Пропустить»).", skipKeyboard())
	case stageRuleCategory:
		if text != btnSkip {
			state.ruleInput.Category = text
		}
		state.stage = stageRuleType
		return b.sendWithReplyMarkup(msg.Chat.ID,
			"🔁 Как повторять?\n«По расписанию» — по календарю, даже если прошлая не сделана.\n«После выполнения» — интервал отсчитывается от момента выполнения.",
			typeKeyboard())
	case stageRuleType:
		switch text {
		case btnTypeSchedule:
			state.ruleInput.RecurrenceType = model.RecurrenceSchedule
		case btnTypeAfterDone:
			state.ruleInput.RecurrenceType = model.RecurrenceCompletion
		default:
			return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери один из вариантов на клавиатуре.", typeKeyboard())
		}
		state.stage = stageRuleAmount
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔢 Через сколько единиц повторять? (число, например 2)", cancelKeyboard())
	case stageRuleAmount:
		amount, err := strconv.Atoi(text)
		if err != nil || amount < 1 || amount > 365 {
			return b.sendText(msg.Chat.ID, "Интервал должен быть числом от 1 до 365.")
		}
		state.ruleInput.IntervalAmount = amount
		state.stage = stageRuleUnit
		return b.sendWithReplyMarkup(msg.Chat.ID, "📏 В каких единицах?", unitKeyboard())
	case stageRuleUnit:
		switch text {
		case btnUnitDay:
			state.ruleInput.IntervalUnit = recurrence.UnitDay
		case btnUnitWeek:
			state.ruleInput.IntervalUnit = recurrence.UnitWeek
		case btnUnitMonth:
			state.ruleInput.IntervalUnit = recurrence.UnitMonth
		default:
			return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери единицу на клавиатуре.", unitKeyboard())
		}
		err := b.finishRuleCreation(ctx, msg.From, state.ruleInput, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	case stageTimezone:
		if _, err := time.LoadLocation(text); err != nil {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Такого пояса нет в базе IANA. Пример: <code>Asia/Yekaterinburg</code>.", cancelKeyboard())
		}
		user, err := b.ensureUser(ctx, msg.From)
		if err != nil {
			return err
		}
		if err := b.userRepo.SetTimezone(ctx, user, text); err != nil {
			return err
		}
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, fmt.Sprintf("🌍 Часовой пояс обновлён: <b>%s</b>.", escape(text)))
	default:
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Диалог сброшен. Попробуй ещё раз через меню.")
	}
}

func (b *Bot) finishTaskCreation(ctx context.Context, from *tgbotapi.User, input service.TaskInput, chatID int64) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	task, err := b.taskSvc.CreateTask(ctx, user, input)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось сохранить задачу: %s", escape(err.Error())))
	}

	b.log.WithFields(logrus.Fields{"task_id": task.ID, "user_id": user.ID}).Info("task created")

	var summary strings.Builder
	summary.WriteString("✅ <b>Задача сохранена</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>ID:</b> %d\n", task.ID))
	summary.WriteString(fmt.Sprintf("• <b>Название:</b> %s\n", escape(task.Title)))
	if task.Notes != "" {
		summary.WriteString(fmt.Sprintf("• <b>Заметка:</b> %s\n", escape(task.Notes)))
	}
	if task.Due != "" {
		summary.WriteString(fmt.Sprintf("• <b>Срок:</b> %s\n", task.Due))
	}
	return b.sendTextWithRemove(chatID, strings.TrimSpace(summary.String()))
}

func (b *Bot) finishRuleCreation(ctx context.Context, from *tgbotapi.User, input service.RuleInput, chatID int64) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	rule, initial, err := b.taskSvc.CreateRule(ctx, user, input, time.Now())
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось сохранить правило: %s", escape(err.Error())))
	}

	b.log.WithFields(logrus.Fields{"rule_id": rule.ID, "user_id": user.ID, "type": rule.RecurrenceType}).Info("rule created")

	var summary strings.Builder
	summary.WriteString("✅ <b>Правило сохранено</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>Название:</b> %s\n", escape(rule.Name)))
	summary.WriteString(fmt.Sprintf("• <b>Повтор:</b> %s\n", escape(describeRule(rule))))
	summary.WriteString(fmt.Sprintf("• <b>Первая задача:</b> №%d на %s\n", initial.ID, initial.Due))
	if rule.RecurrenceType == model.RecurrenceSchedule {
		summary.WriteString(fmt.Sprintf("• <b>Следующая дата:</b> %s\n", rule.NextRunDate))
	}
	return b.sendTextWithRemove(chatID, strings.TrimSpace(summary.String()))
}

// ---- lists and actions ----

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.sendTaskList(ctx, msg.Chat.ID, user)
}

func (b *Bot) sendTaskList(ctx context.Context, chatID int64, user *model.User) error {
	tasks, err := b.taskSvc.ListOpen(ctx, user)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось получить задачи: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(chatID, "🎉 Открытых задач нет.")
	}

	for _, task := range tasks {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("<b>№%d</b> %s", task.ID, escape(task.Title)))
		if task.Due != "" {
			sb.WriteString(fmt.Sprintf("\n⏰ срок: %s", task.Due))
		}
		if task.RecurringTaskID != nil {
			sb.WriteString("\n♻️ создана по правилу")
		}
		if task.Notes != "" {
			sb.WriteString(fmt.Sprintf("\n📝 %s", escape(task.Notes)))
		}

		row := tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Выполнить", fmt.Sprintf("%s%d", cbCompletePrefix, task.ID)),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", fmt.Sprintf("%s%d", cbDeletePrefix, task.ID)),
		)
		out := tgbotapi.NewMessage(chatID, sb.String())
		out.ParseMode = tgbotapi.ModeHTML
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
		if _, err := b.api.Send(out); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) handleListRules(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	rules, err := b.taskSvc.ListRules(ctx, user)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось получить правила: %s", escape(err.Error())))
	}
	if len(rules) == 0 {
		return b.sendText(msg.Chat.ID, "Правил пока нет. Создай первое через /newrule.")
	}

	for _, rule := range rules {
		var sb strings.Builder
		status := "▶️ активно"
		if !rule.IsActive {
			status = "⏸ на паузе"
		}
		sb.WriteString(fmt.Sprintf("<b>%s</b> — %s\n%s", escape(rule.Name), escape(describeRule(&rule)), status))
		if rule.IsActive && rule.RecurrenceType == model.RecurrenceSchedule && rule.NextRunDate != "" {
			sb.WriteString(fmt.Sprintf("\n📆 следующая дата: %s", rule.NextRunDate))
		}

		var toggle tgbotapi.InlineKeyboardButton
		if rule.IsActive {
			toggle = tgbotapi.NewInlineKeyboardButtonData("⏸ Пауза", fmt.Sprintf("%s%d", cbRulePausePrefix, rule.ID))
		} else {
			toggle = tgbotapi.NewInlineKeyboardButtonData("▶️ Возобновить", fmt.Sprintf("%s%d", cbRuleResumePrefix, rule.ID))
		}
		row := tgbotapi.NewInlineKeyboardRow(
			toggle,
			tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", fmt.Sprintf("%s%d", cbRuleDeletePrefix, rule.ID)),
		)
		out := tgbotapi.NewMessage(msg.Chat.ID, sb.String())
		out.ParseMode = tgbotapi.ModeHTML
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
		if _, err := b.api.Send(out); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) handleComplete(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		return b.sendText(msg.Chat.ID, "Укажи ID задачи: /complete 12")
	}
	taskID64, err := strconv.ParseUint(args, 10, 64)
	if err != nil {
		return b.sendText(msg.Chat.ID, "ID задачи должен быть числом.")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.completeAndNotify(ctx, msg.Chat.ID, user, uint(taskID64))
}

func (b *Bot) completeAndNotify(ctx context.Context, chatID int64, user *model.User, taskID uint) error {
	task, err := b.taskSvc.CompleteTask(ctx, user, taskID, time.Now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(chatID, "Задача не найдена.")
		}
		// Completion of a completion-type instance fails together with
		// follow-up generation; the user has to retry.
		return b.sendText(chatID, fmt.Sprintf("Не удалось выполнить задачу: %s", escape(err.Error())))
	}
	return b.sendText(chatID, fmt.Sprintf("✅ Задача «%s» выполнена.", escape(task.Title)))
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb.From == nil || cb.Message == nil {
		return nil
	}
	// Acknowledge the tap regardless of the outcome.
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.WithError(err).Debug("ack callback")
	}

	user, err := b.userRepo.FindByTelegramID(ctx, cb.From.ID)
	if err != nil {
		return b.sendText(cb.Message.Chat.ID, "Сначала набери /start.")
	}
	chatID := cb.Message.Chat.ID

	data := cb.Data
	switch {
	case strings.HasPrefix(data, cbCompletePrefix):
		id, err := parseCallbackID(data, cbCompletePrefix)
		if err != nil {
			return err
		}
		return b.completeAndNotify(ctx, chatID, user, id)
	case strings.HasPrefix(data, cbDeletePrefix):
		id, err := parseCallbackID(data, cbDeletePrefix)
		if err != nil {
			return err
		}
		if err := b.taskSvc.DeleteTask(ctx, user, id); err != nil {
			return b.sendText(chatID, fmt.Sprintf("Не удалось удалить: %s", escape(err.Error())))
		}
		return b.sendText(chatID, "🗑 Задача удалена.")
	case strings.HasPrefix(data, cbRulePausePrefix):
		id, err := parseCallbackID(data, cbRulePausePrefix)
		if err != nil {
			return err
		}
		if err := b.taskSvc.SetRuleActive(ctx, user, id, false); err != nil {
			return b.sendText(chatID, fmt.Sprintf("Не удалось поставить на паузу: %s", escape(err.Error())))
		}
		return b.sendText(chatID, "⏸ Правило на паузе: новые задачи не создаются.")
	case strings.HasPrefix(data, cbRuleResumePrefix):
		id, err := parseCallbackID(data, cbRuleResumePrefix)
		if err != nil {
			return err
		}
		if err := b.taskSvc.SetRuleActive(ctx, user, id, true); err != nil {
			return b.sendText(chatID, fmt.Sprintf("Не удалось возобновить: %s", escape(err.Error())))
		}
		return b.sendText(chatID, "▶️ Правило снова активно.")
	case strings.HasPrefix(data, cbRuleDeletePrefix):
		id, err := parseCallbackID(data, cbRuleDeletePrefix)
		if err != nil {
			return err
		}
		if err := b.taskSvc.DeleteRule(ctx, user, id); err != nil {
			return b.sendText(chatID, fmt.Sprintf("Не удалось удалить правило: %s", escape(err.Error())))
		}
		return b.sendText(chatID, "🗑 Правило удалено. Уже созданные задачи остались.")
	default:
		return nil
	}
}

func (b *Bot) handleReport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	text, err := b.reminderSvc.DailySummary(ctx, *user, time.Now())
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось сформировать отчёт: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		return b.startTimezoneConversation(ctx, msg)
	}
	if _, err := time.LoadLocation(args); err != nil {
		return b.sendText(msg.Chat.ID, "Такого пояса нет в базе IANA. Пример: /timezone Europe/Moscow")
	}
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := b.userRepo.SetTimezone(ctx, user, args); err != nil {
		return err
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🌍 Часовой пояс обновлён: <b>%s</b>.", escape(args)))
}

func (b *Bot) handleCategories(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	categories, err := b.categorySvc.List(ctx, user)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось получить категории: %s", escape(err.Error())))
	}
	if len(categories) == 0 {
		return b.sendText(msg.Chat.ID, "Категории пока пусты. Добавь их при создании правила.")
	}
	var builder strings.Builder
	builder.WriteString("📂 <b>Категории</b>\n")
	for _, cat := range categories {
		builder.WriteString(fmt.Sprintf("• %s\n", escape(strings.TrimSpace(cat.Name))))
	}
	return b.sendText(msg.Chat.ID, strings.TrimSpace(builder.String()))
}

// SendDailyReports sends a summary to every known user.
func (b *Bot) SendDailyReports(ctx context.Context) error {
	users, err := b.userRepo.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, user := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		text, err := b.reminderSvc.DailySummary(ctx, user, now)
		if err != nil {
			b.log.WithField("telegram_id", user.TelegramID).WithError(err).Warn("build summary")
			continue
		}
		if err := b.sendText(user.TelegramID, text); err != nil {
			b.log.WithField("telegram_id", user.TelegramID).WithError(err).Warn("send summary")
		}
	}
	return nil
}

// ---- helpers ----

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.userRepo.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTextWithRemove(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setConversation(userID int64, state *conversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = state
}

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations[userID]
}

func (b *Bot) hasConversation(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conversations[userID]
	return ok
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}

func parseCallbackID(data, prefix string) (uint, error) {
	id64, err := strconv.ParseUint(strings.TrimPrefix(data, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse callback %q: %w", data, err)
	}
	return uint(id64), nil
}

func describeRule(rule *model.RecurringTask) string {
	unit := map[string]string{
		recurrence.UnitDay:   "дн.",
		recurrence.UnitWeek:  "нед.",
		recurrence.UnitMonth: "мес.",
	}[rule.IntervalUnit]
	if unit == "" {
		unit = rule.IntervalUnit
	}
	base := fmt.Sprintf("каждые %d %s", rule.IntervalAmount, unit)
	if rule.RecurrenceType == model.RecurrenceCompletion {
		return base + " после выполнения"
	}
	return base + " по расписанию"
}

func escape(s string) string {
	return html.EscapeString(s)
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelNewTask),
			tgbotapi.NewKeyboardButton(menuLabelNewRule),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelTasks),
			tgbotapi.NewKeyboardButton(menuLabelRules),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelReport),
			tgbotapi.NewKeyboardButton(menuLabelTimezone),
		),
	)
	keyboard.ResizeKeyboard = true
	return keyboard
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancelDialog)),
	)
	keyboard.ResizeKeyboard = true
	return keyboard
}

func skipKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSkip)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancelDialog)),
	)
	keyboard.ResizeKeyboard = true
	return keyboard
}

func typeKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnTypeSchedule)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnTypeAfterDone)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancelDialog)),
	)
	keyboard.ResizeKeyboard = true
	return keyboard
}

func unitKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnUnitDay),
			tgbotapi.NewKeyboardButton(btnUnitWeek),
			tgbotapi.NewKeyboardButton(btnUnitMonth),
		),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancelDialog)),
	)
	keyboard.ResizeKeyboard = true
	return keyboard
}
