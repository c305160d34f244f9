package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recur-planner/internal/bot"
	"recur-planner/internal/config"
	"recur-planner/internal/logging"
	"recur-planner/internal/repository"
	"recur-planner/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	fallback, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("fallback timezone")
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("open db")
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	ruleRepo := repository.NewRecurringTaskRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	categorySvc := service.NewCategoryService(categoryRepo)
	generator := service.NewGeneratorService(userRepo, ruleRepo, taskRepo, fallback, logger)
	taskSvc := service.NewTaskService(db, taskRepo, ruleRepo, categoryRepo, generator, fallback)
	reminderSvc := service.NewReminderService(taskRepo, ruleRepo, categoryRepo, fallback)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, categorySvc, taskSvc, reminderSvc, logger)
	if err != nil {
		logger.WithError(err).Fatal("create bot")
	}

	scheduler := service.NewSchedulerService(time.Local, logger)

	// The generation tick is coarse on purpose: each rule is evaluated at
	// most once per local day in its owner's timezone, so an hourly trigger
	// covers every timezone without per-timezone scheduling.
	if _, err := scheduler.ScheduleInterval("generate", cfg.GenerateInterval, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := generator.GenerateScheduledInstances(jobCtx, time.Now()); err != nil {
			logger.WithError(err).Error("generate scheduled instances")
		}
	}); err != nil {
		logger.WithError(err).Fatal("schedule generation")
	}

	if _, err := scheduler.ScheduleDaily("reports", cfg.ReportTime, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := telegramBot.SendDailyReports(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("send daily reports")
		}
	}); err != nil {
		logger.WithError(err).Fatal("schedule reports")
	}

	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("recurring planner started")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("bot stopped with error")
	}
	logger.Info("shutdown complete")
}
