package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the bot.
type Config struct {
	TelegramToken    string
	DatabaseURL      string
	DefaultTimezone  string // IANA fallback for users who never set one
	GenerateInterval time.Duration
	ReportTime       string // HH:MM, server-local time of the daily summary
	LogLevel         string
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		TelegramToken:    strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DefaultTimezone:  strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE")),
		GenerateInterval: parseHours(strings.TrimSpace(os.Getenv("GENERATE_INTERVAL_HOURS"))),
		ReportTime:       strings.TrimSpace(os.Getenv("REPORT_TIME")),
		LogLevel:         strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "recur_planner.db"
	}

	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return cfg, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}

	if cfg.GenerateInterval == 0 {
		cfg.GenerateInterval = time.Hour
	}

	if cfg.ReportTime == "" {
		cfg.ReportTime = "08:00"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

// Location resolves the configured fallback timezone. Load has already
// validated it, so failures here mean the tzdata went missing at runtime.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.DefaultTimezone)
}

func parseHours(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	hours, err := time.ParseDuration(raw + "h")
	if err != nil || hours <= 0 {
		return 0
	}
	return hours
}
