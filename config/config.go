package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zealot/model"
	"zealot/utils"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var defaults = map[string]interface{}{
	"DATABASE_PATH":           "data/zealot.db",
	"DEFAULT_PREFIX":          model.DefaultCommandPrefix,
	"SCHEDULER_POLL_INTERVAL": "10s",
	"SCHEDULER_CLAIM_LEASE":   "5m",
	"RECORD_AUTO_REVERSALS":   true,
	"EVIDENCE_MAX_BYTES":      512000,
	"EVIDENCE_JPEG_QUALITY":   80,
	"EVIDENCE_FETCH_TIMEOUT":  "15s",
	"SETTINGS_CACHE_TTL":      "10m",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "text",
}

// Load reads .env (if present), an optional config.yml and the environment.
// Environment variables win over the file.
func Load() (*model.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info(".env file not found, relying on environment variables")
	}

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("data")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds and validates a Config from v. Missing keys take defaults.
func FromViper(v *viper.Viper) (*model.Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &model.Config{
		BotToken:            strings.TrimSpace(v.GetString("BOT_TOKEN")),
		LogChannelID:        v.GetString("LOG_CHANNEL_ID"),
		DeveloperUserIDs:    splitList(v.GetString("DEVELOPER_USER_IDS")),
		DatabasePath:        v.GetString("DATABASE_PATH"),
		DefaultPrefix:       v.GetString("DEFAULT_PREFIX"),
		RecordAutoReversals: v.GetBool("RECORD_AUTO_REVERSALS"),
		AutoReversalActorID: v.GetString("AUTO_REVERSAL_ACTOR_ID"),
		Evidence: model.EvidenceConfig{
			MaxBytes:    v.GetInt64("EVIDENCE_MAX_BYTES"),
			JPEGQuality: v.GetInt("EVIDENCE_JPEG_QUALITY"),
		},
		RedisURL:    v.GetString("REDIS_URL"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		StartedAt:   time.Now(),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCHEDULER_POLL_INTERVAL", &cfg.SchedulerPollInterval},
		{"SCHEDULER_CLAIM_LEASE", &cfg.SchedulerClaimLease},
		{"EVIDENCE_FETCH_TIMEOUT", &cfg.Evidence.FetchTimeout},
		{"SETTINGS_CACHE_TTL", &cfg.SettingsCacheTTL},
	}
	for _, d := range durations {
		parsed, err := utils.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if cfg.LogChannelID == "" {
		slog.Warn("LOG_CHANNEL_ID not set, operator channel logging is disabled")
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that the services cannot run without.
func Validate(cfg *model.Config) error {
	switch {
	case cfg.BotToken == "":
		return errors.New("BOT_TOKEN environment variable not set")
	case cfg.SchedulerPollInterval <= 0:
		return errors.New("SCHEDULER_POLL_INTERVAL must be positive")
	case cfg.SchedulerClaimLease <= 0:
		return errors.New("SCHEDULER_CLAIM_LEASE must be positive")
	case cfg.Evidence.MaxBytes <= 0:
		return errors.New("EVIDENCE_MAX_BYTES must be positive")
	case cfg.Evidence.JPEGQuality < 1 || cfg.Evidence.JPEGQuality > 100:
		return errors.New("EVIDENCE_JPEG_QUALITY must be between 1 and 100")
	case cfg.SettingsCacheTTL < 0:
		return errors.New("SETTINGS_CACHE_TTL must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
