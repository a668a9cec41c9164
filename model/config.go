package model

import "time"

// Config stores the process configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	BotToken         string
	LogChannelID     string
	DeveloperUserIDs []string
	DatabasePath     string
	DefaultPrefix    string

	SchedulerPollInterval time.Duration
	SchedulerClaimLease   time.Duration
	RecordAutoReversals   bool
	AutoReversalActorID   string

	Evidence EvidenceConfig

	RedisURL         string
	SettingsCacheTTL time.Duration
	MetricsAddr      string

	LogLevel  string
	LogFormat string

	// StartedAt is the process start time used for uptime reporting.
	StartedAt time.Time
}

// EvidenceConfig configures attachment validation and transcoding.
type EvidenceConfig struct {
	MaxBytes     int64
	JPEGQuality  int
	FetchTimeout time.Duration
}
