// Package config loads and validates the engine's operations configuration
// from engine.yaml: queue tuning, retry policy, executor timeouts and
// tracking settings, Redis, Slack, sweeper cadence, and retention. Workflow
// definitions themselves are tenant-authored database rows, not files —
// this package covers only how the engine runs, never what it runs.
package config

import "time"

// Config is the fully resolved engine configuration.
type Config struct {
	configDir string

	Queue     *QueueConfig     `yaml:"queue"`
	Retry     *RetryConfig     `yaml:"retry"`
	Executor  *ExecutorConfig  `yaml:"executor"`
	Sweeper   *SweeperConfig   `yaml:"sweeper"`
	Redis     *RedisConfig     `yaml:"redis"`
	Slack     *SlackConfig     `yaml:"slack"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// QueueConfig contains worker pool and lease tuning.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count" validate:"min=1"`

	// PollInterval is the base interval for checking due queue items.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter applied to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// LeaseDuration is how long a leased item stays claimed before the
	// orphan sweep may reclaim it. Must exceed the executor's step timeout
	// with headroom so a slow-but-alive worker is never raced by a reclaim.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// OrphanSweepInterval is how often expired leases are swept back to
	// pending.
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
}

// RetryConfig governs transient-failure backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterFrac  float64       `yaml:"jitter_frac" validate:"gte=0,lte=1"`
}

// ExecutorConfig contains step execution timeouts and tracking settings.
type ExecutorConfig struct {
	// StepTimeout bounds one step's wall-clock execution including
	// outbound calls.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// WebhookTimeout bounds one webhook step's HTTP call.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// TrackingBaseURL is the public base URL open/click tracking links
	// point at.
	TrackingBaseURL string `yaml:"tracking_base_url"`

	// TrackingSecretEnv names the environment variable holding the HMAC
	// secret for tracking tokens.
	TrackingSecretEnv string `yaml:"tracking_secret_env"`

	// ContactAPIBaseURL and EmailAPIBaseURL locate the external contact
	// store and email transport the engine calls through.
	ContactAPIBaseURL string `yaml:"contact_api_base_url"`
	EmailAPIBaseURL   string `yaml:"email_api_base_url"`
}

// SweeperConfig tunes the date-based / inactivity trigger sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RedisConfig locates the Redis used for throttle counters and the sweep
// lock. An empty Addr disables both (single-node mode).
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// SlackConfig holds notification-step Slack settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventRetentionDays is how many days to keep event log rows.
	EventRetentionDays int `yaml:"event_retention_days"`

	// QueueRetentionDays is how many days to keep terminal queue items
	// (completed, failed, dead_letter, cancelled).
	QueueRetentionDays int `yaml:"queue_retention_days"`

	// SweepMarkTTL is the maximum age of sweep idempotency marks before
	// deletion; must comfortably exceed the longest sweep anchor window.
	SweepMarkTTL time.Duration `yaml:"sweep_mark_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}
