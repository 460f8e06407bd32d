package config

import "time"

// DefaultQueueConfig returns the built-in queue defaults. LeaseDuration is
// deliberately 2x the default step timeout so a lost worker is reclaimed
// without racing a still-running one.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:         5,
		PollInterval:        1 * time.Second,
		PollIntervalJitter:  500 * time.Millisecond,
		LeaseDuration:       60 * time.Second,
		OrphanSweepInterval: 30 * time.Second,
	}
}

// DefaultRetryConfig returns the built-in retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    1 * time.Hour,
		JitterFrac:  0.2,
	}
}

// DefaultExecutorConfig returns the built-in executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		StepTimeout:       30 * time.Second,
		WebhookTimeout:    10 * time.Second,
		TrackingSecretEnv: "TRACKING_SECRET",
	}
}

// DefaultSweeperConfig returns the built-in sweeper defaults.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{Interval: 1 * time.Minute}
}

// DefaultSlackConfig returns the built-in Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventRetentionDays: 180,
		QueueRetentionDays: 30,
		SweepMarkTTL:       90 * 24 * time.Hour,
		CleanupInterval:    12 * time.Hour,
	}
}
