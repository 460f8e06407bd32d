package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	validatorpkg "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// engineConfigFile is the YAML file Initialize loads from the config
// directory. All sections are optional; unset values fall back to the
// built-in defaults.
const engineConfigFile = "engine.yaml"

// Initialize loads, merges, and validates the engine configuration.
//
// Steps performed:
//  1. Read engine.yaml from configDir (missing file means all-defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate the merged result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("configuration initialized",
		"workers", cfg.Queue.WorkerCount,
		"max_attempts", cfg.Retry.MaxAttempts,
		"redis", cfg.Redis.Addr != "",
		"slack", cfg.Slack.Enabled)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	var user Config
	if err := loadYAML(configDir, engineConfigFile, &user); err != nil {
		return nil, NewLoadError(engineConfigFile, err)
	}

	cfg := &Config{
		configDir: configDir,
		Queue:     DefaultQueueConfig(),
		Retry:     DefaultRetryConfig(),
		Executor:  DefaultExecutorConfig(),
		Sweeper:   DefaultSweeperConfig(),
		Redis:     &RedisConfig{},
		Slack:     DefaultSlackConfig(),
		Retention: DefaultRetentionConfig(),
	}

	// Merge user-provided sections into defaults; non-zero user values win.
	if err := mergeSection("queue", cfg.Queue, user.Queue); err != nil {
		return nil, err
	}
	if err := mergeSection("retry", cfg.Retry, user.Retry); err != nil {
		return nil, err
	}
	if err := mergeSection("executor", cfg.Executor, user.Executor); err != nil {
		return nil, err
	}
	if err := mergeSection("sweeper", cfg.Sweeper, user.Sweeper); err != nil {
		return nil, err
	}
	if err := mergeSection("redis", cfg.Redis, user.Redis); err != nil {
		return nil, err
	}
	if err := mergeSection("slack", cfg.Slack, user.Slack); err != nil {
		return nil, err
	}
	if err := mergeSection("retention", cfg.Retention, user.Retention); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeSection[T any](section string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, *src, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge %s config: %w", section, err)
	}
	return nil
}

func loadYAML(configDir, filename string, target any) error {
	path := filepath.Join(configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// engine.yaml is optional; defaults cover everything.
			return nil
		}
		return err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

var structValidator = validatorpkg.New()

// validate performs cross-field checks the struct tags cannot express.
func validate(cfg *Config) error {
	for section, v := range map[string]any{
		"queue": cfg.Queue,
		"retry": cfg.Retry,
	} {
		if err := structValidator.Struct(v); err != nil {
			return &ValidationError{Section: section, Err: err}
		}
	}

	if cfg.Queue.LeaseDuration < cfg.Executor.StepTimeout {
		return &ValidationError{
			Section: "queue",
			Field:   "lease_duration",
			Err:     fmt.Errorf("lease_duration (%s) must be at least executor step_timeout (%s); a live worker must never be raced by a lease reclaim", cfg.Queue.LeaseDuration, cfg.Executor.StepTimeout),
		}
	}
	if cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return &ValidationError{
			Section: "retry",
			Field:   "base_delay",
			Err:     fmt.Errorf("base_delay (%s) exceeds max_delay (%s)", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		}
	}
	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		return &ValidationError{
			Section: "slack",
			Field:   "channel",
			Err:     fmt.Errorf("required when slack is enabled"),
		}
	}
	return nil
}

// TrackingSecret resolves the tracking HMAC secret from the configured
// environment variable.
func (c *Config) TrackingSecret() string {
	return os.Getenv(c.Executor.TrackingSecretEnv)
}

// SlackToken resolves the Slack bot token from the configured environment
// variable.
func (c *Config) SlackToken() string {
	return os.Getenv(c.Slack.TokenEnv)
}

// RedisPassword resolves the Redis password from the configured environment
// variable, empty when unset.
func (c *Config) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}
