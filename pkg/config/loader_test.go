package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, engineConfigFile), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.WorkerCount)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Executor.StepTimeout)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.False(t, cfg.Slack.Enabled)
	assert.Equal(t, 180, cfg.Retention.EventRetentionDays)
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
queue:
  worker_count: 12
  lease_duration: 2m
retry:
  max_attempts: 3
redis:
  addr: localhost:6379
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Queue.WorkerCount)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 1*time.Second, cfg.Queue.PollInterval, "unset fields keep defaults")
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.internal:6379")
	dir := writeConfig(t, `
redis:
  addr: ${TEST_REDIS_ADDR}
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "queue: [not a map")
	_, err := Initialize(dir)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeRejectsLeaseShorterThanStepTimeout(t *testing.T) {
	dir := writeConfig(t, `
queue:
  lease_duration: 5s
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrValidationFailed)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "lease_duration", vErr.Field)
}

func TestInitializeRejectsSlackWithoutChannel(t *testing.T) {
	dir := writeConfig(t, `
slack:
  enabled: true
`)
	_, err := Initialize(dir)
	require.Error(t, err)
}

func TestInitializeRejectsNegativeWorkers(t *testing.T) {
	dir := writeConfig(t, `
queue:
  worker_count: -1
`)
	_, err := Initialize(dir)
	require.Error(t, err)
}

func TestSecretResolution(t *testing.T) {
	t.Setenv("TRACKING_SECRET", "hmac-secret")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")

	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hmac-secret", cfg.TrackingSecret())
	assert.Equal(t, "xoxb-test", cfg.SlackToken())
	assert.Empty(t, cfg.RedisPassword(), "no password env configured")
}
