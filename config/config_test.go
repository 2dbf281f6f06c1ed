package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/scheduler"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "automation.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, workflow.DefaultMaxStepsPerRun, cfg.Engine.MaxStepsPerRun)
	assert.Equal(t, workflow.DefaultRetryPolicy(), cfg.RetryPolicy())
	assert.Equal(t, scheduler.DefaultBackoff, cfg.Scheduler.Backoff)
	assert.Equal(t, 5, cfg.SchedulerConfig().MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Webhooks.MaxTimeout)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "automation.yaml", `
storage:
  driver: redis
  redis:
    addr: redis.internal:6379
    key_prefix: crm
engine:
  strict_tokens: true
  retry:
    max_attempts: 5
    initial_interval: 2s
scheduler:
  workers: 2
  backoff: [30s, 2m]
log:
  format: json
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.RedisOptions().Addr)
	assert.Equal(t, "crm", cfg.RedisOptions().KeyPrefix)
	assert.Equal(t, 10, cfg.RedisOptions().PoolSize)
	assert.True(t, cfg.Engine.StrictTokens)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryPolicy().InitialInterval)
	assert.Equal(t, 2, cfg.SchedulerConfig().Workers)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, cfg.SchedulerConfig().Backoff)
	assert.Equal(t, "json", cfg.LoggerConfig().Format)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("AUTOMATION_STORAGE_DRIVER", "memory")
	t.Setenv("AUTOMATION_HTTP_ADDR", ":9090")
	t.Setenv("AUTOMATION_SCHEDULER_POLL_INTERVAL", "250ms")
	envFile := writeFile(t, ".env", "AUTOMATION_MESSAGING_ENDPOINT=https://sms.example.com/send\n")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("AUTOMATION_MESSAGING_ENDPOINT") })

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.SchedulerConfig().PollInterval)
	assert.Equal(t, "https://sms.example.com/send", cfg.Messaging.Endpoint)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "storage:\n  driver: postgres\nlog:\n  format: xml\n")
	_, err = Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage driver "postgres"`)
	assert.Contains(t, err.Error(), `unknown log format "xml"`)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	cfg.Storage.SQLite.Path = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.sqlite.path")

	cfg.Storage.Driver = DriverRedis
	cfg.Storage.Redis.Addr = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.redis.addr")

	cfg.Storage.Driver = DriverMemory
	cfg.Scheduler.Backoff = []time.Duration{time.Minute, 0}
	assert.ErrorContains(t, cfg.Validate(), "scheduler.backoff")
}
