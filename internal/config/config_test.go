package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "bulk_jobs", cfg.Mongo.JobsCollection)
	assert.Equal(t, "bulk_test_prompts", cfg.Mongo.PromptsCollection)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 600, cfg.Scheduler.PollMaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.DiscoveryInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.WakeDebounce)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.MismatchBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.StaleAfter)
	assert.Equal(t, "local", cfg.Storage.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_POLL_INTERVAL", "5s")
	t.Setenv("SCHEDULER_DEFAULT_INSTANCE", "gpu-a")
	t.Setenv("COMFY_BASE_URL", "http://comfy:8080/v1/")
	t.Setenv("BULK_MAX_PROMPTS", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "gpu-a", cfg.Scheduler.DefaultInstance)
	assert.Equal(t, "http://comfy:8080/v1", cfg.Comfy.BaseURL)
	assert.Equal(t, 42, cfg.Bulk.MaxPrompts)
}

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("COMFY_API_KEY", "")
	t.Setenv("COMFY_API_KEY_FILE", path)
	readSecret("COMFY_API_KEY")
	assert.Equal(t, "s3cret", os.Getenv("COMFY_API_KEY"))

	t.Setenv("COMFY_API_KEY", "direct")
	readSecret("COMFY_API_KEY")
	assert.Equal(t, "direct", os.Getenv("COMFY_API_KEY"), "direct value wins over the file")
}
