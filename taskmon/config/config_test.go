package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(viper.New(), dir, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "tasks.json"), cfg.RegistryFile)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogsDir)
	assert.Equal(t, filepath.Join(dir, "journal.jsonl"), cfg.JournalFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
	assert.Equal(t, int64(10<<20), cfg.MaxLogSize)
	assert.Equal(t, 5, cfg.MaxRestarts)
	assert.Equal(t, []time.Duration{time.Second}, cfg.Backoff())
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	const yaml = `
logs_dir: /var/log/taskmon
grace_period: 5s
max_restarts: 3
restart_backoff: [1s, 10s, 1m]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load(viper.New(), dir, "")
	require.NoError(t, err)

	assert.Equal(t, "/var/log/taskmon", cfg.LogsDir)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod)
	assert.Equal(t, 3, cfg.MaxRestarts)
	assert.Equal(t, []time.Duration{time.Second, 10 * time.Second, time.Minute}, cfg.Backoff())
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("TASKMON_LOGS_DIR", "/tmp/taskmon-logs")
	t.Setenv("TASKMON_KILL_TIMEOUT", "7s")

	cfg, err := Load(viper.New(), t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/taskmon-logs", cfg.LogsDir)
	assert.Equal(t, 7*time.Second, cfg.KillTimeout)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(viper.New(), dir, filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("grace_period: 0s\n"), 0644))

		_, err := Load(viper.New(), dir, path)
		assert.Error(t, err)
	})
}
