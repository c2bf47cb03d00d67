// Package config loads taskmon's configuration with viper. Every key has a
// default, so the configuration file is optional. Keys may also be set through
// TASKMON_-prefixed environment variables, such as TASKMON_LOGS_DIR.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is taskmon's configuration.
type Config struct {
	RegistryFile string `mapstructure:"registry_file"`
	LogsDir      string `mapstructure:"logs_dir"`
	JournalFile  string `mapstructure:"journal_file"`
	// MetricsTextfile is where the daemon writes its metrics. Empty disables
	// metrics.
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"`

	GracePeriod    time.Duration `mapstructure:"grace_period"`
	KillTimeout    time.Duration `mapstructure:"kill_timeout"`
	FollowInterval time.Duration `mapstructure:"follow_interval"`
	MaxLogSize     int64         `mapstructure:"max_log_size"`

	MaxRestarts  int           `mapstructure:"max_restarts"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	// RestartBackoff overrides RestartDelay with a delay per attempt.
	RestartBackoff []time.Duration `mapstructure:"restart_backoff"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// Backoff returns the delays before consecutive automatic restarts.
func (c *Config) Backoff() []time.Duration {
	if len(c.RestartBackoff) > 0 {
		return c.RestartBackoff
	}
	return []time.Duration{c.RestartDelay}
}

// DefaultDir returns the directory holding taskmon's files by default.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user config dir")
	}
	return filepath.Join(dir, "taskmon"), nil
}

// SetDefaults sets the default of every key, with files placed in dir.
func SetDefaults(v *viper.Viper, dir string) {
	v.SetDefault("registry_file", filepath.Join(dir, "tasks.json"))
	v.SetDefault("logs_dir", filepath.Join(dir, "logs"))
	v.SetDefault("journal_file", filepath.Join(dir, "journal.jsonl"))
	v.SetDefault("metrics_textfile", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "console")

	v.SetDefault("grace_period", 2*time.Second)
	v.SetDefault("kill_timeout", 2*time.Second)
	v.SetDefault("follow_interval", 100*time.Millisecond)
	v.SetDefault("max_log_size", 10<<20)

	v.SetDefault("max_restarts", 5)
	v.SetDefault("restart_delay", time.Second)
	v.SetDefault("restart_backoff", []time.Duration{})

	v.SetDefault("monitor_interval", 5*time.Second)
	v.SetDefault("lock_timeout", 30*time.Second)
}

// Load loads the configuration. If file is empty, config.yaml is looked up in
// dir and may be missing; an explicitly given file must exist.
func Load(v *viper.Viper, dir, file string) (*Config, error) {
	SetDefaults(v, dir)

	v.SetEnvPrefix("taskmon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.RegistryFile == "":
		return errors.New("registry_file is empty")
	case c.LogsDir == "":
		return errors.New("logs_dir is empty")
	case c.MaxRestarts < 0:
		return errors.New("max_restarts is negative")
	case c.GracePeriod <= 0:
		return errors.New("grace_period must be positive")
	case c.KillTimeout <= 0:
		return errors.New("kill_timeout must be positive")
	}

	for _, d := range c.Backoff() {
		if d <= 0 {
			return errors.New("restart delays must be positive")
		}
	}

	return nil
}
