// Package config loads daemon configuration from a YAML file, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/app_limit/internal/infra"
)

// EnvPrefix prefixes every environment override, e.g. APPLIMIT_LOG_LEVEL.
const EnvPrefix = "APPLIMIT"

// ConfigFileName is looked up in the data directory when no path is given.
const ConfigFileName = "config.yaml"

// Preference backends.
const (
	BackendFile      = "file"
	BackendEncrypted = "encrypted"
)

type Config struct {
	HostPackage       string          `mapstructure:"host_package"`
	SelfPackage       string          `mapstructure:"self_package"`
	DataDir           string          `mapstructure:"data_dir"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	Log               LogConfig       `mapstructure:"log"`
	Monitor           MonitorConfig   `mapstructure:"monitor"`
	Presenter         PresenterConfig `mapstructure:"presenter"`
	Prefs             PrefsConfig     `mapstructure:"prefs"`
	Filter            FilterConfig    `mapstructure:"filter"`
	Bus               BusConfig       `mapstructure:"bus"`
	Metrics           MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

type MonitorConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	FreshReadBudget time.Duration `mapstructure:"fresh_read_budget"`
	Debounce        time.Duration `mapstructure:"debounce"`
	QueueSize       int           `mapstructure:"queue_size"`
	ResetTime       string        `mapstructure:"reset_time"` // HH:MM local wall clock
}

type PresenterConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MissThreshold   int           `mapstructure:"miss_threshold"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`
}

type PrefsConfig struct {
	Backend     string `mapstructure:"backend"`
	PolicyKey   string `mapstructure:"policy_key"`
	UsageKey    string `mapstructure:"usage_key"`
	UsageDayKey string `mapstructure:"usage_day_key"`
	StatusKey   string `mapstructure:"status_key"`
}

type FilterConfig struct {
	SystemPrefixes   []string `mapstructure:"system_prefixes"`
	SystemSubstrings []string `mapstructure:"system_substrings"`
}

type BusConfig struct {
	Kind     string `mapstructure:"kind"`
	HostName string `mapstructure:"host_name"`
	HostPath string `mapstructure:"host_path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Empty disables the listener
}

// Load reads configuration from configPath. An empty path falls back to
// <data dir>/config.yaml if it exists; an explicit path must exist.
func Load(configPath string) (*Config, error) {
	return load(configPath, infra.DetectExecMode())
}

func load(configPath string, mode *infra.ExecModeConfig) (*Config, error) {
	v := viper.New()

	setDefaults(v, mode)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(v.GetString("data_dir"), ConfigFileName)
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The log follows a data_dir override
	if config.Log.Path == "" {
		if config.DataDir == mode.DataDir && mode.LogPath != "" {
			config.Log.Path = mode.LogPath
		} else {
			config.Log.Path = filepath.Join(config.DataDir, "applimit.log")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper, mode *infra.ExecModeConfig) {
	v.SetDefault("host_package", "com.example.smartmanagementapp")
	v.SetDefault("self_package", "io.github.elitegoblin.applimit")
	v.SetDefault("data_dir", mode.DataDir)
	v.SetDefault("heartbeat_interval", "30s")

	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("monitor.tick_interval", "2s")
	v.SetDefault("monitor.fresh_read_budget", "750ms")
	v.SetDefault("monitor.debounce", "1s")
	v.SetDefault("monitor.queue_size", 64)
	v.SetDefault("monitor.reset_time", "00:00")

	v.SetDefault("presenter.poll_interval", "2s")
	v.SetDefault("presenter.miss_threshold", 2)
	v.SetDefault("presenter.navigate_timeout", "2s")

	v.SetDefault("prefs.backend", BackendFile)
	v.SetDefault("prefs.policy_key", "flutter.blocked_apps")
	v.SetDefault("prefs.usage_key", "flutter.app_usage_time")
	v.SetDefault("prefs.usage_day_key", "applimit.usage_day")
	v.SetDefault("prefs.status_key", "applimit.daemon_status")

	v.SetDefault("filter.system_prefixes", []string{"com.android", "android"})
	v.SetDefault("filter.system_substrings", []string{"launcher"})

	v.SetDefault("bus.kind", mode.BusKind)
	v.SetDefault("bus.host_name", "io.github.elitegoblin.applimit.Host")
	v.SetDefault("bus.host_path", "/io/github/elitegoblin/applimit/Host")

	v.SetDefault("metrics.addr", "")
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HostPackage) == "" {
		errs = append(errs, errors.New("host_package is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid heartbeat_interval: %s", c.HeartbeatInterval))
	}
	if c.Monitor.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor.tick_interval: %s", c.Monitor.TickInterval))
	}
	if c.Monitor.FreshReadBudget <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor.fresh_read_budget: %s", c.Monitor.FreshReadBudget))
	}
	if c.Monitor.Debounce < 0 {
		errs = append(errs, fmt.Errorf("invalid monitor.debounce: %s", c.Monitor.Debounce))
	}
	if c.Monitor.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor.queue_size: %d", c.Monitor.QueueSize))
	}
	if c.Monitor.ResetTime != "" {
		if _, err := time.Parse("15:04", c.Monitor.ResetTime); err != nil {
			errs = append(errs, fmt.Errorf("invalid monitor.reset_time %q", c.Monitor.ResetTime))
		}
	}
	if c.Presenter.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid presenter.poll_interval: %s", c.Presenter.PollInterval))
	}
	if c.Presenter.MissThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid presenter.miss_threshold: %d", c.Presenter.MissThreshold))
	}
	if c.Presenter.NavigateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid presenter.navigate_timeout: %s", c.Presenter.NavigateTimeout))
	}
	switch c.Prefs.Backend {
	case BackendFile, BackendEncrypted:
	default:
		errs = append(errs, fmt.Errorf("unknown prefs.backend %q", c.Prefs.Backend))
	}
	if c.Prefs.PolicyKey == "" {
		errs = append(errs, errors.New("prefs.policy_key is required"))
	}
	switch c.Bus.Kind {
	case "session", "system":
	default:
		errs = append(errs, fmt.Errorf("unknown bus.kind %q", c.Bus.Kind))
	}
	if strings.TrimSpace(c.HostPackage) != "" && strings.TrimSpace(c.HostPackage) == strings.TrimSpace(c.SelfPackage) {
		errs = append(errs, errors.New("host_package and self_package must differ"))
	}

	return errors.Join(errs...)
}
