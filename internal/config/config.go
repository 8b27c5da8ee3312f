package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile.
	// Precedence: project .ralph/config.yaml (walking up from CWD) >
	// ~/.config/ralph/config.yaml > ~/.ralph/config.yaml
	configFileSet := false

	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".ralph", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "ralph", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".ralph", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. RALPH_JSON, RALPH_DEFAULT_PROFILE, RALPH_DRAIN_TIMEOUT_MS.
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("json", false)
	v.SetDefault("default-profile", "")
	v.SetDefault("drain-timeout-ms", 120000)
	v.SetDefault("poll-interval", "1s")

	// Throttle engine defaults.
	v.SetDefault("throttle.min-check-interval-ms", 30000)
	v.SetDefault("throttle.soft-pct", 0.8)
	v.SetDefault("throttle.hard-pct", 0.95)
	v.SetDefault("throttle.weekly.day", "Monday")
	v.SetDefault("throttle.weekly.hour", 0)
	v.SetDefault("throttle.weekly.minute", 0)
	v.SetDefault("throttle.weekly.tz", "")
	v.SetDefault("throttle.auto-profile.min-remaining", 0.10)
	v.SetDefault("throttle.auto-profile.min-switch-interval", "10m")

	// Agent supervision defaults.
	v.SetDefault("agent.watchdog.default-soft", "5m")
	v.SetDefault("agent.watchdog.default-hard", "10m")
	v.SetDefault("agent.watchdog.bash-soft", "15m")
	v.SetDefault("agent.watchdog.bash-hard", "30m")
	v.SetDefault("agent.stall-timeout", "20m")
	v.SetDefault("agent.anomaly.burst-window", "10s")
	v.SetDefault("agent.anomaly.burst-count", 20)
	v.SetDefault("agent.anomaly.total-limit", 50)
	v.SetDefault("agent.loop.min-edits", 12)
	v.SetDefault("agent.loop.min-elapsed-ms", 900000)
	v.SetDefault("agent.loop.min-top-file-touches", 5)
	v.SetDefault("agent.loop.min-top-file-share", 0.5)
	v.SetDefault("agent.nudge-max-attempts", 3)

	// Hosting client defaults.
	v.SetDefault("hosting.max-inflight", 8)
	v.SetDefault("hosting.max-inflight-writes", 1)

	// CI gate defaults.
	v.SetDefault("ci.wait-timeout", "45m")
	v.SetDefault("ci.triage-max-attempts", 3)

	// Escalation autopilot defaults.
	v.SetDefault("autopilot.max-attempts", 2)
	v.SetDefault("autopilot.consultant-model", "claude-3-5-haiku-20241022")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value.
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string-list configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set sets a configuration value (flag overrides from the CLI layer).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// RepoConfig describes one managed repository.
type RepoConfig struct {
	Name             string `mapstructure:"name"`
	Path             string `mapstructure:"path"`
	Priority         int    `mapstructure:"priority"`
	ConcurrencySlots int    `mapstructure:"concurrency-slots"`
	MaxWorkers       int    `mapstructure:"max-workers"`
	BotBranch        string `mapstructure:"bot-branch"`
	DefaultBranch    string `mapstructure:"default-branch"`
}

// Slots resolves the repo's concurrency budget with the documented fallback
// chain: concurrency-slots, then max-workers, then 1.
func (r RepoConfig) Slots() int {
	if r.ConcurrencySlots >= 1 {
		return r.ConcurrencySlots
	}
	if r.MaxWorkers >= 1 {
		return r.MaxWorkers
	}
	return 1
}

// Band clamps the configured priority into the 0..3 band range.
func (r RepoConfig) Band() int {
	switch {
	case r.Priority < 0:
		return 0
	case r.Priority > 3:
		return 3
	default:
		return r.Priority
	}
}

// Repos returns the configured repository list.
func Repos() ([]RepoConfig, error) {
	if v == nil {
		return nil, nil
	}
	var repos []RepoConfig
	if err := v.UnmarshalKey("repos", &repos); err != nil {
		return nil, fmt.Errorf("invalid repos configuration: %w", err)
	}
	return repos, nil
}
