package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile names a coding-agent configuration: a distinct on-disk data
// directory for the agent plus the throttle budgets that govern it.
type Profile struct {
	Name                string  `toml:"name"`
	Provider            string  `toml:"provider"`
	DataDir             string  `toml:"data-dir"`
	RollingBudgetTokens int64   `toml:"rolling-budget-tokens"`
	WeeklyBudgetTokens  int64   `toml:"weekly-budget-tokens"`
	SoftPct             float64 `toml:"soft-pct"`
	HardPct             float64 `toml:"hard-pct"`

	// Weekly reset boundary; zero values fall back to the global
	// throttle.weekly.* settings.
	ResetDay    string `toml:"reset-day"`
	ResetHour   int    `toml:"reset-hour"`
	ResetMinute int    `toml:"reset-minute"`
	ResetTZ     string `toml:"reset-tz"`
}

type profilesFile struct {
	Profile []Profile `toml:"profile"`
}

// ProfilesPath returns the canonical profiles file location.
func ProfilesPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".ralph", "profiles.toml"), nil
}

// LoadProfiles parses the profiles file. A missing file yields an empty list;
// invalid profile entries are an error, never silently skipped.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var pf profilesFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range pf.Profile {
		p := &pf.Profile[i]
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		if p.DataDir == "" {
			return nil, fmt.Errorf("profile %q has no data-dir", p.Name)
		}
		if p.SoftPct == 0 {
			p.SoftPct = GetFloat64("throttle.soft-pct")
		}
		if p.HardPct == 0 {
			p.HardPct = GetFloat64("throttle.hard-pct")
		}
		if p.SoftPct > p.HardPct {
			return nil, fmt.Errorf("profile %q: soft-pct %.2f exceeds hard-pct %.2f", p.Name, p.SoftPct, p.HardPct)
		}
	}
	return pf.Profile, nil
}

// ResetWeekday resolves the profile's weekly reset day, falling back to the
// global setting, then Monday.
func (p Profile) ResetWeekday() time.Weekday {
	name := p.ResetDay
	if name == "" {
		name = GetString("throttle.weekly.day")
	}
	days := map[string]time.Weekday{
		"Sunday": time.Sunday, "Monday": time.Monday, "Tuesday": time.Tuesday,
		"Wednesday": time.Wednesday, "Thursday": time.Thursday,
		"Friday": time.Friday, "Saturday": time.Saturday,
	}
	if d, ok := days[name]; ok {
		return d
	}
	return time.Monday
}

// ResetLocation resolves the profile's reset time zone. The zone is fixed at
// lookup time; runtime zone changes require a restart.
func (p Profile) ResetLocation() *time.Location {
	name := p.ResetTZ
	if name == "" {
		name = GetString("throttle.weekly.tz")
	}
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}
