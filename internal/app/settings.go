package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath            string `yaml:"db_path"`
	MaxRoleTimeoutSec int    `yaml:"max_role_timeout_seconds"`
	CronIntervalSec   int    `yaml:"cron_interval_seconds"`
}

// MedicSettings are effective runtime values used by the watchdog's staleness
// thresholds (spec.md §4.6).
type MedicSettings struct {
	MaxRoleTimeout time.Duration
	CronInterval   time.Duration
}

const (
	defaultMaxRoleTimeoutSec = 15 * 60 // 15 minutes
	defaultCronIntervalSec   = 5 * 60  // 5 minutes, spec.md §4.5
)

// EffectiveMedicSettings returns validated medic timing settings with defaults.
// Invalid or missing config values fall back to safe defaults.
func EffectiveMedicSettings() MedicSettings {
	cfg := MedicSettings{
		MaxRoleTimeout: time.Duration(defaultMaxRoleTimeoutSec) * time.Second,
		CronInterval:   time.Duration(defaultCronIntervalSec) * time.Second,
	}

	s, err := LoadSettings()
	if err != nil {
		return cfg
	}

	if s.MaxRoleTimeoutSec > 0 {
		cfg.MaxRoleTimeout = time.Duration(s.MaxRoleTimeoutSec) * time.Second
	}
	if s.CronIntervalSec > 0 {
		cfg.CronInterval = time.Duration(s.CronIntervalSec) * time.Second
	}

	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Set from the CLI --db-path flag.
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/setfarm/config.yaml
// 2) /etc/setfarm/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "setfarm", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
