package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// GetDBPath resolves the database path.
// Order of precedence:
// 1) CLI override (--db-path)
// 2) Environment variable: SETFARM_STATE_DIR (spec §6's single opt-in knob)
// 3) config.yaml: db_path
// 4) Default: ~/.config/setfarm/setfarm.db
// Returns an absolute path to setfarm.db and ensures the parent directory exists.
func GetDBPath() (string, error) {
	if override := getDBPathOverride(); override != "" {
		return EnsureDBDir(override)
	}

	if envDir := os.Getenv("SETFARM_STATE_DIR"); envDir != "" {
		return EnsureDBDir(filepath.Join(envDir, "setfarm.db"))
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DBPath != "" {
		return EnsureDBDir(cfg.DBPath)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return EnsureDBDir(filepath.Join(configDir, "setfarm.db"))
}

// ResolveDBPathDetailed returns the resolved DB path along with the source of that decision.
// This is for debugging/reporting; normal code should use GetDBPath.
func ResolveDBPathDetailed() (path string, source string, err error) {
	if override := getDBPathOverride(); override != "" {
		resolvedPath, ensureErr := EnsureDBDir(override)
		return resolvedPath, "cli(--db-path)", ensureErr
	}

	if envDir := os.Getenv("SETFARM_STATE_DIR"); envDir != "" {
		resolvedPath, ensureErr := EnsureDBDir(filepath.Join(envDir, "setfarm.db"))
		return resolvedPath, "env(SETFARM_STATE_DIR)", ensureErr
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}

	configPaths := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "setfarm", "config.yaml"),
		"config.yaml",
	}

	for _, p := range configPaths {
		s, loadErr := loadSettingsFile(p)
		if loadErr == nil {
			if s.DBPath != "" {
				resolvedPath, ensureErr := EnsureDBDir(s.DBPath)
				return resolvedPath, fmt.Sprintf("config(%s)", p), ensureErr
			}
			continue
		}
		if errors.Is(loadErr, os.ErrNotExist) {
			continue
		}
		return "", "", fmt.Errorf("failed to load config %s: %w", p, loadErr)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	resolved, err := EnsureDBDir(filepath.Join(configDir, "setfarm.db"))
	return resolved, "default(~/.config/setfarm/setfarm.db)", err
}

// EnsureDBDir creates the parent directory of dbPath and returns dbPath unchanged.
func EnsureDBDir(dbPath string) (string, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return dbPath, nil
}
