package config

import (
	"os"
	"strconv"
	"strings"
)

// loadFromEnv overrides config from MANGROVE_* environment variables.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("MANGROVE_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("MANGROVE_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MANGROVE_CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("MANGROVE_BACKUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.BackupWindowSeconds = i
		}
	}
	if v := os.Getenv("MANGROVE_AUTO_SAVE"); v != "" {
		cfg.AutoSave = boolFromString(v)
	}
	if v := os.Getenv("MANGROVE_KEEP_PER_TREE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.KeepPerTree = i
		}
	}
	if v := os.Getenv("MANGROVE_OLDER_THAN_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.OlderThanDays = i
		}
	}
	if v := os.Getenv("MANGROVE_SHUTDOWN_TIMEOUT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownSeconds = i
		}
	}
	if v := os.Getenv("MANGROVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANGROVE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MANGROVE_LOG_TIMESTAMPS"); v != "" {
		cfg.LogTimestamps = boolFromString(v)
	}
	if v := os.Getenv("MANGROVE_LOG_CALLER"); v != "" {
		cfg.LogCaller = boolFromString(v)
	}
}

// boolFromString interprets common truthy strings.
func boolFromString(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
