// Package config handles configuration loading and defaults.
package config

import "time"

// Default values.
const (
	DefaultStorageDir          = "trees"
	DefaultListenAddr          = ":8080"
	DefaultBackupWindowSeconds = 300
	DefaultCORSOrigin          = "http://localhost:5173"
	DefaultKeepPerTree         = 10
	DefaultOlderThanDays       = 7
	DefaultShutdownSeconds     = 10
)

// Config holds the full configuration for mangrove.
type Config struct {
	// Paths
	StorageDir string `toml:"storage_dir"`

	// HTTP server
	ListenAddr string `toml:"listen_addr"`
	CORSOrigin string `toml:"cors_origin"`

	// Persistence
	BackupWindowSeconds int  `toml:"backup_window_seconds"`
	AutoSave            bool `toml:"auto_save"`

	// Backup retention defaults for the backups command
	KeepPerTree   int `toml:"keep_per_tree"`
	OlderThanDays int `toml:"older_than_days"`

	// Shutdown
	ShutdownSeconds int `toml:"shutdown_seconds"`

	// Logging
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogTimestamps bool   `toml:"log_timestamps"`
	LogCaller     bool   `toml:"log_caller"`
}

// BackupWindow returns the smart-backup window as a duration.
func (c *Config) BackupWindow() time.Duration {
	return time.Duration(c.BackupWindowSeconds) * time.Second
}

// ShutdownTimeout returns the graceful-shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// OlderThan returns the age-based retention criterion as a duration.
func (c *Config) OlderThan() time.Duration {
	return time.Duration(c.OlderThanDays) * 24 * time.Hour
}

// setDefaults fills cfg with default values.
func setDefaults(cfg *Config) {
	cfg.StorageDir = DefaultStorageDir
	cfg.ListenAddr = DefaultListenAddr
	cfg.CORSOrigin = DefaultCORSOrigin
	cfg.BackupWindowSeconds = DefaultBackupWindowSeconds
	cfg.AutoSave = true
	cfg.KeepPerTree = DefaultKeepPerTree
	cfg.OlderThanDays = DefaultOlderThanDays
	cfg.ShutdownSeconds = DefaultShutdownSeconds
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.LogTimestamps = true
	cfg.LogCaller = false
}
