package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME and the working directory at empty temp dirs so
// no real config files leak into a test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func load(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Load(fs, args)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg := load(t)

	if cfg.StorageDir != DefaultStorageDir {
		t.Errorf("StorageDir: got %s, want %s", cfg.StorageDir, DefaultStorageDir)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr: got %s, want %s", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.BackupWindowSeconds != DefaultBackupWindowSeconds {
		t.Errorf("BackupWindowSeconds: got %d, want %d", cfg.BackupWindowSeconds, DefaultBackupWindowSeconds)
	}
	if !cfg.AutoSave {
		t.Error("AutoSave: got false, want true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s, want info", cfg.LogLevel)
	}
}

func TestDurationHelpers(t *testing.T) {
	isolate(t)
	cfg := load(t)

	if got, want := cfg.BackupWindow(), 5*time.Minute; got != want {
		t.Errorf("BackupWindow: got %v, want %v", got, want)
	}
	if got, want := cfg.ShutdownTimeout(), 10*time.Second; got != want {
		t.Errorf("ShutdownTimeout: got %v, want %v", got, want)
	}
	if got, want := cfg.OlderThan(), 7*24*time.Hour; got != want {
		t.Errorf("OlderThan: got %v, want %v", got, want)
	}
}

func TestProjectConfigFile(t *testing.T) {
	isolate(t)

	content := `
storage_dir = "data/trees"
listen_addr = ":9090"
backup_window_seconds = 60
auto_save = false
`
	if err := os.WriteFile("mangrove.toml", []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg := load(t)
	if cfg.StorageDir != "data/trees" {
		t.Errorf("StorageDir: got %s, want data/trees", cfg.StorageDir)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr: got %s, want :9090", cfg.ListenAddr)
	}
	if cfg.BackupWindowSeconds != 60 {
		t.Errorf("BackupWindowSeconds: got %d, want 60", cfg.BackupWindowSeconds)
	}
	if cfg.AutoSave {
		t.Error("AutoSave: got true, want false")
	}
}

func TestUserConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	dir := filepath.Join(home, ".mangrove")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("creating config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mangrove.toml"), []byte(`listen_addr = ":7070"`), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg := load(t)
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr: got %s, want :7070", cfg.ListenAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)

	if err := os.WriteFile("mangrove.toml", []byte(`listen_addr = ":9090"`), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("MANGROVE_LISTEN", ":6060")
	t.Setenv("MANGROVE_AUTO_SAVE", "off")
	t.Setenv("MANGROVE_BACKUP_WINDOW", "30")

	cfg := load(t)
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr: got %s, want :6060", cfg.ListenAddr)
	}
	if cfg.AutoSave {
		t.Error("AutoSave: got true, want false")
	}
	if cfg.BackupWindowSeconds != 30 {
		t.Errorf("BackupWindowSeconds: got %d, want 30", cfg.BackupWindowSeconds)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	isolate(t)
	t.Setenv("MANGROVE_LISTEN", ":6060")

	cfg := load(t, "-listen", ":5050", "-storage-dir", "elsewhere")
	if cfg.ListenAddr != ":5050" {
		t.Errorf("ListenAddr: got %s, want :5050", cfg.ListenAddr)
	}
	if cfg.StorageDir != "elsewhere" {
		t.Errorf("StorageDir: got %s, want elsewhere", cfg.StorageDir)
	}
}

func TestValidation(t *testing.T) {
	isolate(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := Load(fs, []string{"-backup-window", "-5"}); err == nil {
		t.Error("negative backup window: got nil, want error")
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := Load(fs, []string{"-storage-dir", ""}); err == nil {
		t.Error("empty storage dir: got nil, want error")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain/dir", "plain/dir"},
		{"~", home},
		{"~/trees", filepath.Join(home, "trees")},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBoolFromString(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{"YES", true},
		{" on ", true},
		{"0", false},
		{"false", false},
		{"nope", false},
	}
	for _, tt := range tests {
		if got := boolFromString(tt.in); got != tt.want {
			t.Errorf("boolFromString(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}
