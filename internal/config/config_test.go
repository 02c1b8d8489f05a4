package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars for the duration of a test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SHOPSYNC_CONFIG_PATH",
		"SHOPSYNC_PORT",
		"SHOPSYNC_READ_TIMEOUT",
		"SHOPSYNC_WRITE_TIMEOUT",
		"SHOPSYNC_SHUTDOWN_TIMEOUT",
		"SHOPSYNC_ORIGIN",
		"SHOPSYNC_TRUSTED_ORIGINS",
		"SHOPSYNC_CSRF_COOKIE",
		"SHOPSYNC_DB_PATH",
		"SHOPSYNC_CACHE_PATH",
		"SHOPSYNC_CACHE_VERSION",
		"SHOPSYNC_NETWORK_TIMEOUT",
		"SHOPSYNC_SKIP_WAITING",
		"SHOPSYNC_SYNC_TIMEOUT",
		"SHOPSYNC_DEAD_LETTER_AFTER",
		"SHOPSYNC_BACKGROUND_SYNC_MAX_ATTEMPTS",
		"SHOPSYNC_PROBE_URL",
		"SHOPSYNC_PROBE_INTERVAL",
		"SHOPSYNC_LIST_REFRESH_INTERVAL",
		"SHOPSYNC_BACKGROUND_SYNC_INTERVAL",
		"SHOPSYNC_BACKUP_INTERVAL",
		"SHOPSYNC_BACKUP_DIR",
		"SHOPSYNC_BACKUP_BUCKET",
		"SHOPSYNC_S3_ENDPOINT",
		"SHOPSYNC_S3_REGION",
		"SHOPSYNC_S3_ACCESS_KEY",
		"SHOPSYNC_S3_SECRET_KEY",
		"SHOPSYNC_S3_USE_SSL",
		"SHOPSYNC_API_KEY",
		"SHOPSYNC_LOG_LEVEL",
		"SHOPSYNC_LOG_FORMAT",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Origin.CSRFCookie != "csrftoken" {
		t.Errorf("Origin.CSRFCookie = %q, want csrftoken", cfg.Origin.CSRFCookie)
	}
	if cfg.Database.Path != "data/shopsync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/shopsync.db")
	}

	// Cache defaults
	if cfg.Cache.Version != "v4" {
		t.Errorf("Cache.Version = %q, want v4", cfg.Cache.Version)
	}
	want := CacheLimits{Static: 200, Dynamic: 100, API: 30, Images: 50}
	if cfg.Cache.Limits != want {
		t.Errorf("Cache.Limits = %+v, want %+v", cfg.Cache.Limits, want)
	}
	if dur(cfg.Cache.NetworkTimeout) != 5*time.Second {
		t.Errorf("Cache.NetworkTimeout = %v, want 5s", cfg.Cache.NetworkTimeout)
	}
	if cfg.Cache.OfflinePage != "/app/offline/" {
		t.Errorf("Cache.OfflinePage = %q, want /app/offline/", cfg.Cache.OfflinePage)
	}
	if !cfg.Cache.SkipWaiting {
		t.Error("Cache.SkipWaiting should default to true")
	}

	// Sync defaults
	if cfg.Sync.DeadLetterAfter != 0 {
		t.Errorf("Sync.DeadLetterAfter = %d, want 0", cfg.Sync.DeadLetterAfter)
	}
	if cfg.BackgroundSync.MaxAttempts != 3 {
		t.Errorf("BackgroundSync.MaxAttempts = %d, want 3", cfg.BackgroundSync.MaxAttempts)
	}
	if dur(cfg.BackgroundSync.BackoffUnit) != time.Second {
		t.Errorf("BackgroundSync.BackoffUnit = %v, want 1s", cfg.BackgroundSync.BackoffUnit)
	}

	// Worker defaults
	if dur(cfg.Worker.ListRefreshInterval) != 5*time.Minute {
		t.Errorf("Worker.ListRefreshInterval = %v, want 5m", cfg.Worker.ListRefreshInterval)
	}
	if dur(cfg.Worker.BackupInterval) != time.Hour {
		t.Errorf("Worker.BackupInterval = %v, want 1h", cfg.Worker.BackupInterval)
	}

	if cfg.Backup.Bucket != "" {
		t.Errorf("Backup.Bucket = %q, want empty", cfg.Backup.Bucket)
	}
	if cfg.Auth.APIKey != "" {
		t.Errorf("Auth.APIKey = %q, want empty", cfg.Auth.APIKey)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHOPSYNC_PORT", "9090")
	t.Setenv("SHOPSYNC_ORIGIN", "https://shop.example.com")
	t.Setenv("SHOPSYNC_TRUSTED_ORIGINS", "https://cdn.example.com, https://img.example.com")
	t.Setenv("SHOPSYNC_DB_PATH", "/custom/path.db")
	t.Setenv("SHOPSYNC_DEAD_LETTER_AFTER", "5")
	t.Setenv("SHOPSYNC_PROBE_INTERVAL", "30s")
	t.Setenv("SHOPSYNC_SKIP_WAITING", "false")
	t.Setenv("SHOPSYNC_API_KEY", "local-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Origin.BaseURL != "https://shop.example.com" {
		t.Errorf("Origin.BaseURL = %q", cfg.Origin.BaseURL)
	}
	if len(cfg.Origin.TrustedOrigins) != 2 || cfg.Origin.TrustedOrigins[1] != "https://img.example.com" {
		t.Errorf("Origin.TrustedOrigins = %v", cfg.Origin.TrustedOrigins)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Sync.DeadLetterAfter != 5 {
		t.Errorf("Sync.DeadLetterAfter = %d, want 5", cfg.Sync.DeadLetterAfter)
	}
	if dur(cfg.Connectivity.ProbeInterval) != 30*time.Second {
		t.Errorf("Connectivity.ProbeInterval = %v, want 30s", cfg.Connectivity.ProbeInterval)
	}
	if cfg.Cache.SkipWaiting {
		t.Error("Cache.SkipWaiting should be false")
	}
	if cfg.Auth.APIKey != "local-key" {
		t.Errorf("Auth.APIKey = %q, want local-key", cfg.Auth.APIKey)
	}
}

// Test: Unparsable env values are ignored
func TestLoad_InvalidEnvValuesIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHOPSYNC_PORT", "not-a-port")
	t.Setenv("SHOPSYNC_NETWORK_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765 (default)", cfg.Server.Port)
	}
	if dur(cfg.Cache.NetworkTimeout) != 5*time.Second {
		t.Errorf("Cache.NetworkTimeout = %v, want 5s (default)", cfg.Cache.NetworkTimeout)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
origin:
  base_url: https://shop.example.com
  trusted_origins:
    - https://cdn.example.com
cache:
  version: v5
  network_timeout: 2s
  limits:
    api: 10
  precache:
    - /app/
sync:
  dead_letter_after: 3
log:
  level: warn
  format: text
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Origin.BaseURL != "https://shop.example.com" {
		t.Errorf("Origin.BaseURL = %q", cfg.Origin.BaseURL)
	}
	if cfg.Cache.Version != "v5" {
		t.Errorf("Cache.Version = %q, want v5", cfg.Cache.Version)
	}
	if dur(cfg.Cache.NetworkTimeout) != 2*time.Second {
		t.Errorf("Cache.NetworkTimeout = %v, want 2s", cfg.Cache.NetworkTimeout)
	}
	// Partially specified limits keep their defaults
	if cfg.Cache.Limits.API != 10 || cfg.Cache.Limits.Static != 200 {
		t.Errorf("Cache.Limits = %+v", cfg.Cache.Limits)
	}
	if len(cfg.Cache.Precache) != 1 {
		t.Errorf("Cache.Precache = %v, want [/app/]", cfg.Cache.Precache)
	}
	if cfg.Sync.DeadLetterAfter != 3 {
		t.Errorf("Sync.DeadLetterAfter = %d, want 3", cfg.Sync.DeadLetterAfter)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
server:
  port: 9000
log:
  level: warn
`)
	t.Setenv("SHOPSYNC_CONFIG_PATH", configPath)
	t.Setenv("SHOPSYNC_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: Secrets in YAML are ignored
func TestLoadFromFile_SecretsAreEnvOnly(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
auth:
  api_key: from-yaml
backup:
  access_key: from-yaml
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Auth.APIKey != "" || cfg.Backup.AccessKey != "" {
		t.Errorf("secrets loaded from YAML: auth=%q backup=%q", cfg.Auth.APIKey, cfg.Backup.AccessKey)
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
server:
  port: not_a_number
  this is invalid yaml [
`)

	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

// Test: Invalid duration returns error
func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
cache:
  network_timeout: eventually
`)

	_, err := LoadFromFile(configPath)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("LoadFromFile() error = %v, want invalid duration", err)
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHOPSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
}

// Test: LoadFromFile requires the file
func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"relative origin", func(c *Config) { c.Origin.BaseURL = "/app" }, "origin.base_url"},
		{"ftp origin", func(c *Config) { c.Origin.BaseURL = "ftp://shop.example.com" }, "origin.base_url"},
		{"shared storage", func(c *Config) { c.Cache.Path = c.Database.Path }, "must differ"},
		{"empty version", func(c *Config) { c.Cache.Version = "" }, "cache.version"},
		{"zero limit", func(c *Config) { c.Cache.Limits.Images = 0 }, "cache.limits.images"},
		{"negative dead letter", func(c *Config) { c.Sync.DeadLetterAfter = -1 }, "dead_letter_after"},
		{"no attempts", func(c *Config) { c.BackgroundSync.MaxAttempts = 0 }, "max_attempts"},
		{"bucket without endpoint", func(c *Config) { c.Backup.Bucket = "backups" }, "backup.endpoint"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// Test: Duration YAML round trip
func TestDuration_YAML(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`90s`), &d); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if dur(d) != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", dur(d))
	}

	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("Marshal = %q, want 1m30s", out)
	}
}
