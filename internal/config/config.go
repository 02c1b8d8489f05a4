package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Origin         OriginConfig         `yaml:"origin"`
	Database       DatabaseConfig       `yaml:"database"`
	Cache          CacheConfig          `yaml:"cache"`
	Sync           SyncConfig           `yaml:"sync"`
	BackgroundSync BackgroundSyncConfig `yaml:"background_sync"`
	Connectivity   ConnectivityConfig   `yaml:"connectivity"`
	Worker         WorkerConfig         `yaml:"worker"`
	Backup         BackupConfig         `yaml:"backup"`
	Auth           AuthConfig           `yaml:"auth"`
	Log            LogConfig            `yaml:"log"`
}

// ServerConfig contains local HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// OriginConfig describes the ShopSmart server the agent fronts.
type OriginConfig struct {
	BaseURL        string   `yaml:"base_url"`
	TrustedOrigins []string `yaml:"trusted_origins"`
	CSRFCookie     string   `yaml:"csrf_cookie"`
	TokenPath      string   `yaml:"token_path"`
}

// DatabaseConfig contains durable store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig contains HTTP cache settings.
type CacheConfig struct {
	Path           string      `yaml:"path"`
	Version        string      `yaml:"version"`
	Limits         CacheLimits `yaml:"limits"`
	NetworkTimeout Duration    `yaml:"network_timeout"`
	StaticPrefixes []string    `yaml:"static_prefixes"`
	APIPrefixes    []string    `yaml:"api_prefixes"`
	ImagePrefixes  []string    `yaml:"image_prefixes"`
	Precache       []string    `yaml:"precache"`
	OfflinePage    string      `yaml:"offline_page"`
	SkipWaiting    bool        `yaml:"skip_waiting"`
}

// CacheLimits are per-partition entry ceilings.
type CacheLimits struct {
	Static  int `yaml:"static"`
	Dynamic int `yaml:"dynamic"`
	API     int `yaml:"api"`
	Images  int `yaml:"images"`
}

// SyncConfig contains sync queue settings.
type SyncConfig struct {
	RequestTimeout Duration `yaml:"request_timeout"`
	// DeadLetterAfter moves a group aside after this many consecutive
	// permanent failures. Zero disables automatic dead-lettering.
	DeadLetterAfter int `yaml:"dead_letter_after"`
}

// BackgroundSyncConfig contains worker-local background sync settings.
type BackgroundSyncConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffUnit Duration `yaml:"backoff_unit"`
}

// ConnectivityConfig contains reachability probe settings.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	ListRefreshInterval    Duration `yaml:"list_refresh_interval"`
	BackgroundSyncInterval Duration `yaml:"background_sync_interval"`
	BackupInterval         Duration `yaml:"backup_interval"`
}

// BackupConfig contains S3-compatible storage settings for store backups.
// An empty bucket keeps backups local.
type BackupConfig struct {
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
}

// AuthConfig contains local API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SHOPSYNC_CONFIG_PATH", "config/shopsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8765,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Origin: OriginConfig{
			BaseURL:    "http://localhost:8000",
			CSRFCookie: "csrftoken",
			TokenPath:  "/app/",
		},
		Database: DatabaseConfig{
			Path: "data/shopsync.db",
		},
		Cache: CacheConfig{
			Path:    "data/httpcache.db",
			Version: "v4",
			Limits: CacheLimits{
				Static:  200,
				Dynamic: 100,
				API:     30,
				Images:  50,
			},
			NetworkTimeout: Duration(5 * time.Second),
			Precache: []string{
				"/app/",
				"/app/offline/",
				"/static/css/main.css",
				"/static/js/app.js",
				"/static/js/offline-manager.js",
				"/static/manifest.json",
			},
			OfflinePage: "/app/offline/",
			SkipWaiting: true,
		},
		Sync: SyncConfig{
			RequestTimeout: Duration(5 * time.Second),
		},
		BackgroundSync: BackgroundSyncConfig{
			MaxAttempts: 3,
			BackoffUnit: Duration(1 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
		},
		Worker: WorkerConfig{
			ListRefreshInterval:    Duration(5 * time.Minute),
			BackgroundSyncInterval: Duration(1 * time.Minute),
			BackupInterval:         Duration(1 * time.Hour),
		},
		Backup: BackupConfig{
			Dir:    "data/backups",
			Prefix: "shopsync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; unparsable values are
// ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SHOPSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("SHOPSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SHOPSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SHOPSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Origin
	if v := os.Getenv("SHOPSYNC_ORIGIN"); v != "" {
		cfg.Origin.BaseURL = v
	}
	if v := os.Getenv("SHOPSYNC_TRUSTED_ORIGINS"); v != "" {
		cfg.Origin.TrustedOrigins = splitList(v)
	}
	if v := os.Getenv("SHOPSYNC_CSRF_COOKIE"); v != "" {
		cfg.Origin.CSRFCookie = v
	}

	// Storage
	if v := os.Getenv("SHOPSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SHOPSYNC_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("SHOPSYNC_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	envDuration("SHOPSYNC_NETWORK_TIMEOUT", &cfg.Cache.NetworkTimeout)
	if v := os.Getenv("SHOPSYNC_SKIP_WAITING"); v != "" {
		cfg.Cache.SkipWaiting = v == "true" || v == "1"
	}

	// Sync
	envDuration("SHOPSYNC_SYNC_TIMEOUT", &cfg.Sync.RequestTimeout)
	if v := os.Getenv("SHOPSYNC_DEAD_LETTER_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.DeadLetterAfter = n
		}
	}
	if v := os.Getenv("SHOPSYNC_BACKGROUND_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackgroundSync.MaxAttempts = n
		}
	}

	// Connectivity
	if v := os.Getenv("SHOPSYNC_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	envDuration("SHOPSYNC_PROBE_INTERVAL", &cfg.Connectivity.ProbeInterval)

	// Worker
	envDuration("SHOPSYNC_LIST_REFRESH_INTERVAL", &cfg.Worker.ListRefreshInterval)
	envDuration("SHOPSYNC_BACKGROUND_SYNC_INTERVAL", &cfg.Worker.BackgroundSyncInterval)
	envDuration("SHOPSYNC_BACKUP_INTERVAL", &cfg.Worker.BackupInterval)

	// Backup
	if v := os.Getenv("SHOPSYNC_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("SHOPSYNC_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("SHOPSYNC_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("SHOPSYNC_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("SHOPSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("SHOPSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("SHOPSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}

	// Auth
	if v := os.Getenv("SHOPSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("SHOPSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHOPSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks the configuration for values the agent cannot run with.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	u, err := url.Parse(c.Origin.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin.base_url %q must be an absolute http(s) URL", c.Origin.BaseURL)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Cache.Path == "" {
		return errors.New("cache.path is required")
	}
	if c.Cache.Path == c.Database.Path {
		return errors.New("cache.path and database.path must differ")
	}
	if c.Cache.Version == "" {
		return errors.New("cache.version is required")
	}

	limits := map[string]int{
		"static":  c.Cache.Limits.Static,
		"dynamic": c.Cache.Limits.Dynamic,
		"api":     c.Cache.Limits.API,
		"images":  c.Cache.Limits.Images,
	}
	for name, n := range limits {
		if n <= 0 {
			return fmt.Errorf("cache.limits.%s must be positive, got %d", name, n)
		}
	}

	if c.Sync.DeadLetterAfter < 0 {
		return errors.New("sync.dead_letter_after must not be negative")
	}
	if c.BackgroundSync.MaxAttempts < 1 {
		return errors.New("background_sync.max_attempts must be at least 1")
	}
	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		return errors.New("backup.endpoint is required when backup.bucket is set")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
