package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Migration MigrationConfig `yaml:"migration"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains the SQLite paths for the control-plane store
// and the two record stores being migrated between.
type DatabaseConfig struct {
	ControlPath string `yaml:"control_path"`
	LegacyPath  string `yaml:"legacy_path"`
	TargetPath  string `yaml:"target_path"`
}

// MigrationConfig contains the raw mode values. They are resolved and
// validated by the mode package at startup; invalid values fall back to
// the documented defaults rather than crashing the process.
type MigrationConfig struct {
	BackendMode string `yaml:"backend_mode"`
	WriteMode   string `yaml:"write_mode"`
}

// OutboxConfig contains mirror queue settings.
type OutboxConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	DrainInterval Duration `yaml:"drain_interval"`
	DrainLimit    int      `yaml:"drain_limit"`
	ApplyTimeout  Duration `yaml:"apply_timeout"`
	Lease         Duration `yaml:"lease"`
	BaseBackoff   Duration `yaml:"base_backoff"`
	MaxBackoff    Duration `yaml:"max_backoff"`
}

// CacheConfig contains read cache settings.
type CacheConfig struct {
	Capacity           int      `yaml:"capacity"`
	NumShards          int      `yaml:"num_shards"`
	ReadTTL            Duration `yaml:"read_ttl"`
	MaxTTL             Duration `yaml:"max_ttl"`
	EvictionPercentage int      `yaml:"eviction_percentage"`
}

// BreakerConfig contains circuit breaker settings shared by the cache
// backend and the secondary-store apply path.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// ShadowConfig contains shadow comparison settings.
type ShadowConfig struct {
	QueueDepth  int      `yaml:"queue_depth"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArchiveConfig contains S3-compatible dead-letter export settings.
// Empty bucket disables exports.
type ArchiveConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
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

	// Determine config path
	configPath := getEnv("CUTOVER_CONFIG_PATH", "config/cutover.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks that required configuration values are set.
// In dev mode (CUTOVER_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	// Dev mode bypasses API key validation
	if os.Getenv("CUTOVER_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return fmt.Errorf("CUTOVER_API_KEY is required (set CUTOVER_DEV_MODE=true to bypass)")
	}

	return nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			ControlPath: "data/control.db",
			LegacyPath:  "data/legacy.db",
			TargetPath:  "data/target.db",
		},
		Outbox: OutboxConfig{
			MaxRetries:    10,
			DrainInterval: Duration(30 * time.Second),
			DrainLimit:    100,
			ApplyTimeout:  Duration(5 * time.Second),
			Lease:         Duration(2 * time.Minute),
			BaseBackoff:   Duration(1 * time.Second),
			MaxBackoff:    Duration(5 * time.Minute),
		},
		Cache: CacheConfig{
			Capacity:           10000,
			NumShards:          64,
			ReadTTL:            Duration(1 * time.Minute),
			MaxTTL:             Duration(15 * time.Minute),
			EvictionPercentage: 10,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  Duration(30 * time.Second),
		},
		Shadow: ShadowConfig{
			QueueDepth:  256,
			ReadTimeout: Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			Region:    "us-east-1",
			UseSSL:    boolPtr(true),
			URLExpiry: Duration(1 * time.Hour),
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
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
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CUTOVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CUTOVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CUTOVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CUTOVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("CUTOVER_CONTROL_DB_PATH"); v != "" {
		cfg.Database.ControlPath = v
	}
	if v := os.Getenv("CUTOVER_LEGACY_DB_PATH"); v != "" {
		cfg.Database.LegacyPath = v
	}
	if v := os.Getenv("CUTOVER_TARGET_DB_PATH"); v != "" {
		cfg.Database.TargetPath = v
	}

	// Migration modes use their own well-known names rather than the
	// CUTOVER_ prefix.
	if v := os.Getenv("BACKEND_MODE"); v != "" {
		cfg.Migration.BackendMode = v
	}
	if v := os.Getenv("WRITE_MODE"); v != "" {
		cfg.Migration.WriteMode = v
	}

	// Outbox
	if v := os.Getenv("CUTOVER_OUTBOX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Outbox.MaxRetries = n
		}
	}
	if v := os.Getenv("CUTOVER_OUTBOX_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Outbox.DrainInterval = Duration(d)
		}
	}
	if v := os.Getenv("CUTOVER_OUTBOX_DRAIN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Outbox.DrainLimit = n
		}
	}

	// Cache
	if v := os.Getenv("CUTOVER_CACHE_READ_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ReadTTL = Duration(d)
		}
	}
	if v := os.Getenv("CUTOVER_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Capacity = n
		}
	}

	// Auth
	if v := os.Getenv("CUTOVER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("CUTOVER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CUTOVER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Archive
	if v := os.Getenv("CUTOVER_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.Archive.UseSSL = boolPtr(useSSL)
		}
	}
	if v := os.Getenv("CUTOVER_ARCHIVE_URL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.URLExpiry = Duration(d)
		}
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
