package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the CairnFS trust core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Session  SessionConfig  `yaml:"session"`
	Authz    AuthzConfig    `yaml:"authz"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig contains deployment-specific identity.
type ServiceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Cookie   CookieConfig     `yaml:"cookie"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
// Request is the outer per-request deadline covering the whole pipeline.
type APITimeoutConfig struct {
	Read    int `yaml:"read"`
	Write   int `yaml:"write"`
	Idle    int `yaml:"idle"`
	Request int `yaml:"request"`
}

// CookieConfig controls the session cookie attributes.
// Secure should only be disabled for plain-HTTP development setups.
type CookieConfig struct {
	Secure bool   `yaml:"secure"`
	Domain string `yaml:"domain"`
}

// SecretsConfig contains settings for the encrypted key stores.
type SecretsConfig struct {
	// Dir is the directory holding the encrypted key files. Each store
	// (session keys, password peppers) gets its own subdirectory.
	Dir string `yaml:"dir"`

	// RootSecret is the secret the per-store master keys are derived from.
	// Always set via CAIRNFS_ROOT_SECRET in production.
	RootSecret string `yaml:"root_secret"`
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	// TTL is the session lifetime in hours.
	TTL int `yaml:"ttl"`

	// CacheSize bounds the in-memory token -> (session, user) cache.
	CacheSize int `yaml:"cache_size"`

	// SweepInterval is how often expired sessions are purged (minutes).
	SweepInterval int `yaml:"sweep_interval"`
}

// AuthzConfig contains permission resolver settings.
type AuthzConfig struct {
	// CacheSize bounds the per-user resolved-abilities cache.
	CacheSize int `yaml:"cache_size"`
}

// MetricsConfig contains InfluxDB metrics sink settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CAIRNFS_SECTION_KEY
// For example: CAIRNFS_DATABASE_PATH, CAIRNFS_API_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:       "cairnfs-001",
			Name:     "CairnFS",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/cairnfs.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:    30,
				Write:   30,
				Idle:    60,
				Request: 90,
			},
			Cookie: CookieConfig{
				Secure: true,
			},
		},
		Secrets: SecretsConfig{
			Dir: "./data/secrets",
		},
		Session: SessionConfig{
			TTL:           72,
			CacheSize:     1000,
			SweepInterval: 15,
		},
		Authz: AuthzConfig{
			CacheSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CAIRNFS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("CAIRNFS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("CAIRNFS_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Secrets - root secret (IMPORTANT: always override in production)
	if v := os.Getenv("CAIRNFS_ROOT_SECRET"); v != "" {
		cfg.Secrets.RootSecret = v
	}
	if v := os.Getenv("CAIRNFS_SECRETS_DIR"); v != "" {
		cfg.Secrets.Dir = v
	}

	// Metrics
	if v := os.Getenv("CAIRNFS_METRICS_TOKEN"); v != "" {
		cfg.Metrics.Token = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Secrets validation - the root secret is REQUIRED.
	// Every session token and every stored password hash is ultimately
	// protected by keys derived from this value. An empty or short secret
	// would let an attacker forge tokens and decrypt the pepper store.
	const minRootSecretLength = 32
	if c.Secrets.RootSecret == "" {
		errs = append(errs, "secrets.root_secret is required (set CAIRNFS_ROOT_SECRET environment variable)")
	} else if len(c.Secrets.RootSecret) < minRootSecretLength {
		errs = append(errs, "secrets.root_secret must be at least 32 characters for adequate security")
	}
	if c.Secrets.Dir == "" {
		errs = append(errs, "secrets.dir is required")
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Session.CacheSize <= 0 {
		errs = append(errs, "session.cache_size must be positive")
	}
	if c.Authz.CacheSize <= 0 {
		errs = append(errs, "authz.cache_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRequestTimeout returns the outer per-request deadline as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Request) * time.Second
}

// GetSessionTTL returns the session lifetime as a Duration.
func (c *Config) GetSessionTTL() time.Duration {
	return time.Duration(c.Session.TTL) * time.Hour
}

// GetSweepInterval returns the expired-session sweep interval as a Duration.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Session.SweepInterval) * time.Minute
}
