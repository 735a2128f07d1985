// Package config loads application configuration with precedence:
// built-in defaults, then an optional YAML file, then environment
// variables. The result is read-only after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/chartsync/internal/types"
)

// Backend names for the remote blob store.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config is the root configuration structure.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig selects and configures the remote blob backend.
type RemoteConfig struct {
	Backend  string   `yaml:"backend"`
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"-"` // env-only, never in YAML
	S3       S3Config `yaml:"s3"`
}

// S3Config contains settings for the S3-compatible backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SyncConfig contains automatic background sync settings.
type SyncConfig struct {
	AutoInterval Duration `yaml:"auto_interval"`
}

// ServerConfig contains settings for the built-in blob host server.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
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
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CHARTSYNC_CONFIG_PATH", "config/chartsync.yaml")

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
		Database: DatabaseConfig{
			Path: "data/chartsync.db",
		},
		Remote: RemoteConfig{
			Backend:  BackendHTTP,
			Endpoint: types.DefaultRemoteEndpoint,
			S3: S3Config{
				Region: "us-east-1",
				UseSSL: true,
			},
		},
		Sync: SyncConfig{
			AutoInterval: Duration(15 * time.Minute),
		},
		Server: ServerConfig{
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
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
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("CHARTSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("CHARTSYNC_REMOTE_BACKEND"); v != "" {
		cfg.Remote.Backend = v
	}
	if v := os.Getenv("CHARTSYNC_REMOTE_ENDPOINT"); v != "" {
		cfg.Remote.Endpoint = v
	}
	if v := os.Getenv("CHARTSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}

	// S3 backend
	if v := os.Getenv("CHARTSYNC_S3_ENDPOINT"); v != "" {
		cfg.Remote.S3.Endpoint = v
	}
	if v := os.Getenv("CHARTSYNC_S3_BUCKET"); v != "" {
		cfg.Remote.S3.Bucket = v
	}
	if v := os.Getenv("CHARTSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Remote.S3.AccessKey = v
	}
	if v := os.Getenv("CHARTSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Remote.S3.SecretKey = v
	}
	if v := os.Getenv("CHARTSYNC_S3_REGION"); v != "" {
		cfg.Remote.S3.Region = v
	}
	if v := os.Getenv("CHARTSYNC_S3_USE_SSL"); v != "" {
		cfg.Remote.S3.UseSSL = v == "true" || v == "1"
	}

	// Sync
	if v := os.Getenv("CHARTSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.AutoInterval = Duration(d)
		}
	}

	// Server
	if v := os.Getenv("CHARTSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CHARTSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CHARTSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CHARTSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CHARTSYNC_SERVER_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Log
	if v := os.Getenv("CHARTSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHARTSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	switch c.Remote.Backend {
	case BackendHTTP, BackendS3:
	default:
		return fmt.Errorf("unknown remote backend %q (want %q or %q)",
			c.Remote.Backend, BackendHTTP, BackendS3)
	}

	if c.Remote.Backend == BackendS3 {
		if c.Remote.S3.Endpoint == "" {
			return fmt.Errorf("s3 backend requires CHARTSYNC_S3_ENDPOINT or remote.s3.endpoint")
		}
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires CHARTSYNC_S3_BUCKET or remote.s3.bucket")
		}
	}

	if c.Sync.AutoInterval <= 0 {
		return fmt.Errorf("sync auto_interval must be positive")
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
