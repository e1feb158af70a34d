package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendType identifies the remote document store
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendNATS   BackendType = "nats"
	BackendSQLite BackendType = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Profile ProfileConfig `mapstructure:"profile"`
}

// RemoteConfig holds document store configuration
type RemoteConfig struct {
	Backend    BackendType   `mapstructure:"backend"`     // "memory", "nats" or "sqlite"
	URL        string        `mapstructure:"url"`         // NATS server URL
	Bucket     string        `mapstructure:"bucket"`      // KV bucket prefix (NATS only)
	SQLitePath string        `mapstructure:"sqlite_path"` // database file (sqlite only)
	Namespace  string        `mapstructure:"namespace"`   // isolates documents per app
	Timeout    time.Duration `mapstructure:"timeout"`     // per remote call

	// Circuit breaker
	BreakerFailures uint32        `mapstructure:"breaker_failures"` // consecutive failures before opening
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`  // open -> half-open delay
}

// CacheConfig holds local cache configuration
type CacheConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
	QueryTTL   time.Duration `mapstructure:"query_ttl"`
}

// SyncConfig holds sync queue configuration
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// StorageConfig holds durable local storage configuration
type StorageConfig struct {
	Dir string `mapstructure:"dir"` // empty = memory only
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. ":9090"; empty disables
}

// ProfileConfig holds public page settings
type ProfileConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

var envReplacer = strings.NewReplacer(".", "_")

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Backend:         BackendSQLite,
			Bucket:          "biolink",
			SQLitePath:      filepath.Join(defaultDataPath(), "remote.db"),
			Namespace:       "default",
			Timeout:         10 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTL:        5 * time.Minute,
			QueryTTL:   1 * time.Minute,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			ProbeInterval:  15 * time.Second,
		},
		Storage: StorageConfig{
			Dir: defaultCachePath(),
		},
		Logging: LoggingConfig{
			File:  filepath.Join(defaultDataPath(), "biolink.log"),
			Level: "INFO",
		},
		Profile: ProfileConfig{
			BaseURL: "https://bio.link",
		},
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "biolink")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "biolink")
	}
}

// defaultConfigPath returns the default config file path for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "biolink")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "biolink")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "biolink", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "biolink", "cache")
	}
}

// LoadConfig loads configuration from file and environment.
// An explicit path overrides the search directories.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. BIOLINK_REMOTE_BACKEND
	v.SetEnvPrefix("BIOLINK")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK when searching, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override values
// that are missing from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("remote.backend", cfg.Remote.Backend)
	v.SetDefault("remote.url", cfg.Remote.URL)
	v.SetDefault("remote.bucket", cfg.Remote.Bucket)
	v.SetDefault("remote.sqlite_path", cfg.Remote.SQLitePath)
	v.SetDefault("remote.namespace", cfg.Remote.Namespace)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.breaker_failures", cfg.Remote.BreakerFailures)
	v.SetDefault("remote.breaker_timeout", cfg.Remote.BreakerTimeout)

	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.query_ttl", cfg.Cache.QueryTTL)

	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.initial_backoff", cfg.Sync.InitialBackoff)
	v.SetDefault("sync.max_backoff", cfg.Sync.MaxBackoff)
	v.SetDefault("sync.probe_interval", cfg.Sync.ProbeInterval)

	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("profile.base_url", cfg.Profile.BaseURL)
}

// Validate checks values that would otherwise fail deep inside the sync layer
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendMemory, BackendSQLite:
	case BackendNATS:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q", c.Remote.Backend)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	return nil
}

// RemoteIdentity identifies the remote endpoint, used to keep local
// snapshots of different backends apart.
func (c *Config) RemoteIdentity() string {
	switch c.Remote.Backend {
	case BackendNATS:
		return string(c.Remote.Backend) + "://" + c.Remote.URL + "/" + c.Remote.Namespace
	case BackendSQLite:
		return string(c.Remote.Backend) + "://" + c.Remote.SQLitePath + "/" + c.Remote.Namespace
	default:
		return string(c.Remote.Backend) + "://" + c.Remote.Namespace
	}
}

// SaveConfig saves the configuration to the default config file
func SaveConfig(cfg *Config) error {
	configPath := defaultConfigPath()

	// Ensure config directory exists
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, cfg)

	configFile := filepath.Join(configPath, "config.yaml")
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ClearCache removes all locally persisted cache and queue snapshots.
// Unsynced offline writes are lost.
func ClearCache(cfg *Config) error {
	if cfg.Storage.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(cfg.Storage.Dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// GetCachePath returns the default cache directory path
func GetCachePath() string {
	return defaultCachePath()
}
