// Package config loads client settings from defaults, a config file, .env
// files and FIELDSYNC_* environment variables, in increasing precedence.
// Command-line flags bound to the same viper instance override all of them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cerdas-survey/fieldsync/internal/engine"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. FIELDSYNC_BASE_URL
	// or FIELDSYNC_SYNC_MAX_RETRIES.
	EnvPrefix = "FIELDSYNC"

	// FileName is the config file base name looked up in the data dir.
	FileName = "fieldsync"

	// DatabaseFile is the SQLite file inside the data dir.
	DatabaseFile = "fieldsync.db"
)

// Config is the resolved client configuration.
type Config struct {
	DataDir     string        `mapstructure:"data_dir" yaml:"data_dir"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`

	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Feed   FeedConfig   `mapstructure:"feed" yaml:"feed"`
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// SyncConfig holds engine tuning and background intervals.
type SyncConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	FailedCooldown time.Duration `mapstructure:"failed_cooldown" yaml:"failed_cooldown"`
	DrainInterval  time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
	DeltaInterval  time.Duration `mapstructure:"delta_interval" yaml:"delta_interval"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// FeedConfig configures the event feed server.
type FeedConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// BackupConfig configures database backups.
type BackupConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	UsePathStyle    bool   `mapstructure:"path_style" yaml:"path_style"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

// New returns a viper instance with defaults and environment binding set up.
// Bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	t := engine.DefaultTuning()
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("base_url", "")
	v.SetDefault("http_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)

	v.SetDefault("sync.max_retries", t.MaxRetries)
	v.SetDefault("sync.initial_backoff", t.InitialBackoff)
	v.SetDefault("sync.max_backoff", t.MaxBackoff)
	v.SetDefault("sync.failed_cooldown", t.FailedCooldown)
	v.SetDefault("sync.drain_interval", t.Interval)
	v.SetDefault("sync.delta_interval", 5*time.Minute)
	v.SetDefault("sync.ping_interval", 10*time.Second)
	v.SetDefault("sync.request_timeout", 30*time.Second)

	v.SetDefault("feed.addr", "127.0.0.1:7420")

	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.prefix", "fieldsync/")
	v.SetDefault("backup.access_key_id", "")
	v.SetDefault("backup.secret_access_key", "")
	v.SetDefault("backup.path_style", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads .env files from the given directories. Existing
// environment variables win; missing files are skipped.
func LoadDotEnv(dirs ...string) error {
	for _, dir := range dirs {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load resolves the configuration. path names an explicit config file; when
// empty, fieldsync.{toml,yaml,json} is looked up in the data dir and its
// absence is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile resolves the configuration with a fresh viper instance.
func LoadFile(path string) (*Config, error) {
	return Load(New(), path)
}

// LoadTuning reads engine tuning from a config file. It is used to reload
// tuning when the file changes.
func LoadTuning(path string) (engine.Tuning, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return engine.Tuning{}, err
	}
	return cfg.Tuning(), nil
}

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an http(s) URL, got %q", c.BaseURL)
		}
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// Tuning returns the engine tuning described by the config.
func (c *Config) Tuning() engine.Tuning {
	return engine.Tuning{
		MaxRetries:     c.Sync.MaxRetries,
		InitialBackoff: c.Sync.InitialBackoff,
		MaxBackoff:     c.Sync.MaxBackoff,
		FailedCooldown: c.Sync.FailedCooldown,
		Interval:       c.Sync.DrainInterval,
	}
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}
