// Package config provides configuration management for NebulaGuard.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEBULAGUARD_* prefix)
//  3. Configuration file (nebulaguard.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/nebulaguard/nebulaguard.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// Config holds all configuration for NebulaGuard.
type Config struct {
	// Data storage
	DataDir string `mapstructure:"data_dir"`

	// Network ports
	AdminPort int `mapstructure:"admin_port"`

	Engine        EngineConfig       `mapstructure:"engine"`
	Store         StoreConfig        `mapstructure:"store"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Auth          AuthConfig         `mapstructure:"auth"`
	RateLimit     RateLimitConfig    `mapstructure:"rate_limit"`
	Sources       SourcesConfig      `mapstructure:"sources"`

	// CORSOrigins lists origins allowed to call the admin API from a browser
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// EngineConfig configures the scan coordinator and rule loading.
type EngineConfig struct {
	// MaxConcurrentScans bounds scans running at once; 0 is unbounded
	MaxConcurrentScans int `mapstructure:"max_concurrent_scans"`

	// DefaultUnitSize is the nominal byte size of a unit with no known size
	DefaultUnitSize int64 `mapstructure:"default_unit_size"`

	// BuiltinRules installs the built-in patterns and policies
	BuiltinRules bool `mapstructure:"builtin_rules"`

	// BundlePath is a YAML bundle of extra patterns and policies
	BundlePath string `mapstructure:"bundle_path"`

	// WatchBundle reloads the bundle when the file changes
	WatchBundle bool `mapstructure:"watch_bundle"`
}

// StoreConfig configures the badger persistence layer.
type StoreConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InMemory bool   `mapstructure:"in_memory"`
	Dir      string `mapstructure:"dir"`
}

// NotificationConfig configures violation notifications.
type NotificationConfig struct {
	// MinSeverity drops violations below this severity
	MinSeverity string `mapstructure:"min_severity"`

	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`

	Redis RedisNotificationConfig `mapstructure:"redis"`

	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisNotificationConfig configures the Redis notification target.
type RedisNotificationConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	Stream   string `mapstructure:"stream"`
}

// Enabled reports whether any notification target is configured.
func (c NotificationConfig) Enabled() bool {
	return c.WebhookURL != "" || c.Redis.Address != ""
}

// AuthConfig holds authentication configuration. An empty JWTSecret leaves
// the admin API open.
type AuthConfig struct {
	JWTSecret    string      `mapstructure:"jwt_secret"`
	RootUser     string      `mapstructure:"root_user"`
	RootPassword string      `mapstructure:"root_password"`
	Users        []auth.User `mapstructure:"users"`

	// TokenExpiry in minutes
	TokenExpiry int `mapstructure:"token_expiry"`
}

// RateLimitConfig configures per-client request rate limiting.
type RateLimitConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	BurstSize         int      `mapstructure:"burst_size"`
	TrustedProxies    []string `mapstructure:"trusted_proxies"`
}

// SourcesConfig configures the source producers.
type SourcesConfig struct {
	Email         EmailSourceConfig         `mapstructure:"email"`
	Database      DatabaseSourceConfig      `mapstructure:"database"`
	ObjectStorage ObjectStorageSourceConfig `mapstructure:"object_storage"`
}

// EmailSourceConfig configures the mailbox producer.
type EmailSourceConfig struct {
	// Root is the mailbox directory used when a scan names no target path
	Root string `mapstructure:"root"`
}

// DatabaseSourceConfig configures the database producer.
type DatabaseSourceConfig struct {
	Driver           string            `mapstructure:"driver"`
	DSN              string            `mapstructure:"dsn"`
	Connections      map[string]string `mapstructure:"connections"`
	AllowCustomQuery bool              `mapstructure:"allow_custom_query"`
	MaxRows          int               `mapstructure:"max_rows"`
}

// ObjectStorageSourceConfig configures the object storage producer.
type ObjectStorageSourceConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	AllowedEndpoints []string `mapstructure:"allowed_endpoints"`
}

// Options are command line overrides.
type Options struct {
	DataDir   string
	AdminPort int
	LogLevel  string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// Apply command line options
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.AdminPort != 0 {
		v.Set("admin_port", opts.AdminPort)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nebulaguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nebulaguard")
		v.AddConfigPath("$HOME/.nebulaguard")

		// A missing file is fine; a broken one is not.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("NEBULAGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("admin_port", 9100)
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{})

	// Engine defaults
	v.SetDefault("engine.max_concurrent_scans", 4)
	v.SetDefault("engine.default_unit_size", dlp.DefaultUnitSize)
	v.SetDefault("engine.builtin_rules", true)
	v.SetDefault("engine.bundle_path", "")
	v.SetDefault("engine.watch_bundle", false)

	// Store defaults
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.dir", "")

	// Notification defaults
	v.SetDefault("notifications.min_severity", "")
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.webhook_secret", "")
	v.SetDefault("notifications.redis.address", "")
	v.SetDefault("notifications.redis.password", "")
	v.SetDefault("notifications.redis.db", 0)
	v.SetDefault("notifications.redis.channel", "nebulaguard:violations")
	v.SetDefault("notifications.redis.stream", "")
	v.SetDefault("notifications.queue_size", 1000)
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.timeout", 10*time.Second)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.root_user", "admin")
	v.SetDefault("auth.root_password", "")
	v.SetDefault("auth.token_expiry", 720)

	// Rate limiting defaults
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst_size", 100)
	v.SetDefault("rate_limit.trusted_proxies", []string{})

	// Source defaults
	v.SetDefault("sources.email.root", "")
	v.SetDefault("sources.database.driver", "postgres")
	v.SetDefault("sources.database.dsn", "")
	v.SetDefault("sources.database.allow_custom_query", false)
	v.SetDefault("sources.database.max_rows", 10000)
	v.SetDefault("sources.object_storage.endpoint", "")
	v.SetDefault("sources.object_storage.access_key", "")
	v.SetDefault("sources.object_storage.secret_key", "")
	v.SetDefault("sources.object_storage.region", "us-east-1")
	v.SetDefault("sources.object_storage.use_ssl", true)
}

func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "store")
	}

	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}

	if c.Engine.MaxConcurrentScans < 0 {
		return fmt.Errorf("engine.max_concurrent_scans must not be negative")
	}

	if c.Engine.DefaultUnitSize <= 0 {
		return fmt.Errorf("engine.default_unit_size must be positive")
	}

	if c.Engine.WatchBundle && c.Engine.BundlePath == "" {
		return fmt.Errorf("engine.watch_bundle requires engine.bundle_path")
	}

	if s := c.Notifications.MinSeverity; s != "" && dlp.Severity(s).Rank() == 0 {
		return fmt.Errorf("unknown notifications.min_severity %q", s)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}

	if c.Auth.JWTSecret != "" && c.Auth.RootPassword != "" {
		if err := auth.ValidatePasswordStrength(c.Auth.RootPassword); err != nil {
			return fmt.Errorf("invalid root password: %w. Set via NEBULAGUARD_AUTH_ROOT_PASSWORD environment variable", err)
		}
	}

	return nil
}

// AuthServiceConfig converts the auth section for auth.NewService.
func (c *Config) AuthServiceConfig() auth.Config {
	return auth.Config{
		JWTSecret:    c.Auth.JWTSecret,
		RootUser:     c.Auth.RootUser,
		RootPassword: c.Auth.RootPassword,
		Users:        c.Auth.Users,
		TokenExpiry:  time.Duration(c.Auth.TokenExpiry) * time.Minute,
	}
}

// Watch calls onChange with the reloaded configuration whenever the config
// file changes. Invalid edits are logged and skipped.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}

	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")

		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Msg("Ignoring invalid config change")
			return
		}

		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}
