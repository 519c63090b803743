package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Klaviyo   KlaviyoConfig   `mapstructure:"klaviyo"`
	Sync      SyncConfig      `mapstructure:"sync"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnString builds a postgres:// URL from the individual settings.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

type KlaviyoConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	ListID      string        `mapstructure:"list_id"`
	BaseURL     string        `mapstructure:"base_url"`
	Revision    string        `mapstructure:"revision"`
	Mode        string        `mapstructure:"mode"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type SyncConfig struct {
	// Hour of day (0-23) in Timezone at which the daily cycle runs.
	Hour         int           `mapstructure:"hour"`
	Timezone     string        `mapstructure:"timezone"`
	Concurrency  int           `mapstructure:"concurrency"`
	SoftDeadline time.Duration `mapstructure:"soft_deadline"`
	// GuardMode is "reject" or "collapse".
	GuardMode string `mapstructure:"guard_mode"`
	Enabled   bool   `mapstructure:"enabled"`
}

// Location resolves the configured time zone.
func (s SyncConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid sync.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	LockEnabled bool          `mapstructure:"lock_enabled"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
}

type WebhookConfig struct {
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "./data/bridge.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "bridge")
	v.SetDefault("database.postgres.user", "bridge")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("klaviyo.api_key", "")
	v.SetDefault("klaviyo.list_id", "")
	v.SetDefault("klaviyo.base_url", "https://a.klaviyo.com/api")
	v.SetDefault("klaviyo.revision", "2024-10-15")
	v.SetDefault("klaviyo.mode", "simple")
	v.SetDefault("klaviyo.timeout", "30s")
	v.SetDefault("klaviyo.max_attempts", 3)
	v.SetDefault("klaviyo.base_backoff", "1s")
	v.SetDefault("klaviyo.max_backoff", "60s")
	v.SetDefault("sync.hour", 0)
	v.SetDefault("sync.timezone", "Europe/Amsterdam")
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.soft_deadline", "30m")
	v.SetDefault("sync.guard_mode", "collapse")
	v.SetDefault("sync.enabled", true)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 150)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.lock_enabled", false)
	v.SetDefault("redis.lock_ttl", "1h")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.token", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_body_bytes", 1048576)
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "1h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// in the working directory, and BRIDGE_* environment variables, in increasing
// order of precedence.
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables are never overwritten
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/salonhub-bridge")
	}

	// Environment variables override, e.g. BRIDGE_KLAVIYO_API_KEY
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that cannot be fixed up with a default.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver))
	}

	switch strings.ToLower(c.Klaviyo.Mode) {
	case "simple", "extended":
	default:
		errs = append(errs, fmt.Errorf("klaviyo.mode must be simple or extended, got %q", c.Klaviyo.Mode))
	}

	if c.Klaviyo.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("klaviyo.max_attempts must be at least 1"))
	}

	if c.Sync.Hour < 0 || c.Sync.Hour > 23 {
		errs = append(errs, fmt.Errorf("sync.hour must be between 0 and 23, got %d", c.Sync.Hour))
	}

	if _, err := c.Sync.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1"))
	}

	switch c.Sync.GuardMode {
	case "reject", "collapse":
	default:
		errs = append(errs, fmt.Errorf("sync.guard_mode must be reject or collapse, got %q", c.Sync.GuardMode))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		errs = append(errs, fmt.Errorf("ratelimit.requests and ratelimit.window must be positive"))
	}

	// the lock is refreshed while a cycle runs, but its TTL must still cover
	// a whole cycle if one refresh is missed
	if c.Redis.LockEnabled && c.Redis.LockTTL <= c.Sync.SoftDeadline {
		errs = append(errs, fmt.Errorf("redis.lock_ttl (%s) must be longer than sync.soft_deadline (%s)",
			c.Redis.LockTTL, c.Sync.SoftDeadline))
	}

	return errors.Join(errs...)
}
