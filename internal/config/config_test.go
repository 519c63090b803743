package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Klaviyo.BaseURL != "https://a.klaviyo.com/api" {
		t.Errorf("Klaviyo.BaseURL = %q", cfg.Klaviyo.BaseURL)
	}
	if cfg.Klaviyo.Revision != "2024-10-15" {
		t.Errorf("Klaviyo.Revision = %q, want 2024-10-15", cfg.Klaviyo.Revision)
	}
	if cfg.Klaviyo.Mode != "simple" {
		t.Errorf("Klaviyo.Mode = %q, want simple", cfg.Klaviyo.Mode)
	}
	if cfg.Klaviyo.MaxAttempts != 3 {
		t.Errorf("Klaviyo.MaxAttempts = %d, want 3", cfg.Klaviyo.MaxAttempts)
	}
	if cfg.Klaviyo.BaseBackoff != time.Second {
		t.Errorf("Klaviyo.BaseBackoff = %v, want 1s", cfg.Klaviyo.BaseBackoff)
	}
	if cfg.Klaviyo.Timeout != 30*time.Second {
		t.Errorf("Klaviyo.Timeout = %v, want 30s", cfg.Klaviyo.Timeout)
	}
	if cfg.Sync.Hour != 0 {
		t.Errorf("Sync.Hour = %d, want 0", cfg.Sync.Hour)
	}
	if cfg.Sync.GuardMode != "collapse" {
		t.Errorf("Sync.GuardMode = %q, want collapse", cfg.Sync.GuardMode)
	}
	if cfg.Sync.SoftDeadline != 30*time.Minute {
		t.Errorf("Sync.SoftDeadline = %v, want 30m", cfg.Sync.SoftDeadline)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit.Window = %v, want 1m", cfg.RateLimit.Window)
	}
	if cfg.Webhook.MaxBodyBytes != 1048576 {
		t.Errorf("Webhook.MaxBodyBytes = %d, want 1048576", cfg.Webhook.MaxBodyBytes)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_KLAVIYO_API_KEY", "pk_test_123")
	t.Setenv("BRIDGE_KLAVIYO_MODE", "extended")
	t.Setenv("BRIDGE_SYNC_HOUR", "3")
	t.Setenv("BRIDGE_DATABASE_DRIVER", "postgres")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Klaviyo.APIKey != "pk_test_123" {
		t.Errorf("Klaviyo.APIKey = %q, want pk_test_123", cfg.Klaviyo.APIKey)
	}
	if cfg.Klaviyo.Mode != "extended" {
		t.Errorf("Klaviyo.Mode = %q, want extended", cfg.Klaviyo.Mode)
	}
	if cfg.Sync.Hour != 3 {
		t.Errorf("Sync.Hour = %d, want 3", cfg.Sync.Hour)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	content := `
klaviyo:
  list_id: "XyZ123"
  mode: extended
sync:
  timezone: UTC
  concurrency: 8
  guard_mode: reject
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Klaviyo.ListID != "XyZ123" {
		t.Errorf("Klaviyo.ListID = %q, want XyZ123", cfg.Klaviyo.ListID)
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Sync.Concurrency = %d, want 8", cfg.Sync.Concurrency)
	}
	if cfg.Sync.GuardMode != "reject" {
		t.Errorf("Sync.GuardMode = %q, want reject", cfg.Sync.GuardMode)
	}
	loc, err := cfg.Sync.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Sync.Location() = %v, %v; want UTC", loc, err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:  DatabaseConfig{Driver: "sqlite"},
			Klaviyo:   KlaviyoConfig{Mode: "simple", MaxAttempts: 3},
			Sync:      SyncConfig{Hour: 0, Timezone: "UTC", Concurrency: 1, GuardMode: "reject"},
			RateLimit: RateLimitConfig{Enabled: false},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"bad mode", func(c *Config) { c.Klaviyo.Mode = "full" }, "klaviyo.mode"},
		{"zero attempts", func(c *Config) { c.Klaviyo.MaxAttempts = 0 }, "klaviyo.max_attempts"},
		{"hour out of range", func(c *Config) { c.Sync.Hour = 24 }, "sync.hour"},
		{"bad timezone", func(c *Config) { c.Sync.Timezone = "Mars/Olympus" }, "sync.timezone"},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "sync.concurrency"},
		{"bad guard mode", func(c *Config) { c.Sync.GuardMode = "queue" }, "sync.guard_mode"},
		{"rate limit without window", func(c *Config) {
			c.RateLimit = RateLimitConfig{Enabled: true, Requests: 10}
		}, "ratelimit"},
		{"lock ttl shorter than cycle", func(c *Config) {
			c.Sync.SoftDeadline = 30 * time.Minute
			c.Redis = RedisConfig{LockEnabled: true, LockTTL: 30 * time.Minute}
		}, "redis.lock_ttl"},
		{"lock ttl ignored when lock disabled", func(c *Config) {
			c.Sync.SoftDeadline = 30 * time.Minute
			c.Redis = RedisConfig{LockTTL: time.Minute}
		}, ""},
		{"lock ttl longer than cycle", func(c *Config) {
			c.Sync.SoftDeadline = 30 * time.Minute
			c.Redis = RedisConfig{LockEnabled: true, LockTTL: time.Hour}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "bridge", User: "u", Password: "p", SSLMode: "disable"}
	want := "postgres://u:p@db:5432/bridge?sslmode=disable"
	if got := p.ConnString(); got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}
}
