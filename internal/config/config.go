// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Auth         AuthConfig                  `mapstructure:"auth"`
	Planner      PlannerConfig               `mapstructure:"planner"`
	Pool         PoolConfig                  `mapstructure:"pool"`
	Session      SessionConfig               `mapstructure:"session"`
	RateLimit    RateLimitConfig             `mapstructure:"ratelimit"`
	Browser      BrowserConfig               `mapstructure:"browser"`
	Solver       SolverConfig                `mapstructure:"solver"`
	DB           DBConfig                    `mapstructure:"db"`
	Storage      StorageConfig               `mapstructure:"storage"`
	PubSub       PubSubConfig                `mapstructure:"pubsub"`
	Logging      LoggingConfig               `mapstructure:"logging"`
	StandardJobs map[string]engine.JobParams `mapstructure:"standard_jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PlannerConfig bounds job admission.
type PlannerConfig struct {
	DefaultSource    string `mapstructure:"default_source"`
	MaxTargetsPerJob int    `mapstructure:"max_targets_per_job"`
	QueueCeiling     int    `mapstructure:"queue_ceiling"`
}

// PoolConfig governs the worker pool and retry policy.
type PoolConfig struct {
	Slots            int `mapstructure:"slots"`
	LeaseSeconds     int `mapstructure:"lease_seconds"`
	ReaperIntervalMs int `mapstructure:"reaper_interval_ms"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffBaseMs    int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	IdleWaitMaxMs    int `mapstructure:"idle_wait_max_ms"`
}

// SessionConfig shapes a single scraper session.
type SessionConfig struct {
	PageLoadTimeoutSec int `mapstructure:"page_load_timeout_seconds"`
	MaxListPages       int `mapstructure:"max_list_pages"`
	DetailDelayMinMs   int `mapstructure:"detail_delay_min_ms"`
	DetailDelayMaxMs   int `mapstructure:"detail_delay_max_ms"`
}

// RateLimitConfig controls per-domain pacing and block cooldowns.
type RateLimitConfig struct {
	MinIntervalMs      int `mapstructure:"min_interval_ms"`
	MaxIntervalMs      int `mapstructure:"max_interval_ms"`
	WindowSeconds      int `mapstructure:"window_seconds"`
	WindowMaxRequests  int `mapstructure:"window_max_requests"`
	CooldownBaseSec    int `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSec     int `mapstructure:"cooldown_max_seconds"`
	QuietResetSec      int `mapstructure:"quiet_reset_seconds"`
	EscalateAfterBlock int `mapstructure:"escalate_after_blocks"`
}

// BrowserConfig configures the headless automation runtime.
type BrowserConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// SolverConfig points at the external challenge solver.
type SolverConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// StorageConfig sets the snapshot store destination.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the external progress topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("planner.default_source", "https://www.yellowpages.com")
	v.SetDefault("planner.max_targets_per_job", 200)
	v.SetDefault("planner.queue_ceiling", 2000)
	v.SetDefault("pool.slots", 4)
	v.SetDefault("pool.lease_seconds", 300)
	v.SetDefault("pool.reaper_interval_ms", 15000)
	v.SetDefault("pool.max_attempts", 3)
	v.SetDefault("pool.backoff_base_ms", 2000)
	v.SetDefault("pool.backoff_max_ms", 120000)
	v.SetDefault("pool.idle_wait_max_ms", 30000)
	v.SetDefault("session.page_load_timeout_seconds", 30)
	v.SetDefault("session.max_list_pages", 5)
	v.SetDefault("session.detail_delay_min_ms", 800)
	v.SetDefault("session.detail_delay_max_ms", 2500)
	v.SetDefault("ratelimit.min_interval_ms", 1500)
	v.SetDefault("ratelimit.max_interval_ms", 4000)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.window_max_requests", 30)
	v.SetDefault("ratelimit.cooldown_base_seconds", 60)
	v.SetDefault("ratelimit.cooldown_max_seconds", 3600)
	v.SetDefault("ratelimit.quiet_reset_seconds", 1800)
	v.SetDefault("ratelimit.escalate_after_blocks", 3)
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (X11; Linux x86_64) leadcrawler/1.0")
	v.SetDefault("solver.timeout_seconds", 90)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Slots <= 0 {
		return fmt.Errorf("pool.slots must be > 0")
	}
	if c.Pool.MaxAttempts <= 0 {
		return fmt.Errorf("pool.max_attempts must be > 0")
	}
	if c.Planner.QueueCeiling <= 0 {
		return fmt.Errorf("planner.queue_ceiling must be > 0")
	}
	if c.Planner.MaxTargetsPerJob <= 0 {
		return fmt.Errorf("planner.max_targets_per_job must be > 0")
	}
	if c.Session.PageLoadTimeoutSec <= 0 {
		return fmt.Errorf("session.page_load_timeout_seconds must be > 0")
	}
	if c.RateLimit.MinIntervalMs > c.RateLimit.MaxIntervalMs {
		return fmt.Errorf("ratelimit.min_interval_ms must be <= ratelimit.max_interval_ms")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// LeaseTTL returns the worker lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Pool.LeaseSeconds) * time.Second
}

// PageLoadTimeout returns the hard per-page-load budget.
func (c Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.Session.PageLoadTimeoutSec) * time.Second
}
