// Package config loads and validates registrar configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	Redis        RedisConfig        `mapstructure:"redis"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Billing      BillingConfig      `mapstructure:"billing"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	MaxUploadMB           int `mapstructure:"max_upload_mb"`
}

// AuthConfig defines bearer token verification.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// JobsConfig sizes the bulk-upload manager.
type JobsConfig struct {
	Workers        int `mapstructure:"workers"`
	RowConcurrency int `mapstructure:"row_concurrency"`
	QueueDepth     int `mapstructure:"queue_depth"`
}

// CrawlerConfig governs crawl dispatch and static fetching.
type CrawlerConfig struct {
	Workers         int      `mapstructure:"workers"`
	ItemConcurrency int      `mapstructure:"item_concurrency"`
	QueueDepth      int      `mapstructure:"queue_depth"`
	UserAgent       string   `mapstructure:"user_agent"`
	RateLimit       bool     `mapstructure:"rate_limit"`
	PerDomainRPS    float64  `mapstructure:"per_domain_rps"`
	PerDomainBurst  int      `mapstructure:"per_domain_burst"`
	IgnoreRobots    bool     `mapstructure:"ignore_robots"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
	BlockedDomains  []string `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// RegistrationConfig points at the product registration API.
type RegistrationConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	TokenURL          string  `mapstructure:"token_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RetryConfig bounds per-unit retries.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig points at the Redis used for sessions and payment locks.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PaymentConfig points at the payment gateway.
type PaymentConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

// BillingConfig tunes usage windows and alerts.
type BillingConfig struct {
	UsagePeriodDays int `mapstructure:"usage_period_days"`
	WarnPercent     int `mapstructure:"warn_percent"`
}

// SchedulerConfig holds cron specs for periodic sweeps.
type SchedulerConfig struct {
	UsageSweepCron    string `mapstructure:"usage_sweep_cron"`
	ExpirySweepCron   string `mapstructure:"expiry_sweep_cron"`
	CrawlScheduleCron string `mapstructure:"crawl_schedule_cron"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGISTRAR")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "bulk-registrar")
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.row_concurrency", 5)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.item_concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "bulk-registrar-bot/0.1")
	v.SetDefault("crawler.rate_limit", true)
	v.SetDefault("crawler.per_domain_rps", 1.0)
	v.SetDefault("crawler.per_domain_burst", 2)
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.blocked_domains", []string{"localhost", "*.local", "*.internal"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("registration.base_url", "https://api.commerce.naver.com/external/v2/")
	v.SetDefault("registration.token_url", "https://api.commerce.naver.com/external/v1/oauth2/token")
	v.SetDefault("registration.timeout_seconds", 30)
	v.SetDefault("registration.requests_per_second", 2.0)
	v.SetDefault("registration.burst", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.key_prefix", "registrar")
	v.SetDefault("pubsub.topic_name", "registrar-events")
	v.SetDefault("payment.base_url", "https://api.portone.io")
	v.SetDefault("payment.timeout_seconds", 30)
	v.SetDefault("payment.lock_ttl_seconds", 30)
	v.SetDefault("billing.usage_period_days", 30)
	v.SetDefault("billing.warn_percent", 80)
	v.SetDefault("scheduler.usage_sweep_cron", "@every 1h")
	v.SetDefault("scheduler.expiry_sweep_cron", "@every 1h")
	v.SetDefault("scheduler.crawl_schedule_cron", "@every 5m")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Jobs.Workers <= 0 || c.Jobs.RowConcurrency <= 0 {
		return errors.New("jobs.workers and jobs.row_concurrency must be > 0")
	}
	if c.Crawler.Workers <= 0 || c.Crawler.ItemConcurrency <= 0 {
		return errors.New("crawler.workers and crawler.item_concurrency must be > 0")
	}
	if c.Crawler.RateLimit && c.Crawler.PerDomainRPS <= 0 {
		return errors.New("crawler.per_domain_rps must be > 0 when rate limiting is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set when auth is enabled")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Billing.UsagePeriodDays <= 0 {
		return errors.New("billing.usage_period_days must be > 0")
	}
	if c.Billing.WarnPercent <= 0 || c.Billing.WarnPercent >= 100 {
		return errors.New("billing.warn_percent must be between 1 and 99")
	}
	return nil
}

// UsagePeriod returns the quota window length.
func (c Config) UsagePeriod() time.Duration {
	return time.Duration(c.Billing.UsagePeriodDays) * 24 * time.Hour
}

// RetryBackoff returns the configured base and cap for retry backoff.
func (c Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// CrawlTimeout returns the static fetch timeout.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
