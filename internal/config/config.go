package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	KV        KVConfig        `koanf:"kv"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	NATS      NATSConfig      `koanf:"nats"`
	Edge      EdgeConfig      `koanf:"edge"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Email     EmailConfig     `koanf:"email"`
	Billing   BillingConfig   `koanf:"billing"`
	App       AppConfig       `koanf:"app"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            string        `koanf:"port" validate:"required"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	DBName          string        `koanf:"dbname" validate:"required"`
	SSLMode         string        `koanf:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns        int32         `koanf:"max_conns" validate:"gte=1"`
	MinConns        int32         `koanf:"min_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	Migrate         bool          `koanf:"migrate"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host      string `koanf:"host"`
	Port      string `koanf:"port"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// KVConfig selects the KeyValueStore backend.
type KVConfig struct {
	// Driver is redis, badger or memory.
	Driver     string `koanf:"driver" validate:"oneof=redis badger memory"`
	BadgerPath string `koanf:"badger_path"`
}

// AnalyticsConfig selects the analytics sink.
type AnalyticsConfig struct {
	// Driver is duckdb or none.
	Driver     string `koanf:"driver" validate:"oneof=duckdb none"`
	DuckDBPath string `koanf:"duckdb_path"`
}

// NATSConfig configures the JetStream job queue.
type NATSConfig struct {
	URL        string        `koanf:"url" validate:"required"`
	Stream     string        `koanf:"stream" validate:"required"`
	Subject    string        `koanf:"subject" validate:"required"`
	Durable    string        `koanf:"durable" validate:"required"`
	BatchSize  int           `koanf:"batch_size" validate:"gte=1"`
	FetchWait  time.Duration `koanf:"fetch_wait"`
	MaxDeliver int           `koanf:"max_deliver" validate:"gte=1"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

// EdgeConfig drives the public redirect path.
type EdgeConfig struct {
	DefaultDomain string `koanf:"default_domain" validate:"required,hostname_rfc1123"`
	// FallbackToDefaultDomain retries a miss on DefaultDomain.
	FallbackToDefaultDomain bool `koanf:"fallback_to_default_domain"`
	// FallbackDomains restricts the fallback to these hosts when non-empty.
	FallbackDomains []string      `koanf:"fallback_domains"`
	IdentitySalt    string        `koanf:"identity_salt"`
	DedupTTL        time.Duration `koanf:"dedup_ttl"`
	RecentClickTTL  time.Duration `koanf:"recent_click_ttl"`
	HonorDNT        bool          `koanf:"honor_dnt"`
	VerifyPath      string        `koanf:"verify_path"`
	DetachedTimeout time.Duration `koanf:"detached_timeout"`
	RedirectDelay   time.Duration `koanf:"redirect_delay"`
}

// SchedulerConfig controls background jobs.
type SchedulerConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Timezone string `koanf:"timezone"`

	DailySpec  string `koanf:"daily_spec" validate:"required"`
	HealthSpec string `koanf:"health_spec" validate:"required"`
	DripSpec   string `koanf:"drip_spec" validate:"required"`

	// SweepLookback of zero sweeps every expired link.
	SweepLookback          time.Duration `koanf:"sweep_lookback"`
	HealthBatchSize        int           `koanf:"health_batch_size" validate:"gte=1"`
	HealthRecheckAfter     time.Duration `koanf:"health_recheck_after"`
	HealthProbeDelay       time.Duration `koanf:"health_probe_delay"`
	HealthProbeTimeout     time.Duration `koanf:"health_probe_timeout"`
	HealthMaxLinksPerEmail int           `koanf:"health_max_links_per_email" validate:"gte=1"`
	DripBatchSize          int           `koanf:"drip_batch_size" validate:"gte=1"`
	DripEnrollWindow       time.Duration `koanf:"drip_enroll_window"`
	InactiveAfter          time.Duration `koanf:"inactive_after"`
}

// EmailConfig configures the Resend sender. An empty BaseURL uses the public API.
type EmailConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	From    string        `koanf:"from"`
	Timeout time.Duration `koanf:"timeout"`
}

// BillingConfig configures the payment provider.
type BillingConfig struct {
	StripeAPIKey  string `koanf:"stripe_api_key"`
	StripeBaseURL string `koanf:"stripe_base_url"`
}

// AppConfig holds application-specific settings.
type AppConfig struct {
	Environment        string `koanf:"environment"`
	LogLevel           string `koanf:"log_level"`
	LogFormat          string `koanf:"log_format" validate:"oneof=json console"`
	BaseURL            string `koanf:"base_url" validate:"omitempty,httpurl"`
	RateLimitEnabled   bool   `koanf:"rate_limit_enabled"`
	RateLimitPerMinute int    `koanf:"rate_limit_per_minute" validate:"gte=1"`
	EnableMetrics      bool   `koanf:"enable_metrics"`
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Location resolves the scheduler timezone, defaulting to UTC.
func (c *SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
