package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"go2-edge/pkg/validator"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are probed in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/go2/config.yaml",
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "go2",
			DBName:          "go2",
			SSLMode:         "disable",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		KV: KVConfig{
			Driver:     "redis",
			BadgerPath: "/data/kv",
		},
		Analytics: AnalyticsConfig{
			Driver:     "duckdb",
			DuckDBPath: "/data/analytics.duckdb",
		},
		NATS: NATSConfig{
			URL:        "nats://127.0.0.1:4222",
			Stream:     "JOBS",
			Subject:    "jobs.email",
			Durable:    "job-worker",
			BatchSize:  10,
			FetchWait:  5 * time.Second,
			MaxDeliver: 5,
			RetryDelay: 30 * time.Second,
		},
		Edge: EdgeConfig{
			DefaultDomain:           "go2.gg",
			FallbackToDefaultDomain: true,
			IdentitySalt:            "",
			DedupTTL:                time.Hour,
			RecentClickTTL:          24 * time.Hour,
			VerifyPath:              "/api/v1/public/links/verify",
			DetachedTimeout:         10 * time.Second,
			RedirectDelay:           1500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:                true,
			Timezone:               "UTC",
			DailySpec:              "0 3 * * *",
			HealthSpec:             "0 */4 * * *",
			DripSpec:               "*/5 * * * *",
			HealthBatchSize:        50,
			HealthRecheckAfter:     4 * time.Hour,
			HealthProbeDelay:       200 * time.Millisecond,
			HealthProbeTimeout:     10 * time.Second,
			HealthMaxLinksPerEmail: 10,
			DripBatchSize:          200,
			DripEnrollWindow:       5 * time.Minute,
			InactiveAfter:          14 * 24 * time.Hour,
		},
		Email: EmailConfig{
			BaseURL: "https://api.resend.com",
			From:    "go2 <notifications@go2.gg>",
			Timeout: 10 * time.Second,
		},
		Billing: BillingConfig{
			StripeBaseURL: "https://api.stripe.com",
		},
		App: AppConfig{
			Environment:        "development",
			LogLevel:           "info",
			LogFormat:          "json",
			BaseURL:            "https://go2.gg",
			RateLimitEnabled:   false,
			RateLimitPerMinute: 600,
			EnableMetrics:      true,
		},
	}
}

// Load layers defaults, an optional YAML file and environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitList(k, "edge.fallback_domains"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation plus cross-field checks.
func (c *Config) Validate() error {
	if err := validator.Struct().Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.KV.Driver == "redis" && c.Redis.Host == "" {
		errs = append(errs, errors.New("redis.host is required when kv.driver=redis"))
	}
	if c.App.RateLimitEnabled && c.Redis.Host == "" {
		errs = append(errs, errors.New("redis.host is required when app.rate_limit_enabled is set"))
	}
	if c.KV.Driver == "badger" && c.KV.BadgerPath == "" {
		errs = append(errs, errors.New("kv.badger_path is required when kv.driver=badger"))
	}
	if c.Analytics.Driver == "duckdb" && c.Analytics.DuckDBPath == "" {
		errs = append(errs, errors.New("analytics.duckdb_path is required when analytics.driver=duckdb"))
	}
	if c.Edge.DedupTTL <= 0 {
		errs = append(errs, errors.New("edge.dedup_ttl must be positive"))
	}
	if c.App.Environment == "production" && c.Edge.IdentitySalt == "" {
		errs = append(errs, errors.New("edge.identity_salt is required in production"))
	}
	if _, err := c.Scheduler.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	return errors.Join(errs...)
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// splitList turns a comma separated env value into a string slice.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

var envMappings = map[string]string{
	"server_port":             "server.port",
	"server_read_timeout":     "server.read_timeout",
	"server_write_timeout":    "server.write_timeout",
	"server_idle_timeout":     "server.idle_timeout",
	"server_shutdown_timeout": "server.shutdown_timeout",

	"db_host":              "database.host",
	"db_port":              "database.port",
	"db_user":              "database.user",
	"db_password":          "database.password",
	"db_name":              "database.dbname",
	"db_sslmode":           "database.sslmode",
	"db_max_conns":         "database.max_conns",
	"db_min_conns":         "database.min_conns",
	"db_conn_max_lifetime": "database.conn_max_lifetime",
	"db_migrate":           "database.migrate",

	"redis_host":       "redis.host",
	"redis_port":       "redis.port",
	"redis_password":   "redis.password",
	"redis_db":         "redis.db",
	"redis_key_prefix": "redis.key_prefix",

	"kv_driver":      "kv.driver",
	"kv_badger_path": "kv.badger_path",

	"analytics_driver": "analytics.driver",
	"duckdb_path":      "analytics.duckdb_path",

	"nats_url":         "nats.url",
	"nats_stream":      "nats.stream",
	"nats_subject":     "nats.subject",
	"nats_durable":     "nats.durable",
	"nats_batch_size":  "nats.batch_size",
	"nats_fetch_wait":  "nats.fetch_wait",
	"nats_max_deliver": "nats.max_deliver",
	"nats_retry_delay": "nats.retry_delay",

	"default_domain":             "edge.default_domain",
	"fallback_to_default_domain": "edge.fallback_to_default_domain",
	"fallback_domains":           "edge.fallback_domains",
	"identity_salt":              "edge.identity_salt",
	"dedup_ttl":                  "edge.dedup_ttl",
	"recent_click_ttl":           "edge.recent_click_ttl",
	"honor_dnt":                  "edge.honor_dnt",
	"verify_path":                "edge.verify_path",
	"detached_timeout":           "edge.detached_timeout",
	"redirect_delay":             "edge.redirect_delay",

	"scheduler_enabled":           "scheduler.enabled",
	"scheduler_timezone":          "scheduler.timezone",
	"scheduler_daily_spec":        "scheduler.daily_spec",
	"scheduler_health_spec":       "scheduler.health_spec",
	"scheduler_drip_spec":         "scheduler.drip_spec",
	"health_batch_size":           "scheduler.health_batch_size",
	"health_probe_delay":          "scheduler.health_probe_delay",
	"health_probe_timeout":        "scheduler.health_probe_timeout",
	"health_max_links_per_email":  "scheduler.health_max_links_per_email",
	"drip_batch_size":             "scheduler.drip_batch_size",
	"inactive_after":              "scheduler.inactive_after",

	"email_base_url": "email.base_url",
	"email_api_key":  "email.api_key",
	"email_from":     "email.from",
	"email_timeout":  "email.timeout",

	"stripe_api_key":  "billing.stripe_api_key",
	"stripe_base_url": "billing.stripe_base_url",

	"app_env":                        "app.environment",
	"log_level":                      "app.log_level",
	"log_format":                     "app.log_format",
	"app_base_url":                   "app.base_url",
	"rate_limit_enabled":             "app.rate_limit_enabled",
	"rate_limit_requests_per_minute": "app.rate_limit_per_minute",
	"enable_metrics":                 "app.enable_metrics",
}

// envKey maps an environment variable onto a config path; unknown
// variables return "" and are ignored by koanf.
func envKey(key string) string {
	return envMappings[strings.ToLower(key)]
}
