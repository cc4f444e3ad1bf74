// Package config loads and validates the OBCMS core configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the OBCMS_ prefix (e.g., OBCMS_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs from a config.yaml
// in local development and from pure environment variables in containers.
//
// When a config file is used, Watch re-reads it on change and hot-applies the
// settings that are safe to change at runtime (currently the logging level).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/obcms/obcms-core/internal/audit"
	"github.com/obcms/obcms-core/internal/telemetry"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	MultiTenancy MultiTenancyConfig `mapstructure:"multi_tenancy"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Security     SecurityConfig     `mapstructure:"security"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection shared by the derived-view cache and the rate limiter.
// More than one address selects a cluster client.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	PoolSize int      `mapstructure:"pool_size"`
}

// CacheConfig holds the derived-view cache configuration
type CacheConfig struct {
	// Backend is "redis" for deployments with more than one process, "memory" otherwise
	Backend        string        `mapstructure:"backend"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	FeedTTL        time.Duration `mapstructure:"feed_ttl"`
	DashboardTTL   time.Duration `mapstructure:"dashboard_ttl"`
	MemoryCapacity uint64        `mapstructure:"memory_capacity"`
	// Invalidation retry budget for one generation increment
	InvalidateMaxTries       uint          `mapstructure:"invalidate_max_tries"`
	InvalidateInitialBackoff time.Duration `mapstructure:"invalidate_initial_backoff"`
	InvalidateMaxElapsed     time.Duration `mapstructure:"invalidate_max_elapsed"`
	// RetryInterval is how often pending invalidations are re-attempted
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// EagerRetryInterval throttles pending-invalidation attempts made on the read path
	EagerRetryInterval time.Duration `mapstructure:"eager_retry_interval"`
}

// MultiTenancyConfig holds organization resolution settings
type MultiTenancyConfig struct {
	ResolverTTL   time.Duration `mapstructure:"resolver_ttl"`
	PermissionTTL time.Duration `mapstructure:"permission_ttl"`
	// OrgHeader names the header carrying the organization code on routes without an :org segment
	OrgHeader      string `mapstructure:"org_header"`
	MaxAggregators int    `mapstructure:"max_aggregators"`
}

// AuthConfig holds authentication configuration. The signing secret is read from
// OBCMS_JWT_SECRET by the auth package and never stored here.
type AuthConfig struct {
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "redis" (shared across processes) or "memory"
	Backend           string `mapstructure:"backend"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// LogReadOperations determines if GET requests should be logged
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// LogFailedRequests determines if failed requests (4xx/5xx) should be logged
	LogFailedRequests bool                  `mapstructure:"log_failed_requests"`
	QueueSize         int                   `mapstructure:"queue_size"`
	Shippers          []audit.ShipperConfig `mapstructure:"shippers"`
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	Workers          int           `mapstructure:"workers"`
	ArchiverEnabled  bool          `mapstructure:"archiver_enabled"`
	ArchiverInterval time.Duration `mapstructure:"archiver_interval"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addrs",
		"redis.username",
		"redis.password",
		"redis.db",
		"redis.pool_size",

		// Cache
		"cache.backend",
		"cache.key_prefix",
		"cache.default_ttl",
		"cache.feed_ttl",
		"cache.dashboard_ttl",
		"cache.memory_capacity",
		"cache.invalidate_max_tries",
		"cache.invalidate_initial_backoff",
		"cache.invalidate_max_elapsed",
		"cache.retry_interval",
		"cache.eager_retry_interval",

		// Multi-tenancy
		"multi_tenancy.resolver_ttl",
		"multi_tenancy.permission_ttl",
		"multi_tenancy.org_header",
		"multi_tenancy.max_aggregators",

		// Auth
		"auth.jwt_issuer",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.backend",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.log_read_operations",
		"audit.log_failed_requests",
		"audit.queue_size",

		// Jobs
		"jobs.workers",
		"jobs.archiver_enabled",
		"jobs.archiver_interval",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

func load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/obcms")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment variables only
	}

	v.SetEnvPrefix("OBCMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// OBCMS_REDIS_ADDRS arrives as one comma-separated string
	if len(cfg.Redis.Addrs) == 1 && strings.Contains(cfg.Redis.Addrs[0], ",") {
		cfg.Redis.Addrs = strings.Split(cfg.Redis.Addrs[0], ",")
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Watch loads the configuration like Load and keeps watching the config file. On every
// valid change the logging level is re-applied and onChange (if non-nil) receives the new
// configuration; an invalid edit is logged and ignored. Without a config file nothing is
// watched.
func Watch(configPath string, onChange func(*Config)) (*Config, error) {
	cfg, v, err := load(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			slog.Error("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		if telemetry.SetLogLevel(next.Logging.Level) {
			slog.Info("log level changed", "level", next.Logging.Level, "file", e.Name)
		}
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "obcms")
	v.SetDefault("database.user", "obcms")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.key_prefix", "obcms")
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.feed_ttl", "1m")
	v.SetDefault("cache.dashboard_ttl", "2m")
	v.SetDefault("cache.memory_capacity", 10000)
	v.SetDefault("cache.invalidate_max_tries", 3)
	v.SetDefault("cache.invalidate_initial_backoff", "50ms")
	v.SetDefault("cache.invalidate_max_elapsed", "2s")
	v.SetDefault("cache.retry_interval", "10s")
	v.SetDefault("cache.eager_retry_interval", "1s")

	v.SetDefault("multi_tenancy.resolver_ttl", "30s")
	v.SetDefault("multi_tenancy.permission_ttl", "30s")
	v.SetDefault("multi_tenancy.org_header", "X-Organization")
	v.SetDefault("multi_tenancy.max_aggregators", 1)

	v.SetDefault("auth.jwt_issuer", "obcms")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.backend", "memory")
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "obcms-core")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_read_operations", false)
	v.SetDefault("audit.log_failed_requests", false)
	v.SetDefault("audit.queue_size", 1024)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.archiver_enabled", true)
	v.SetDefault("jobs.archiver_interval", "1h")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be redis or memory)", c.Cache.Backend)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}

	if c.Security.RateLimiting.Enabled {
		switch c.Security.RateLimiting.Backend {
		case "memory":
		case "redis":
			if len(c.Redis.Addrs) == 0 {
				return fmt.Errorf("redis.addrs is required when security.rate_limiting.backend is redis")
			}
		default:
			return fmt.Errorf("invalid rate limiting backend: %s (must be redis or memory)", c.Security.RateLimiting.Backend)
		}
		if c.Security.RateLimiting.RequestsPerMinute < 1 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be at least 1")
		}
	}

	if c.MultiTenancy.MaxAggregators < 0 {
		return fmt.Errorf("multi_tenancy.max_aggregators must not be negative")
	}
	if c.MultiTenancy.OrgHeader == "" {
		return fmt.Errorf("multi_tenancy.org_header is required")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Jobs.ArchiverEnabled && c.Jobs.ArchiverInterval <= 0 {
		return fmt.Errorf("jobs.archiver_interval must be positive when the archiver is enabled")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
