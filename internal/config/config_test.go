package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obcms/obcms-core/internal/telemetry"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN / ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db.internal", Port: 5433, User: "obcms", Password: "pw", Name: "obcms", SSLMode: "disable"}
	want := "host=db.internal port=5433 user=obcms password=pw dbname=obcms sslmode=disable"
	if got := cfg.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Name: "obcms", User: "obcms"},
		Cache:    CacheConfig{Backend: "memory", DefaultTTL: time.Minute},
		MultiTenancy: MultiTenancyConfig{
			OrgHeader:      "X-Organization",
			MaxAggregators: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Name = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis cache without addresses", func(c *Config) { c.Cache.Backend = "redis" }},
		{"zero default ttl", func(c *Config) { c.Cache.DefaultTTL = 0 }},
		{"unknown rate limit backend", func(c *Config) {
			c.Security.RateLimiting = RateLimitingConfig{Enabled: true, Backend: "etcd", RequestsPerMinute: 10}
		}},
		{"rate limit without budget", func(c *Config) {
			c.Security.RateLimiting = RateLimitingConfig{Enabled: true, Backend: "memory"}
		}},
		{"negative max aggregators", func(c *Config) { c.MultiTenancy.MaxAggregators = -1 }},
		{"missing org header", func(c *Config) { c.MultiTenancy.OrgHeader = "" }},
		{"tls without cert", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, KeyFile: "k.pem"} }},
		{"tls without key", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "c.pem"} }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"archiver without interval", func(c *Config) { c.Jobs.ArchiverEnabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}

	t.Run("redis backends with addresses pass", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Redis.Addrs = []string{"redis:6379"}
		cfg.Cache.Backend = "redis"
		cfg.Security.RateLimiting = RateLimitingConfig{Enabled: true, Backend: "redis", RequestsPerMinute: 60}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("zero aggregators allowed", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.MultiTenancy.MaxAggregators = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal("WriteFile:", err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "logging:\n  level: warn\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.KeyPrefix != "obcms" {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Cache.FeedTTL != time.Minute || cfg.Cache.InvalidateInitialBackoff != 50*time.Millisecond {
		t.Errorf("cache durations = %v / %v", cfg.Cache.FeedTTL, cfg.Cache.InvalidateInitialBackoff)
	}
	if cfg.Cache.DashboardTTL != 2*time.Minute || cfg.Cache.EagerRetryInterval != time.Second {
		t.Errorf("dashboard ttl / eager retry = %v / %v", cfg.Cache.DashboardTTL, cfg.Cache.EagerRetryInterval)
	}
	if cfg.Cache.InvalidateMaxTries != 3 {
		t.Errorf("InvalidateMaxTries = %d, want 3", cfg.Cache.InvalidateMaxTries)
	}
	if cfg.MultiTenancy.MaxAggregators != 1 || cfg.MultiTenancy.OrgHeader != "X-Organization" {
		t.Errorf("multi-tenancy defaults = %+v", cfg.MultiTenancy)
	}
	if len(cfg.Redis.Addrs) != 1 || cfg.Redis.Addrs[0] != "localhost:6379" {
		t.Errorf("Redis.Addrs = %v", cfg.Redis.Addrs)
	}
	if cfg.Jobs.ArchiverInterval != time.Hour {
		t.Errorf("ArchiverInterval = %v, want 1h", cfg.Jobs.ArchiverInterval)
	}
}

func TestLoad_FileValuesAndShippers(t *testing.T) {
	const content = `
server:
  port: 9000
cache:
  backend: memory
  feed_ttl: 90s
multi_tenancy:
  max_aggregators: 2
audit:
  shippers:
    - enabled: true
      type: webhook
      webhook:
        url: https://siem.example.gov.ph/ingest
        timeout: 3s
        batch_size: 50
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Cache.Backend != "memory" || cfg.Cache.FeedTTL != 90*time.Second {
		t.Errorf("file values not applied: %+v / %+v", cfg.Server, cfg.Cache)
	}
	if cfg.MultiTenancy.MaxAggregators != 2 {
		t.Errorf("MaxAggregators = %d", cfg.MultiTenancy.MaxAggregators)
	}
	if len(cfg.Audit.Shippers) != 1 {
		t.Fatalf("Shippers = %+v", cfg.Audit.Shippers)
	}
	wh := cfg.Audit.Shippers[0].Webhook
	if wh == nil || wh.URL != "https://siem.example.gov.ph/ingest" || wh.Timeout != 3*time.Second || wh.BatchSize != 50 {
		t.Errorf("webhook shipper = %+v", wh)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cache:\n  backend: redis\n")
	t.Setenv("OBCMS_CACHE_BACKEND", "memory")
	t.Setenv("OBCMS_MULTI_TENANCY_MAX_AGGREGATORS", "3")
	t.Setenv("OBCMS_REDIS_ADDRS", "r1:6379,r2:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.MultiTenancy.MaxAggregators != 3 {
		t.Errorf("MaxAggregators = %d, want 3", cfg.MultiTenancy.MaxAggregators)
	}
	if len(cfg.Redis.Addrs) != 2 || cfg.Redis.Addrs[1] != "r2:6379" {
		t.Errorf("Redis.Addrs = %v", cfg.Redis.Addrs)
	}
}

func TestLoad_PasswordExpansion(t *testing.T) {
	t.Setenv("OBCMS_TEST_DB_PASS", "mysecret")
	path := writeConfig(t, t.TempDir(), "database:\n  password: ${OBCMS_TEST_DB_PASS}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
}

func TestLoad_InvalidInputs(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("cache:\n  backend: memcached\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(invalid)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load() error = %v, want invalid configuration", err)
	}
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

func TestWatch_AppliesLogLevelChange(t *testing.T) {
	telemetry.SetupLogger("text", "error")
	defer telemetry.SetupLogger("text", "error")

	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: error\n")

	changed := make(chan *Config, 4)
	cfg, err := Watch(path, func(c *Config) { changed <- c })
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Fatalf("initial level = %q", cfg.Logging.Level)
	}

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "logging:\n  level: debug\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-changed:
			if next.Logging.Level != "debug" {
				continue
			}
			if telemetry.CurrentLogLevel().String() != "DEBUG" {
				t.Errorf("log level = %v, want DEBUG", telemetry.CurrentLogLevel())
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for config change")
		}
	}
}

func TestWatch_WithoutFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Watch("", nil)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}
