// @title           OBCMS Core API
// @version         0.1.0
// @description     Multi-tenant coordination, assessment and community records for partner organizations
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT issued by the identity provider: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated port (default: 9090), separate from the API listener. Configure it with OBCMS_TELEMETRY_METRICS_PROMETHEUS_PORT. The path is always GET /metrics.

// Package main is the entry point for the OBCMS core server binary. It dispatches the
// serve, migrate, token and version subcommands via a switch on os.Args. The serve
// command runs migrations on startup.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/obcms/obcms-core/internal/api"
	"github.com/obcms/obcms-core/internal/auth"
	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/config"
	"github.com/obcms/obcms-core/internal/db"
	"github.com/obcms/obcms-core/internal/safego"
	"github.com/obcms/obcms-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")

	switch command {
	case "serve":
		// The log level follows edits of the config file while serving.
		cfg, err := config.Watch(configPath, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runMigrations(cfg, os.Args[2])
	case "token":
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return issueToken(cfg, os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("OBCMS core v%s\n", api.Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, token, version", command)
	}
}

// issueToken prints a bearer token for local testing: token <user-id> [email] [ttl].
// It signs with the same secret and issuer the server verifies with.
func issueToken(cfg *config.Config, args []string, out io.Writer) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("usage: token <user-id> [email] [ttl]")
	}
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	auth.SetIssuer(cfg.Auth.JWTIssuer)

	var email string
	if len(args) > 1 {
		email = args[1]
	}
	ttl := time.Hour
	if len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid ttl %q", args[2])
		}
		ttl = d
	}

	token, err := auth.GenerateJWT(args[0], email, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	auth.SetIssuer(cfg.Auth.JWTIssuer)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	redisClient := newRedisClient(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	engine, stopStore, err := newCacheEngine(cfg, redisClient)
	if err != nil {
		return err
	}
	defer stopStore()

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, database.DB, engine, redisClient)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "cache", cfg.Cache.Backend, "tls", cfg.Security.TLS.Enabled)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		bgServices.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// newRedisClient returns nil when no Redis address is configured
func newRedisClient(cfg *config.Config) redis.UniversalClient {
	if len(cfg.Redis.Addrs) == 0 {
		return nil
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

// newCacheEngine builds the derived-view cache over the configured store. The returned
// func releases the store's background resources.
func newCacheEngine(cfg *config.Config, redisClient redis.UniversalClient) (*cache.Engine, func(), error) {
	opts := cache.Options{
		Prefix:                   cfg.Cache.KeyPrefix,
		DefaultTTL:               cfg.Cache.DefaultTTL,
		InvalidateMaxTries:       cfg.Cache.InvalidateMaxTries,
		InvalidateInitialBackoff: cfg.Cache.InvalidateInitialBackoff,
		InvalidateMaxElapsed:     cfg.Cache.InvalidateMaxElapsed,
		EagerRetryInterval:       cfg.Cache.EagerRetryInterval,
	}

	switch cfg.Cache.Backend {
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("cache backend redis requires redis.addrs")
		}
		return cache.NewEngine(cache.NewRedisStore(redisClient), opts), func() {}, nil
	case "memory":
		// Counters live in this process only; suitable for a single replica.
		store := cache.NewMemoryStore(cfg.Cache.MemoryCapacity)
		store.Start()
		return cache.NewEngine(store, opts), store.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}
