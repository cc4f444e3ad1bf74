// Package telemetry provides application-level observability for the OBCMS core service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<OBCMS_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Derived-view cache lookups, invalidations and pending invalidations
//   - Tenant scoping events (aggregator widening, writes without a tenant)
//   - Background task outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/orgs/:org/calendar)
// rather than the raw URL. Cache and tenant metrics are labelled by family or record
// type and never by organization, so cardinality stays fixed as tenants are added.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics: labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Cache result label values for CacheRequestsTotal.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass" // family has a pending invalidation; computed without the cache
	CacheError  = "error"  // store unreachable; computed without the cache
)

// Derived-view cache metrics: recorded by the generation-counter cache engine.
//
// CacheRequestsTotal is a CounterVec with labels {family, result} where result is one of
// hit, miss, bypass, error.
//
// Example PromQL queries:
//   - Hit ratio per family:  sum by (family) (rate(cache_requests_total{result="hit"}[5m])) / sum by (family) (rate(cache_requests_total[5m]))
//   - Degraded reads:        sum(rate(cache_requests_total{result=~"bypass|error"}[5m]))
//
// CacheInvalidationsTotal is a CounterVec with labels {family, outcome} where outcome is
// ok, retried or failed. A non-zero failed rate means some reads are being served
// uncached until the invalidation retrier catches up.
//
// CachePendingInvalidations is a Gauge of (family, organization) pairs whose generation
// bump has not reached the store yet.
//
// Example PromQL queries:
//   - Alert expression:  cache_pending_invalidations > 0
var (
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of derived-view cache lookups, by family and result.",
		},
		[]string{"family", "result"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Total number of generation counter increments, by family and outcome.",
		},
		[]string{"family", "outcome"},
	)

	CachePendingInvalidations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_pending_invalidations",
			Help: "Number of family/organization pairs with an invalidation waiting to be retried.",
		},
	)
)

// Tenant scoping metrics: recorded by the scoped collections.
//
// TenantScopeWidenedTotal counts scoped reads executed for the aggregator organization
// without an organization filter, by record type.
//
// TenantMissingContextTotal counts writes refused because no organization context was
// active. Any increase usually points at a background path that forgot to run its work
// inside a tenant scope.
//
// Example PromQL queries:
//   - Aggregator reads by record:  sum by (record) (rate(tenant_scope_widened_total[1h]))
//   - Alert expression:            increase(tenant_missing_context_total[15m]) > 0
var (
	TenantScopeWidenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_scope_widened_total",
			Help: "Total number of scoped reads widened to all organizations for the aggregator, by record type.",
		},
		[]string{"record"},
	)

	TenantMissingContextTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenant_missing_context_total",
			Help: "Total number of writes refused because no organization context was active.",
		},
	)
)

// JobTasksTotal is a CounterVec with labels {job, outcome} (ok, error, panic) incremented
// once per task executed by the background worker pool.
//
// Example PromQL queries:
//   - Failure rate per job:  sum by (job) (rate(jobs_tasks_total{outcome!="ok"}[1h]))
var JobTasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_tasks_total",
		Help: "Total number of background tasks executed, by job and outcome.",
	},
	[]string{"job", "outcome"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
