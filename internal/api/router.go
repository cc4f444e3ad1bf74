// Package api wires together all HTTP routes of the OBCMS core service.
//
// Route grouping:
//   - /health, /ready and /version are public.
//   - /api/v1/orgs/:org/... is tenant scoped. The organization named in the path is
//     resolved, the caller's membership scopes are loaded, and every handler below runs
//     with that organization as the request's tenant.
//   - /api/v1/admin/... is cross-tenant administration. The caller names their own
//     organization in the organization header; it must be an active aggregator.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/obcms/obcms-core/internal/api/admin"
	"github.com/obcms/obcms-core/internal/api/orgs"
	"github.com/obcms/obcms-core/internal/audit"
	"github.com/obcms/obcms-core/internal/auth"
	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/config"
	"github.com/obcms/obcms-core/internal/db/repositories"
	"github.com/obcms/obcms-core/internal/jobs"
	"github.com/obcms/obcms-core/internal/middleware"
	"github.com/obcms/obcms-core/internal/safego"
	"github.com/obcms/obcms-core/internal/services"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// Version is reported by /version; overridden at build time with -ldflags
var Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel    context.CancelFunc
	resolver  *tenancy.Resolver
	perms     *auth.PermissionResolver
	recorder  *audit.Recorder
	shipper   *audit.MultiShipper
	pool      *jobs.WorkerPool
	archiver  *jobs.EventArchiver
	retrier   *jobs.InvalidationRetrier
	limiter   *middleware.MemoryLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.archiver != nil {
		bg.archiver.Stop()
	}
	if bg.retrier != nil {
		bg.retrier.Stop()
	}
	if bg.pool != nil {
		bg.pool.Stop()
	}
	bg.cancel()
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	bg.resolver.Stop()
	bg.perms.Stop()
	// The recorder drains its queue before the shippers close.
	if bg.recorder != nil {
		bg.recorder.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. redisClient may be nil when neither
// the cache nor the rate limiter uses Redis.
func NewRouter(cfg *config.Config, db *sql.DB, engine *cache.Engine, redisClient redis.UniversalClient) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bgCtx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}

	// Repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	orgRepo := repositories.NewOrganizationRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	rbacRepo := repositories.NewRBACRepository(sqlxDB)
	cols := services.Collections{
		Communities: repositories.NewCommunityCollection(sqlxDB),
		Assessments: repositories.NewAssessmentCollection(sqlxDB),
		Events:      repositories.NewCoordinationEventCollection(sqlxDB),
	}

	// Tenant and permission resolution
	bg.resolver = tenancy.NewResolver(orgRepo, cfg.MultiTenancy.ResolverTTL)
	bg.resolver.Start()
	bg.perms = auth.NewPermissionResolver(orgRepo, cfg.MultiTenancy.PermissionTTL)
	bg.perms.Start()

	// Audit trail. Interface values stay nil when auditing is off.
	var (
		recorder services.AuditRecorder
		auditor  repositories.WideningAuditor
	)
	if cfg.Audit.Enabled {
		var shipper audit.Shipper
		ms, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			slog.Error("audit shippers disabled", "error", err)
		} else if ms.Len() > 0 {
			bg.shipper = ms
			shipper = ms
		}
		bg.recorder = audit.NewRecorder(auditRepo, shipper, cfg.Audit.QueueSize)
		bg.recorder.Start()
		recorder, auditor = bg.recorder, bg.recorder
	}

	services.WireInvalidation(engine, cols, auditor)

	calendarSvc := services.NewCalendarService(cols, engine, cfg.Cache.FeedTTL)
	dashboardSvc := services.NewDashboardService(cols, engine, cfg.Cache.DashboardTTL)
	recordSvc := services.NewRecordService(cols)
	orgSvc := services.NewOrganizationService(services.OrganizationServiceConfig{
		Organizations:  orgRepo,
		Collections:    cols,
		Engine:         engine,
		OrgCache:       bg.resolver,
		PermCache:      bg.perms,
		Recorder:       recorder,
		MaxAggregators: cfg.MultiTenancy.MaxAggregators,
	})

	// Background jobs
	bg.pool = jobs.NewWorkerPool(cfg.Jobs.Workers, cfg.Jobs.Workers*4)
	bg.pool.Start(bgCtx)
	if cfg.Jobs.ArchiverEnabled {
		bg.archiver = jobs.NewEventArchiver(orgRepo, recordSvc, bg.pool, cfg.Jobs.ArchiverInterval)
		safego.Go("event-archiver", func() { bg.archiver.Start(bgCtx) })
	}
	bg.retrier = jobs.NewInvalidationRetrier(engine, cfg.Cache.RetryInterval)
	safego.Go("invalidation-retrier", func() { bg.retrier.Start(bgCtx) })

	// Global middleware: recovery first so every later panic becomes a 500
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, engine))
	router.GET("/version", versionHandler())

	apiV1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(newLimiter(cfg.Security.RateLimiting, redisClient, bg)))
	}
	apiV1.Use(middleware.AuthMiddleware())

	apiV1.GET("/me/organizations", userOrganizationsHandler(orgRepo))

	var auditMW gin.HandlerFunc
	if bg.recorder != nil {
		auditMW = middleware.AuditMiddleware(bg.recorder, cfg.Audit)
	}

	// Tenant-scoped routes
	tenant := apiV1.Group("/orgs/:org")
	tenant.Use(middleware.OrganizationMiddleware(bg.resolver, bg.perms, ""))
	if auditMW != nil {
		tenant.Use(auditMW)
	}
	{
		calendar := orgs.NewCalendarHandlers(calendarSvc)
		records := orgs.NewRecordHandlers(recordSvc, dashboardSvc)

		coordRead := middleware.RequireScope(auth.ScopeCoordinationRead)
		coordWrite := middleware.RequireScope(auth.ScopeCoordinationWrite)
		tenant.GET("/calendar", coordRead, calendar.Feed)
		tenant.GET("/events/:id", coordRead, calendar.GetEvent)
		tenant.POST("/events", coordWrite, calendar.CreateEvent)
		tenant.PUT("/events/:id", coordWrite, calendar.UpdateEvent)
		tenant.DELETE("/events/:id", coordWrite, calendar.DeleteEvent)

		tenant.GET("/communities", middleware.RequireScope(auth.ScopeCommunitiesRead), records.ListCommunities)
		tenant.POST("/communities", middleware.RequireScope(auth.ScopeCommunitiesWrite), records.CreateCommunity)
		tenant.GET("/assessments", middleware.RequireScope(auth.ScopeAssessmentsRead), records.ListAssessments)
		tenant.POST("/assessments", middleware.RequireScope(auth.ScopeAssessmentsWrite), records.CreateAssessment)

		tenant.GET("/dashboard", middleware.RequireAnyScope(
			auth.ScopeCommunitiesRead,
			auth.ScopeAssessmentsRead,
			auth.ScopeCoordinationRead,
		), records.Dashboard)
	}

	// Cross-tenant administration
	adminGroup := apiV1.Group("/admin")
	adminGroup.Use(middleware.OrganizationMiddleware(bg.resolver, bg.perms, cfg.MultiTenancy.OrgHeader))
	adminGroup.Use(middleware.RequireAggregator())
	if auditMW != nil {
		adminGroup.Use(auditMW)
	}
	{
		orgHandlers := admin.NewOrganizationHandlers(orgSvc)
		orgRead := middleware.RequireScope(auth.ScopeOrganizationsRead)
		orgWrite := middleware.RequireScope(auth.ScopeOrganizationsWrite)

		adminGroup.GET("/organizations", orgRead, orgHandlers.ListOrganizationsHandler())
		adminGroup.POST("/organizations", orgWrite, orgHandlers.CreateOrganizationHandler())
		adminGroup.GET("/organizations/:id", orgRead, orgHandlers.GetOrganizationHandler())
		adminGroup.PUT("/organizations/:id/capabilities", orgWrite, orgHandlers.UpdateCapabilitiesHandler())
		adminGroup.PUT("/organizations/:id/active", orgWrite, orgHandlers.SetActiveHandler())
		adminGroup.PUT("/organizations/:id/aggregator", orgWrite, orgHandlers.SetAggregatorHandler())
		adminGroup.GET("/organizations/:id/members", orgRead, orgHandlers.ListMembersHandler())
		adminGroup.POST("/organizations/:id/members", orgWrite, orgHandlers.AddMemberHandler())
		adminGroup.PUT("/organizations/:id/members/:user_id", orgWrite, orgHandlers.UpdateMemberHandler())
		adminGroup.DELETE("/organizations/:id/members/:user_id", orgWrite, orgHandlers.RemoveMemberHandler())
		adminGroup.POST("/transfers", orgWrite, orgHandlers.TransferHandler())

		rbacHandlers := admin.NewRBACHandlers(rbacRepo, bg.perms)
		rbacGroup := adminGroup.Group("/role-templates")
		rbacGroup.Use(middleware.RequireScope(auth.ScopeAdmin))
		{
			rbacGroup.GET("", rbacHandlers.ListRoleTemplates)
			rbacGroup.GET("/:id", rbacHandlers.GetRoleTemplate)
			rbacGroup.POST("", rbacHandlers.CreateRoleTemplate)
			rbacGroup.PUT("/:id", rbacHandlers.UpdateRoleTemplate)
			rbacGroup.DELETE("/:id", rbacHandlers.DeleteRoleTemplate)
		}

		auditHandlers := admin.NewAuditHandlers(auditRepo)
		adminGroup.GET("/audit-logs", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListAuditLogs)
		adminGroup.GET("/audit-logs/:id", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.GetAuditLog)
	}

	return router, bg
}

// newLimiter picks the Redis limiter when configured and a client is available, and the
// in-process limiter otherwise
func newLimiter(cfg config.RateLimitingConfig, redisClient redis.UniversalClient, bg *BackgroundServices) middleware.Limiter {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.Burst > 0 {
		rl.BurstSize = cfg.Burst
	}
	if cfg.Backend == "redis" {
		if redisClient != nil {
			return middleware.NewRedisLimiter(redisClient, rl)
		}
		slog.Warn("redis rate limiting requested without a redis client, using in-memory limiter")
	}
	bg.limiter = middleware.NewMemoryLimiter(rl)
	return bg.limiter
}

// @Summary      My organizations
// @Description  Active organizations the caller is a member of.
// @Tags         Organizations
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "organizations: []models.Organization"
// @Router       /api/v1/me/organizations [get]
func userOrganizationsHandler(orgRepo *repositories.OrganizationRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := orgRepo.ListUserOrganizations(c.Request.Context(), middleware.CurrentUserID(c))
		if err != nil {
			slog.Error("failed to list user organizations", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list organizations"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organizations": list})
	}
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Database connectivity gates readiness. An unreachable cache store only degrades it: reads are served uncached.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, pending_invalidations"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service
func readinessHandler(db *sql.DB, engine *cache.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := engine.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
		} else {
			checks["cache"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":                 true,
			"checks":                checks,
			"pending_invalidations": len(engine.Pending()),
			"time":                  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
