// Package api wires together all HTTP routes of the audit server.
//
// Route grouping:
//   - /health, /ready and /version are public.
//   - /audits, /media-upload, media downloads, /templates and /actions require a bearer
//     identity token.
//   - PUT /media/:mediaId is authorized by the signed token embedded in the upload URL
//     instead, so queued uploads can be replayed without the caller's session.
//
// /templates and /actions are only mounted when the Postgres database is enabled; the
// audit draft/record flow needs nothing but the blob store.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/auth/oidc"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/db/repositories"
	"github.com/audit-platform/audit-platform/internal/jobs"
	"github.com/audit-platform/audit-platform/internal/media"
	"github.com/audit-platform/audit-platform/internal/middleware"
	"github.com/audit-platform/audit-platform/internal/storage"

	// Storage backends register themselves in init()
	_ "github.com/audit-platform/audit-platform/internal/storage/azure"
	_ "github.com/audit-platform/audit-platform/internal/storage/gcs"
	_ "github.com/audit-platform/audit-platform/internal/storage/local"
	_ "github.com/audit-platform/audit-platform/internal/storage/s3"
)

// Version is reported by /version; cmd/server overrides it at link time
var Version = "0.1.0"

// Dependencies are the resources the router serves from
type Dependencies struct {
	Store     storage.Storage
	DB        *sqlx.DB // nil when database.enabled is false
	Shipper   activity.Shipper
	Verifiers []auth.TokenVerifier
	Limiter   middleware.Limiter // nil disables rate limiting
}

// BuildDependencies constructs storage, activity shippers, token verifiers and the rate
// limiter from cfg. database may be nil.
func BuildDependencies(ctx context.Context, cfg *config.Config, database *sqlx.DB) (*Dependencies, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	deps := &Dependencies{
		Store:     store,
		DB:        database,
		Verifiers: []auth.TokenVerifier{auth.HMACVerifier{}},
	}

	if cfg.Auth.OIDC.Enabled {
		discoverCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		provider, err := oidc.NewOIDCProviderWithContext(discoverCtx, &cfg.Auth.OIDC)
		if err != nil {
			return nil, err
		}
		deps.Verifiers = append(deps.Verifiers, provider)
		slog.Info("OIDC token verification enabled", "issuer", cfg.Auth.OIDC.IssuerURL)
	}

	if cfg.Activity.Enabled {
		shipper, err := activity.New(&cfg.Activity)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize activity shippers: %w", err)
		}
		deps.Shipper = shipper
	}

	if cfg.Security.RateLimiting.Enabled {
		limiter, err := middleware.NewLimiter(&cfg.Security.RateLimiting)
		if err != nil {
			return nil, err
		}
		deps.Limiter = limiter
	}

	return deps, nil
}

// BackgroundServices holds the jobs and resources stopped during graceful shutdown.
// cmd/server calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	Audits     *audits.Service
	reconciler *jobs.IndexReconciler
	limiter    middleware.Limiter
	shipper    activity.Shipper
}

// Shutdown stops background goroutines and flushes activity shippers
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reconciler != nil {
		bg.reconciler.Stop()
	}
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close activity shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps *Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	svc := audits.NewService(deps.Store, &cfg.Audits, deps.Shipper)
	bg := &BackgroundServices{Audits: svc, limiter: deps.Limiter, shipper: deps.Shipper}

	if cfg.Jobs.Reconcile.Enabled {
		bg.reconciler = jobs.NewIndexReconciler(svc, &cfg.Jobs.Reconcile)
		go bg.reconciler.Start(context.Background())
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.DefaultSecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.DB, deps.Store))
	router.GET("/version", versionHandler())

	guarded := []gin.HandlerFunc{}
	if deps.Limiter != nil {
		guarded = append(guarded, middleware.RateLimitMiddleware(deps.Limiter))
	}

	// Upload URL tokens stand in for the bearer token here.
	uploads := router.Group("/", guarded...)
	uploads.Use(middleware.ActivityMiddleware(deps.Shipper, &cfg.Activity))
	uploads.PUT("/media/:mediaId", media.UploadHandler(deps.Store, cfg, deps.Shipper))

	authed := router.Group("/", guarded...)
	authed.Use(middleware.AuthMiddleware(deps.Verifiers...))
	authed.Use(middleware.ActivityMiddleware(deps.Shipper, &cfg.Activity))
	{
		authed.GET("/audits", readAuditsHandler(svc))
		authed.POST("/audits", writeAuditHandler(svc))
		authed.PUT("/audits", writeAuditHandler(svc))

		authed.POST("/media-upload", media.RequestUploadHandler(cfg))
		authed.GET("/media/:auditId/:mediaId", media.DownloadHandler(deps.Store, cfg))

		if deps.DB != nil {
			templateRepo := repositories.NewTemplateRepository(deps.DB)
			actionRepo := repositories.NewActionRepository(deps.DB)

			authed.GET("/templates", listTemplatesHandler(templateRepo))
			authed.GET("/templates/:id", getTemplateHandler(templateRepo))

			authed.POST("/actions", createActionHandler(actionRepo, deps.Shipper))
			authed.GET("/actions", listActionsHandler(actionRepo))
			authed.GET("/actions/:id", getActionHandler(actionRepo))
			authed.PATCH("/actions/:id", updateActionHandler(actionRepo, deps.Shipper))
		}
	}

	return router, bg
}

// @Summary      Health check
// @Description  Liveness probe. Does not touch the blob store or database.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Router       /health [get]
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service can serve audits: probes the blob store and, when enabled, the database.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true"
// @Failure      503  {object}  map[string]interface{}  "ready: false"
// @Router       /ready [get]
func readinessHandler(database *sqlx.DB, store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}

		if database != nil {
			if err := database.PingContext(ctx); err != nil {
				checks["database"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "database not ready",
				})
				return
			}
			checks["database"] = "healthy"
		}

		// Exists on a known-absent key exercises credentials and connectivity without
		// creating state.
		if _, err := store.Exists(ctx, "_readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The handler installed by
// telemetry.SetupLogger decides between JSON and text output; 5xx responses log at
// error level and 4xx at warn.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
		}
		// Upload URLs carry a bearer-equivalent token; never log the query there.
		if !strings.HasPrefix(path, "/media/") {
			attrs = append(attrs, slog.String("query", c.Request.URL.RawQuery))
		}
		if cfg.Logging.Level == "debug" {
			attrs = append(attrs, slog.String("user_agent", c.Request.UserAgent()))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Checksum-SHA256")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
