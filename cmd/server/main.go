// @title           Audit Platform API
// @version         1.0.0
// @description     Offline-capable site audits: draft mirroring, completion, monthly indexes and media uploads
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Identity token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated port (default: 9090), separate from the API listener. Configure it with AUDIT_TELEMETRY_METRICS_PROMETHEUS_PORT. The path is always GET /metrics.

// Package main is the entry point for the audit server binary. Subcommands are
// dispatched with a plain switch on os.Args: serve, migrate, reconcile, token, version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audit-platform/audit-platform/internal/api"
	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/db"
	"github.com/audit-platform/audit-platform/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	if command == "version" {
		fmt.Printf("Audit Platform v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")

	switch command {
	case "serve":
		cfg, err := config.LoadAndWatch(configPath, func(next *config.Config) {
			telemetry.SetLevel(next.Logging.Level)
		})
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg)
	case "migrate", "reconcile", "token":
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		telemetry.SetupLogger("text", cfg.Logging.Level)
		switch command {
		case "migrate":
			if len(args) < 1 {
				return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
			}
			return runMigrations(cfg, args[0])
		case "reconcile":
			return runReconcile(cfg, args)
		default:
			return issueToken(args)
		}
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, reconcile, token, version", command)
	}
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

	var database *sqlx.DB
	if cfg.Database.Enabled {
		var err error
		database, err = connectDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		telemetry.StartDBStatsCollector(database.DB)

		if cfg.Database.AutoMigrate {
			slog.Info("running database migrations")
			if err := db.RunMigrations(database.DB, "up"); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
				slog.Warn("failed to read migration version", "error", err)
			} else {
				slog.Info("database schema ready", "version", v, "dirty", dirty)
			}
		}
	} else {
		slog.Info("database disabled; templates and actions endpoints are not mounted")
	}

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	deps, err := api.BuildDependencies(context.Background(), cfg, database)
	if err != nil {
		return err
	}
	router, bgServices := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"storage", cfg.Storage.DefaultBackend,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func connectDB(cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	return database, nil
}

// startMetricsServer serves /metrics on its own port so the scrape path stays off the
// public listener and outside the rate limiter.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := connectDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

// runReconcile performs one index reconciliation sweep and exits. Useful after an
// outage of the blob store or when the background job is disabled.
func runReconcile(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	months := fs.Int("months", cfg.Jobs.Reconcile.LookbackMonths, "number of months to sweep, current month included")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := api.BuildDependencies(ctx, cfg, nil)
	if err != nil {
		return err
	}

	svc := audits.NewService(deps.Store, &cfg.Audits, deps.Shipper)
	repaired, err := svc.ReconcileIndex(ctx, *months)
	if deps.Shipper != nil {
		if cerr := deps.Shipper.Close(); cerr != nil {
			slog.Warn("failed to close activity shippers", "error", cerr)
		}
	}
	if err != nil {
		return fmt.Errorf("reconcile failed after %d repairs: %w", repaired, err)
	}
	fmt.Printf("Reconciled %d month(s): %d index entries repaired\n", *months, repaired)
	return nil
}

// issueToken prints an HS256 identity token. Intended for development and service
// accounts; production callers normally present tokens from the OIDC issuer.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	id := fs.String("user", "", "user id (required)")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email")
	role := fs.String("role", "", "role; ADMIN bypasses site checks")
	sites := fs.String("sites", "", "comma-separated site ids the user may access")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-user is required")
	}
	if err := auth.ValidateJWTSecret(); err != nil {
		return err
	}

	user := &auth.User{ID: *id, Name: *name, Email: *email, Role: *role}
	for _, s := range strings.Split(*sites, ",") {
		if s = strings.TrimSpace(s); s != "" {
			user.SiteIDs = append(user.SiteIDs, s)
		}
	}

	token, err := auth.GenerateJWT(user, *ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
