package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/auditlog"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/laborder"
	"github.com/lims/lims/internal/domain/patient"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/reporting"
	"github.com/lims/lims/internal/platform/websocket"
	"github.com/lims/lims/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory order lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads config, opens the pool and hands both to fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			to, _ := cmd.Flags().GetInt("to")
			if to < 0 {
				return fmt.Errorf("--to must be a migration version, got %d", to)
			}
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, migrations.FS).UpTo(ctx, schema, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	// migrate down is not supported: audit_log is append-only and orders are never deleted.
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is not supported. Orders, results and the audit log are retained indefinitely.")
			fmt.Println("Write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage laboratory tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				fmt.Println("Tenant created successfully. Seed its catalog with: lims-server catalog seed --tenant", name)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the reference test catalog",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the default tests and panels",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				ctx, release, err := db.ScopeToTenant(ctx, pool, tenant)
				if err != nil {
					return err
				}
				defer release()

				logger := newLogger(cfg)
				jsonCache, closeRedis := newCache(ctx, cfg, logger)
				defer closeRedis()

				svc := catalog.NewService(catalog.NewTestRepoPG(pool), catalog.NewPanelRepoPG(pool), jsonCache, cfg.CatalogCacheTTL, logger)
				n, err := svc.Seed(ctx)
				if err != nil {
					return fmt.Errorf("seed catalog: %w", err)
				}
				fmt.Printf("Seeded %d catalog entr(ies) for tenant %s.\n", n, tenant)
				return nil
			})
		},
	}
	seedCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")

	cmd.AddCommand(seedCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newCache returns the Redis cache when REDIS_URL is set and reachable, and
// the no-op cache otherwise. The returned func closes the client.
func newCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.JSONCache, func()) {
	if !cfg.RedisEnabled() {
		return cache.Nop{}, func() {}
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, catalog cache disabled")
		return cache.Nop{}, func() {}
	}
	return cache.NewRedisCache(client), func() { client.Close() }
}

// deps are the process-wide collaborators the router is built from.
type deps struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	cache  cache.JSONCache
	events events.Publisher
}

func newServer(d deps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "X-Request-ID", "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health checks stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	apiV1 := e.Group("/api/v1", authMW, db.TenantMiddleware(d.pool, cfg.DefaultTenant))

	// Audit log
	auditRepo := auditlog.NewRepoPG(d.pool)
	recorder := auditlog.NewRecorder(auditRepo, d.logger)
	auditlog.NewHandler(auditRepo).RegisterRoutes(apiV1)

	// Reference data
	catalogSvc := catalog.NewService(catalog.NewTestRepoPG(d.pool), catalog.NewPanelRepoPG(d.pool),
		d.cache, cfg.CatalogCacheTTL, d.logger)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)

	// Patients
	patientRepo := patient.NewRepoPG(d.pool)
	patient.NewHandler(patient.NewService(patientRepo, recorder)).RegisterRoutes(apiV1)

	// Live feed: committed lifecycle events go to the stream and to
	// connected screens.
	hub := websocket.NewHub(d.logger)
	websocket.NewHandler(hub, cfg.CORSOrigins, d.logger).RegisterRoutes(apiV1)

	// Orders
	ctl := laborder.NewController(
		laborder.NewOrderRepoPG(d.pool),
		laborder.NewResultRepoPG(d.pool),
		patientRepo,
		catalogSvc,
		db.NewTransactor(d.pool),
		recorder,
		events.Fanout{d.events, hub},
		d.logger,
	)
	laborder.NewHandler(ctl).RegisterRoutes(apiV1)

	// Reports
	reporting.NewHandler(reporting.NewPGStore(d.pool)).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis: catalog cache and lifecycle event stream
	d := deps{cfg: cfg, logger: logger, pool: pool, cache: cache.Nop{}, events: events.Nop{}}
	if cfg.RedisEnabled() {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, running without catalog cache and event stream")
		} else {
			defer client.Close()
			d.cache = cache.NewRedisCache(client)
			d.events = events.NewStreamPublisher(client, cfg.EventStream)
			logger.Info().Str("stream", cfg.EventStream).Msg("connected to redis")
		}
	}

	e := newServer(d)
	e.Server.ReadTimeout = cfg.RequestTimeout
	e.Server.WriteTimeout = cfg.RequestTimeout + 5*time.Second

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting LIMS server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
