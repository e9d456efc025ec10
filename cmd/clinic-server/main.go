package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/outpatient/internal/config"
	"github.com/ehr/outpatient/internal/domain/encounter"
	"github.com/ehr/outpatient/internal/domain/identity"
	"github.com/ehr/outpatient/internal/domain/scheduling"
	"github.com/ehr/outpatient/internal/platform/auth"
	"github.com/ehr/outpatient/internal/platform/blobstore"
	"github.com/ehr/outpatient/internal/platform/db"
	"github.com/ehr/outpatient/internal/platform/metrics"
	"github.com/ehr/outpatient/internal/platform/middleware"
	"github.com/ehr/outpatient/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Outpatient appointment and encounter API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// app holds what the HTTP layer needs once storage has been wired.
type app struct {
	scheduling *scheduling.Handler
	encounter  *encounter.Handler
	database   db.Pinger
	registry   *prometheus.Registry
}

// wire builds both services on one pool. Booking runs serializable so the
// slot check and the insert see a consistent calendar.
func wire(cfg *config.Config, pool db.Pool, patients identity.Directory, blobs blobstore.Store,
	registry *prometheus.Registry, logger zerolog.Logger) (*scheduling.Service, *encounter.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	m := metrics.NewClinicMetrics(registry)

	schedSvc := scheduling.NewService(scheduling.NewAppointmentRepoPG(pool, logger), patients, logger)
	schedSvc.SetTx(db.NewTxRunner(pool))
	schedSvc.SetBookingTx(db.NewSerializableTxRunner(pool))
	schedSvc.SetLocation(loc)
	schedSvc.SetMetrics(m)

	encSvc := encounter.NewService(schedSvc, patients,
		encounter.NewVitalsRepoPG(pool),
		encounter.NewPrescriptionRepoPG(pool),
		encounter.NewExamOrderRepoPG(pool),
		blobs, logger)
	encSvc.SetTx(db.NewTxRunner(pool))
	encSvc.SetMetrics(m)

	return schedSvc, encSvc, nil
}

// newPatientDirectory prefers the remote registry when one is configured
// and caches lookups in Redis when a client is given.
func newPatientDirectory(cfg *config.Config, pool db.Querier, rdb *redis.Client, logger zerolog.Logger) identity.Directory {
	var dir identity.Directory
	if cfg.PatientDirectoryURL != "" {
		dir = identity.NewHTTPDirectory(cfg.PatientDirectoryURL, logger)
	} else {
		dir = identity.NewPGDirectory(pool)
	}
	if rdb != nil {
		dir = identity.NewCachedDirectory(dir, rdb, cfg.PatientCacheTTL, logger)
	}
	return dir
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blobstore.NewS3StoreFromEnv(ctx, cfg.AWSRegion, cfg.BlobS3Bucket, cfg.MaxUploadBytes)
	}
	return blobstore.NewLocalStore(cfg.BlobLocalDir, cfg.MaxUploadBytes)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func newServer(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadBytes))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.database))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1", authMiddleware(cfg))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.Audit(logger))

	a.scheduling.RegisterRoutes(api)
	a.encounter.RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests run as an admin operator")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable; patient lookups will bypass the cache until it recovers")
		}
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.BlobBackend).Msg("failed to open blob store")
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	patients := newPatientDirectory(cfg, pool, rdb, logger)
	schedSvc, encSvc, err := wire(cfg, pool, patients, blobs, registry, logger)
	if err != nil {
		return err
	}

	e := newServer(cfg, logger, &app{
		scheduling: scheduling.NewHandler(schedSvc),
		encounter:  encounter.NewHandler(encSvc),
		database:   pool,
		registry:   registry,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", cfg.ClinicTimezone).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
