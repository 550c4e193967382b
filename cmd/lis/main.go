package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/laborder"
	"github.com/lis/lis/internal/domain/rejection"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/middleware"
	"github.com/lis/lis/internal/platform/telemetry"
	"github.com/lis/lis/internal/platform/webhook"
	"github.com/lis/lis/migrations"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lis",
		Short:         "Laboratory information system: result rejection, retest and recollection",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(siteCmd())
	root.AddCommand(rejectionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIS API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigratorFS(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SiteSchema("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigratorFS(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SiteSchema("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// migrationSource returns dir as a filesystem, or the embedded migrations
// when dir is empty.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func siteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage laboratory sites",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a site schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating site schema: %s\n", db.SiteSchema(name))
			if err := db.CreateSiteSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Site created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Site identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Str("service", "lis").Logger()
}

// authMiddleware selects JWT validation or the development identity.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// newPublisher connects to NATS when NATS_URL is set and otherwise logs
// events. Configured webhooks receive every event as well.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	var primary events.Publisher
	if cfg.NATSURL == "" {
		primary = events.NewLogPublisher(cfg.NATSSubjectPrefix, logger)
	} else {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		primary = p
	}
	if len(cfg.WebhookURLs) == 0 {
		return primary, nil
	}

	endpoints := make([]webhook.Endpoint, len(cfg.WebhookURLs))
	for i, u := range cfg.WebhookURLs {
		endpoints[i] = webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents}
	}
	d, err := webhook.NewDispatcher(endpoints, webhook.WithLogger(logger.With().Str("component", "webhook").Logger()))
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return events.Multi{primary, d}, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		if cfg.RateLimitBurst > 0 {
			rl.BurstSize = cfg.RateLimitBurst
		}
	}
	return rl
}

// services are the domain services mounted under /api/v1.
type services struct {
	orders     *laborder.Service
	rejections *rejection.Service
}

// newEcho builds the HTTP server. siteMW binds each /api/v1 request to its
// site schema.
func newEcho(cfg *config.Config, logger zerolog.Logger, provider *telemetry.Provider, siteMW echo.MiddlewareFunc, svcs services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger, provider.RecordPanic))
	e.Use(middleware.RequestID())
	e.Use(provider.TracingMiddleware())
	e.Use(provider.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", db.SiteHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", provider.PrometheusHandler())

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	api.Use(middleware.Sanitize(logger))
	api.Use(authMiddleware(cfg))
	if siteMW != nil {
		api.Use(siteMW)
	}
	api.Use(middleware.Audit(logger))

	laborder.NewHandler(svcs.orders).RegisterRoutes(api)
	rejection.NewHandler(svcs.rejections).RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "lis",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up event publishing")
		return err
	}
	defer publisher.Close()

	tx := db.PoolTransactor(pool)
	tests := laborder.NewTestRepoPG(pool)
	samples := laborder.NewSampleRepoPG(pool)
	orders := laborder.NewService(laborder.NewOrderRepoPG(pool), samples, tests, tx)
	rejections := rejection.NewService(tests, samples, rejection.NewHistoryRepoPG(pool), tx,
		rejection.Limits{MaxRetests: cfg.MaxRetestAttempts, MaxRecollections: cfg.MaxRecollectionAttempts},
		rejection.WithPublisher(publisher),
		rejection.WithMetrics(provider.Rejections()),
		rejection.WithLogger(logger.With().Str("component", "rejection").Logger()),
	)

	e := newEcho(cfg, logger, provider, db.SiteMiddleware(pool, cfg.DefaultSite), services{orders: orders, rejections: rejections})
	e.GET("/health/db", db.HealthHandler(pool, db.NewMigratorFS(pool, migrations.FS), cfg.DefaultSite))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).
			Int("max_retests", cfg.MaxRetestAttempts).
			Int("max_recollections", cfg.MaxRecollectionAttempts).
			Bool("tracing", provider.TracingEnabled()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
