package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intakedesk/intake/internal/config"
	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/domain/decision"
	"github.com/intakedesk/intake/internal/domain/intake"
	"github.com/intakedesk/intake/internal/domain/messaging"
	"github.com/intakedesk/intake/internal/platform/auth"
	"github.com/intakedesk/intake/internal/platform/blobstore"
	"github.com/intakedesk/intake/internal/platform/db"
	"github.com/intakedesk/intake/internal/platform/events"
	"github.com/intakedesk/intake/internal/platform/middleware"
	"github.com/intakedesk/intake/internal/platform/notification"
	"github.com/intakedesk/intake/internal/platform/telemetry"
	"github.com/intakedesk/intake/migrations"
)

const (
	jsonBodyLimit  = 1 << 20
	requestTimeout = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Patient intake screening API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a user with a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			roleName, _ := cmd.Flags().GetString("role")
			fullName, _ := cmd.Flags().GetString("full-name")

			role, err := account.ParseRole(roleName)
			if err != nil {
				return err
			}

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

			u, err := account.NewService(account.NewRepoPG(pool)).Provision(ctx, username, fullName, role)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s %q (%s)\n", u.Role.Label(), u.Username, u.ID)
			return nil
		},
	}
	createCmd.Flags().String("username", "", "Login name, matched against the token subject")
	createCmd.Flags().String("role", string(account.RoleScreeningPhysician), "administrator or screening_physician")
	createCmd.Flags().String("full-name", "", "Display name")
	_ = createCmd.MarkFlagRequired("username")
	cmd.AddCommand(createCmd)

	return cmd
}

// newBlobStore picks the form file backend named by STORAGE_BACKEND.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.StorageBackend == "s3" {
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			MaxBytes: cfg.UploadMaxBytes,
		})
	}
	return blobstore.NewMemoryStore(cfg.UploadMaxBytes), nil
}

type stores struct {
	users         account.Repository
	forms         intake.Repository
	conversations messaging.Repository
	files         blobstore.Store
}

type services struct {
	accounts  *account.Service
	intake    *intake.Service
	messaging *messaging.Service
}

// newServices wires the domain services together. Physician messages flow
// through the decision engine into the form service, and administrator
// reversions flow back out as messages.
func newServices(st stores, pub events.Publisher, tx messaging.Transactor, logger zerolog.Logger, maxUpload int64) services {
	accountSvc := account.NewService(st.users)
	intakeSvc := intake.NewService(st.forms, st.files, pub, logger, maxUpload)
	engine := decision.NewEngine(st.forms, intakeSvc, logger)
	messagingSvc := messaging.NewService(st.conversations, accountSvc, engine, logger)
	if tx != nil {
		messagingSvc.SetTransactor(tx)
	}
	intakeSvc.SetReversionNotifier(notification.NewReversionNotifier(messagingSvc, accountSvc, logger))
	return services{accounts: accountSvc, intake: intakeSvc, messaging: messagingSvc}
}

// newPublisher writes form events to Kafka when brokers are configured and
// to the log otherwise.
func newPublisher(cfg *config.Config, logger zerolog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) > 0 {
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}
	return events.NewLogPublisher(logger)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	files, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise file storage")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("file storage ready")

	metrics := telemetry.New()
	metrics.RegisterPool(pool)

	publisher := metrics.CountEvents(newPublisher(cfg, logger))
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("closing event publisher")
		}
	}()

	// Services
	svc := newServices(stores{
		users:         account.NewRepoPG(pool),
		forms:         intake.NewRepoPG(pool),
		conversations: messaging.NewRepoPG(pool),
		files:         files,
	}, publisher, db.NewTransactor(pool), logger, cfg.UploadMaxBytes)
	accountSvc, intakeSvc, messagingSvc := svc.accounts, svc.intake, svc.messaging

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development auth enabled; identity comes from the " + auth.DevUserHeader + " header")
		e.Use(auth.DevAuthMiddleware(accountSvc, auth.AuthSkipper))
	} else {
		var signingKey []byte
		if cfg.AuthSigningKey != "" {
			signingKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: signingKey,
			Users:      accountSvc,
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.BodyLimit(jsonBodyLimit, cfg.UploadMaxBytes))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	apiV1.Use(db.ConnMiddleware(pool))

	intake.NewHandler(intakeSvc, logger).RegisterRoutes(apiV1)
	messaging.NewHandler(messagingSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
