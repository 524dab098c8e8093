package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hmcore/hmcore/internal/config"
	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/encounter"
	"github.com/hmcore/hmcore/internal/domain/events"
	"github.com/hmcore/hmcore/internal/domain/rules"
	"github.com/hmcore/hmcore/internal/domain/task"
	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/auth"
	"github.com/hmcore/hmcore/internal/platform/db"
	"github.com/hmcore/hmcore/internal/platform/middleware"
	"github.com/hmcore/hmcore/internal/platform/scope"
	"github.com/hmcore/hmcore/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hmcore-server",
		Short: "Clinical workflow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(backfillEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfigAndPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// tenantContext pins a connection with the tenant's search_path onto the
// context so repositories resolve it the same way they do for requests.
// The caller must invoke the returned release func.
func tenantContext(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID) (context.Context, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	schema := db.SchemaForTenant(tenantID)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", schema)); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path for %s: %w", schema, err)
	}
	return context.WithValue(ctx, db.DBConnKey, conn), conn.Release, nil
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and run migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantFlag, _ := cmd.Flags().GetString("tenant-id")
			facilityFlag, _ := cmd.Flags().GetString("facility-id")

			tenantID, err := uuid.Parse(tenantFlag)
			if err != nil {
				return fmt.Errorf("--tenant-id must be a UUID")
			}

			ctx := context.Background()
			cfg, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaForTenant(tenantID))
			if err := db.CreateTenantSchema(ctx, pool, tenantID, cfg.MigrationsDir); err != nil {
				return err
			}

			if facilityFlag != "" {
				facilityID, err := uuid.Parse(facilityFlag)
				if err != nil {
					return fmt.Errorf("--facility-id must be a UUID")
				}

				tctx, release, err := tenantContext(ctx, pool, tenantID)
				if err != nil {
					return err
				}
				defer release()

				logger := newLogger()
				ruleSvc := rules.NewService(rules.NewRepo(pool), pool, logger)
				sc := scope.Scope{TenantID: tenantID, FacilityID: facilityID}
				if _, _, err := ruleSvc.EnsureCloseGateRule(tctx, sc, nil); err != nil {
					return fmt.Errorf("seed close gate rule: %w", err)
				}
				fmt.Println("Seeded default close-gate rule.")
			}

			fmt.Println("Tenant created.")
			return nil
		},
	}
	createCmd.Flags().String("tenant-id", "", "Tenant UUID (required)")
	createCmd.Flags().String("facility-id", "", "Facility UUID; when set, seeds the default close-gate rule")
	cmd.AddCommand(createCmd)

	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage workflow rules",
	}

	parseScope := func(cmd *cobra.Command) (scope.Scope, error) {
		tenantFlag, _ := cmd.Flags().GetString("tenant-id")
		facilityFlag, _ := cmd.Flags().GetString("facility-id")
		tenantID, err := uuid.Parse(tenantFlag)
		if err != nil {
			return scope.Scope{}, fmt.Errorf("--tenant-id must be a UUID")
		}
		facilityID, err := uuid.Parse(facilityFlag)
		if err != nil {
			return scope.Scope{}, fmt.Errorf("--facility-id must be a UUID")
		}
		return scope.Scope{TenantID: tenantID, FacilityID: facilityID}, nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rules for a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseScope(cmd)
			if err != nil {
				return err
			}
			activeOnly, _ := cmd.Flags().GetBool("active-only")

			ctx := context.Background()
			_, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, release, err := tenantContext(ctx, pool, sc.TenantID)
			if err != nil {
				return err
			}
			defer release()

			ruleSvc := rules.NewService(rules.NewRepo(pool), pool, newLogger())
			rls, err := ruleSvc.ListRules(tctx, sc, activeOnly)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-30s %-8s %s\n", "ID", "CODE", "ACTIVE", "DESCRIPTION")
			for _, rl := range rls {
				fmt.Printf("%-36s %-30s %-8t %s\n", rl.ID, rl.Code, rl.IsActive, rl.Description)
			}
			return nil
		},
	}
	listCmd.Flags().String("tenant-id", "", "Tenant UUID (required)")
	listCmd.Flags().String("facility-id", "", "Facility UUID (required)")
	listCmd.Flags().Bool("active-only", false, "Only show active rules")
	cmd.AddCommand(listCmd)

	setActiveCmd := &cobra.Command{
		Use:   "set-active",
		Short: "Activate or deactivate a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseScope(cmd)
			if err != nil {
				return err
			}
			code, _ := cmd.Flags().GetString("code")
			if code == "" {
				return fmt.Errorf("--code is required")
			}
			active, _ := cmd.Flags().GetBool("active")

			ctx := context.Background()
			_, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, release, err := tenantContext(ctx, pool, sc.TenantID)
			if err != nil {
				return err
			}
			defer release()

			ruleSvc := rules.NewService(rules.NewRepo(pool), pool, newLogger())
			n, err := ruleSvc.SetRuleActive(tctx, sc, code, active)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %d rule(s).\n", n)
			return nil
		},
	}
	setActiveCmd.Flags().String("tenant-id", "", "Tenant UUID (required)")
	setActiveCmd.Flags().String("facility-id", "", "Facility UUID (required)")
	setActiveCmd.Flags().String("code", "", "Rule code")
	setActiveCmd.Flags().Bool("active", true, "Desired active state")
	cmd.AddCommand(setActiveCmd)

	return cmd
}

func backfillEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill-events",
		Short: "Rebuild missing timeline events from current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantFlag, _ := cmd.Flags().GetString("tenant-id")
			facilityFlag, _ := cmd.Flags().GetString("facility-id")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			limit, _ := cmd.Flags().GetInt("limit")

			tenantID, err := uuid.Parse(tenantFlag)
			if err != nil {
				return fmt.Errorf("--tenant-id must be a UUID")
			}
			facilityID, err := uuid.Parse(facilityFlag)
			if err != nil {
				return fmt.Errorf("--facility-id must be a UUID")
			}
			sc := scope.Scope{TenantID: tenantID, FacilityID: facilityID}

			ctx := context.Background()
			_, pool, err := loadConfigAndPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, release, err := tenantContext(ctx, pool, tenantID)
			if err != nil {
				return err
			}
			defer release()

			backfiller := encounter.NewBackfiller(
				encounter.NewRepo(pool),
				task.NewRepo(pool),
				documents.NewRepo(pool),
				events.NewRepo(pool),
				newLogger(),
			)
			stats, err := backfiller.Run(tctx, sc, encounter.BackfillOptions{DryRun: dryRun, Limit: limit})
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("Encounters examined: %d\nDRY RUN: events that would be created: %d\n", stats.Examined, stats.Created)
			} else {
				fmt.Printf("Encounters examined: %d\nEvents created: %d\n", stats.Examined, stats.Created)
			}
			return nil
		},
	}
	cmd.Flags().String("tenant-id", "", "Tenant UUID (required)")
	cmd.Flags().String("facility-id", "", "Facility UUID (required)")
	cmd.Flags().Bool("dry-run", false, "Count only; do not write")
	cmd.Flags().Int("limit", 0, "Max encounters to scan (0 = all)")
	return cmd
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", scope.TenantHeader, scope.FacilityHeader, documents.IdempotencyKeyHeader},
	}))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")

	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(scope.Middleware(scope.AllowAll{}))
	apiV1.Use(db.TenantMiddleware(pool))
	apiV1.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Domain wiring. Services share one event emitter so every workflow
	// writes to the same timeline.
	eventRepo := events.NewRepo(pool)
	emitter := events.NewEmitter(eventRepo, logger)

	taskRepo := task.NewRepo(pool)
	taskSvc := task.NewService(taskRepo, emitter, pool, logger)
	task.NewHandler(taskSvc).RegisterRoutes(apiV1)

	docRepo := documents.NewRepo(pool)
	docSvc := documents.NewService(docRepo, emitter, pool, logger)
	documents.NewHandler(docSvc).RegisterRoutes(apiV1)

	ruleRepo := rules.NewRepo(pool)
	gate := rules.NewEngine(ruleRepo, taskRepo, docRepo, nil, logger)

	webhookStore := webhook.NewMemoryStore()
	webhookMgr := webhook.NewManager(webhookStore, logger)
	webhook.NewHandler(webhookMgr).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole("admin")))
	notifier := webhook.NewEncounterNotifier(webhookMgr, logger)

	encRepo := encounter.NewRepo(pool)
	encSvc := encounter.NewService(encRepo, taskSvc, docSvc, gate, emitter, pool, logger, notifier)
	encounter.NewHandler(encSvc).RegisterRoutes(apiV1)

	// Start server with graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	return nil
}
