package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebase/carebase/internal/config"
	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/fhir"
	"github.com/carebase/carebase/internal/platform/metrics"
	"github.com/carebase/carebase/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carebase-server",
		Short: "Clinical resource server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())

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
			_, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(context.Background())
			if err != nil {
				return fmt.Errorf("migration status failed: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
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
	})

	return cmd
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, _ := cmd.Flags().GetString("type")

			_, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger("production")
			catalog := fhir.NewCatalog(pool, logger)
			engine := fhir.NewIndexingEngine(pool, catalog, nil, logger, metrics.NewNop())

			ctx := context.Background()
			var indexed int
			if resourceType != "" {
				indexed, err = engine.ReindexType(ctx, resourceType)
			} else {
				indexed, err = engine.ReindexAll(ctx)
			}
			if err != nil {
				return fmt.Errorf("reindex failed after %d resources: %w", indexed, err)
			}
			fmt.Printf("Reindexed %d resource(s).\n", indexed)
			return nil
		},
	}
	cmd.Flags().String("type", "", "Limit reindexing to one resource type")
	return cmd
}

func connect() (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
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

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	catalog := fhir.NewCatalog(pool, logger)
	if err := catalog.EnsureDefaults(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to install default search parameters")
	}

	store := fhir.NewResourceStore(pool, logger, m, fhir.StoreOptions{
		UpdateAsCreate: cfg.UpdateAsCreate,
		HardDelete:     cfg.HardDelete,
	})
	indexer := fhir.NewIndexingEngine(pool, catalog, nil, logger, m)
	resolver := fhir.NewResolver(catalog, cfg.SearchLenientHandling, cfg.DefaultPageSize, cfg.MaxPageSize)
	executor := fhir.NewExecutor(pool, cfg.MaxIncludeDepth, logger, m)
	matcher := fhir.NewConditionalMatcher(resolver, executor)
	queue := fhir.NewJobQueue(pool, logger)
	coordinator := fhir.NewCoordinator(pool, store, matcher, indexer, queue,
		cfg.InlineIndexing, cfg.BaseURL, logger, m)

	// Background index workers, unless writes index inline.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if !cfg.InlineIndexing {
		interval := time.Duration(cfg.IndexPollInterval * float64(time.Second))
		for i := 0; i < cfg.IndexWorkerCount; i++ {
			worker := fhir.NewIndexWorker(queue, indexer, store, interval, logger)
			go worker.Run(workerCtx)
		}
	}

	// Detect an index wiped out from under existing data.
	go func() {
		if err := indexer.StartupCheck(ctx); err != nil {
			logger.Error().Err(err).Msg("startup index check failed")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Match", "If-None-Exist"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, db.CheckHealth(c.Request().Context(), pool))
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/fhir")
	api.Use(middleware.BearerAuth(cfg.AuthSecret))

	handler := fhir.NewHandler(store, resolver, executor, matcher, coordinator,
		indexer, queue, cfg.InlineIndexing, cfg.BaseURL, logger)
	handler.RegisterRoutes(api)

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
	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
