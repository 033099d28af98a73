package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/veds/veds/internal/config"
	"github.com/veds/veds/internal/domain/batch"
	"github.com/veds/veds/internal/domain/immunization"
	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/keyval"
	"github.com/veds/veds/internal/platform/metrics"
	"github.com/veds/veds/internal/platform/middleware"
	"github.com/veds/veds/internal/platform/permcache"
	"github.com/veds/veds/internal/platform/stream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veds-server",
		Short: "Immunisation events API and batch pipeline",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the immunisation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a batch pipeline worker",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "filter",
		Short: "Admit queued files and emit their rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilter()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Apply batch rows to the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ack",
		Short: "Assemble business acks from row outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAck()
		},
	})

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create or update the backing tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := keyval.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas := []keyval.TableSchema{immunization.RecordsSchema, batch.AuditSchema}
			if err := keyval.EnsureSchema(ctx, pool, schemas); err != nil {
				return err
			}
			logger.Info().Int("tables", len(schemas)).Msg("schema up to date")
			return nil
		},
	})

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// runtime bundles the dependencies every process variant starts from.
type runtime struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	store   keyval.Store
	ledger  batch.Ledger
	blobs   blobstore.ObjectStore
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newRuntime(ctx context.Context) (*runtime, error) {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := keyval.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	blobs, err := blobstore.NewFSStore(cfg.BlobRoot)
	if err != nil {
		pool.Close()
		return nil, err
	}

	m, reg := metrics.New()
	store := keyval.NewPGStore(pool)
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		store:   store,
		ledger:  batch.NewLedger(store),
		blobs:   blobs,
		metrics: m,
		reg:     reg,
	}, nil
}

func (rt *runtime) close() {
	rt.pool.Close()
}

// recordService builds the immunization service used by both the API server
// and the row applier.
func (rt *runtime) recordService() *immunization.Service {
	repo := immunization.NewRepository(rt.store)
	guard := immunization.NewIdentifierGuard(repo, rt.logger)
	guard.RetryObserver = rt.metrics.IdentifierRetries.Inc
	return immunization.NewService(repo, guard, rt.logger)
}

func runServer() error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	var perms permcache.Cache
	if cfg.RedisURL != "" {
		cache, err := permcache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return err
		}
		perms = cache
	} else {
		if !cfg.IsDev() {
			logger.Fatal().Msg("REDIS_URL is required outside development")
		}
		// Without Redis the dev supplier gets full permissions so local
		// batch submissions are not refused.
		cache := permcache.NewMemoryCache()
		for _, vt := range []string{"COVID19", "FLU", "HPV", "MMR", "RSV"} {
			cache.Grant(cfg.DevSupplier, vt+"_FULL")
		}
		perms = cache
	}

	files := stream.NewProducer(cfg.KafkaBrokers, cfg.FileTopic, logger)
	defer files.Close()

	intake := batch.NewIntake(rt.ledger, perms, rt.blobs, files, rt.metrics, logger)
	intake.TTLDays = cfg.AuditTTLDays

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "64M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler(rt.reg))

	api := e.Group("")
	if cfg.IsDev() && cfg.JWTSecret == "" {
		logger.Warn().Str("supplier", cfg.DevSupplier).Msg("development identity enabled")
		api.Use(middleware.DevSupplier(cfg.DevSupplier))
	} else {
		api.Use(middleware.SupplierIdentity([]byte(cfg.JWTSecret)))
	}

	immunization.NewHandler(rt.recordService()).RegisterRoutes(api)
	batch.NewHandler(intake).RegisterRoutes(api)

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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runFilter() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	rows := stream.NewProducer(rt.cfg.KafkaBrokers, rt.cfg.RowTopic, rt.logger)
	defer rows.Close()

	processor := batch.NewProcessor(rt.blobs, rt.ledger, rows, rt.metrics, rt.logger)
	filter := batch.NewFilter(rt.ledger, rt.blobs, processor, rt.metrics, rt.logger)

	return runConsumer(ctx, rt, rt.cfg.FileTopic, filter.HandleFileEvent)
}

func runApply() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	outcomes := stream.NewProducer(rt.cfg.KafkaBrokers, rt.cfg.OutcomeTopic, rt.logger)
	defer outcomes.Close()

	applier := batch.NewApplier(rt.recordService(), outcomes, rt.logger)
	return runConsumer(ctx, rt, rt.cfg.RowTopic, applier.HandleRow)
}

func runAck() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	assembler := batch.NewAssembler(rt.blobs, rt.ledger, rt.metrics, rt.logger)
	return runConsumer(ctx, rt, rt.cfg.OutcomeTopic, assembler.HandleOutcome)
}

func runConsumer(ctx context.Context, rt *runtime, topic string, handler stream.MessageHandler) error {
	consumer := stream.NewConsumer(rt.cfg.KafkaBrokers, rt.cfg.ConsumerGroup, topic, handler, rt.logger)
	defer consumer.Close()

	rt.logger.Info().Str("topic", topic).Msg("worker started")
	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	rt.logger.Info().Str("topic", topic).Msg("worker stopped")
	return nil
}
