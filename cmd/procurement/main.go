package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwh/procurement/internal/app"
	"github.com/fleetwh/procurement/internal/inventory"
	"github.com/fleetwh/procurement/internal/observability"
	"github.com/fleetwh/procurement/internal/platform/cache"
	"github.com/fleetwh/procurement/internal/platform/db"
	"github.com/fleetwh/procurement/internal/platform/kafka"
	"github.com/fleetwh/procurement/internal/procurement"
	"github.com/fleetwh/procurement/internal/rbac"
	"github.com/fleetwh/procurement/internal/shared"
	"github.com/fleetwh/procurement/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("procurement exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
		MaxConns:        cfg.PGMaxConns,
		MaxConnLifetime: cfg.PGMaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		if cfg.LockBackend == app.LockBackendRedis {
			return err
		}
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var locker shared.Locker = shared.NewLocalLocker()
	if cfg.LockBackend == app.LockBackendRedis {
		locker = shared.NewRedisLocker(redisClient, cfg.LockTTL, logger)
	}

	var events procurement.EventPublisher
	if cfg.KafkaEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaBuffer, logger)
		producer.Start()
		defer producer.Close()
		events = producer
	}

	auditLogger := shared.NewAuditLogger(dbpool)
	var audit procurement.AuditPort = auditLogger
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	if cfg.AuditAsync {
		jobClient := jobs.NewClient(redisOpts)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		audit = jobs.NewAsyncAuditor(jobClient, auditLogger, logger)
	}

	metrics := observability.NewMetrics()
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	inventoryRepo := inventory.NewRepository(dbpool)
	inventoryService := inventory.NewService(inventoryRepo, audit, logger)

	procurementRepo := procurement.NewRepository(dbpool, idempotencyStore)
	procurementService := procurement.NewService(procurementRepo, locker, audit, events, metrics, logger)

	rbacMiddleware := rbac.Middleware{Logger: logger}
	inventoryHandler := inventory.NewHandler(logger, inventoryService, rbacMiddleware)
	procurementHandler := procurement.NewHandler(logger, procurementService, rbacMiddleware)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ProcurementHandler: procurementHandler,
		InventoryHandler:   inventoryHandler,
		JobHandler:         jobHandler,
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
		Health: map[string]app.Pinger{
			"postgres": app.PingFunc(dbpool.Ping),
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
