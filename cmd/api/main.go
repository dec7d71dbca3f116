package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/webhook-engine/internal/config"
	"github.com/kursadbilgin/webhook-engine/internal/handler"
	"github.com/kursadbilgin/webhook-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/webhook-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/webhook-engine/internal/infra/redis"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/service"
	"github.com/kursadbilgin/webhook-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 15 * time.Second
	rabbitMQPrefetch = 32
	retryScanBatch   = 100
	serviceName      = "webhook-engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolForWorkers(cfg.WorkerConcurrency))
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	var limiter ratelimit.RateLimiter = ratelimit.Unlimited{}
	if cfg.RateLimitPerSec > 0 {
		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
	}

	readiness := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}

	var (
		publisher queue.Publisher
		consumer  queue.Consumer
	)
	if cfg.RabbitMQURL != "" {
		broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer broker.Close() //nolint:errcheck

		publisher = queue.NewRabbitMQPublisher(broker)
		consumer = queue.NewRabbitMQConsumer(broker, rabbitMQPrefetch, logger)
		readiness = append(readiness, handler.ReadinessCheck{Name: "rabbitmq", Check: broker.Ping})
		logger.Info("delivery queue backed by rabbitmq")
	} else {
		mq := queue.NewMemoryQueue(cfg.QueueDepth)
		mq.Declare(queue.DeliveryQueue)
		defer mq.Close() //nolint:errcheck

		publisher, consumer = mq, mq
		logger.Info("delivery queue backed by memory", zap.Int("depth", cfg.QueueDepth))
	}

	webhookRepo := repository.NewGormWebhookRepo(db)
	logRepo := repository.NewGormLogRepo(db)

	webhookService, err := service.NewWebhookService(webhookRepo, logRepo, logger)
	if err != nil {
		logger.Fatal("webhook service initialization failed", zap.Error(err))
	}
	recorder, err := service.NewLogRecorder(logRepo, webhookRepo, logger)
	if err != nil {
		logger.Fatal("log recorder initialization failed", zap.Error(err))
	}
	dispatcher, err := service.NewDispatcher(webhookRepo, recorder, publisher, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	worker, err := service.NewDeliveryWorker(
		logRepo,
		webhookRepo,
		recorder,
		consumer,
		publisher,
		provider.NewWebhookProvider(cfg.DeliveryTimeout()),
		limiter,
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("delivery worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	scanner, err := service.NewRetryScanner(logRepo, publisher, cfg.RetryScanInterval(), cfg.RetryStaleAfter(), retryScanBatch, logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}
	scanner.SetMetrics(metrics)

	pruner, err := service.NewLogPruner(logRepo, cfg.LogPruneSchedule, cfg.LogRetention(), logger)
	if err != nil {
		logger.Fatal("log pruner initialization failed", zap.Error(err))
	}
	pruner.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      serviceName,
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, readiness...)
	if err := handler.RegisterWebhookRoutes(app, webhookService, recorder, dispatcher); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error { return pruner.Start(groupCtx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("webhook-engine api started", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("webhook-engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("webhook-engine stopped")
}
