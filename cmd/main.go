/**
 * @description
 * This is the main entry point for the payment-batch-service. It wires configuration,
 * both PostgreSQL pools, the hold coordinator, RabbitMQ, Redis, the intake scheduler and
 * the HTTP server, then runs until SIGINT/SIGTERM.
 *
 * Batches arrive three ways: `POST /payment-batches`, `payment.batch.requested` messages
 * and the intake cron job. All of them go through the same app.Service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pools.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - github.com/redis/go-redis/v9: Submission rate limiting.
 * - internal/api, internal/app, internal/config, internal/store, pkg/metrics, pkg/rabbitmq.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-batch-service/internal/api"
	"github.com/transfa/payment-batch-service/internal/app"
	"github.com/transfa/payment-batch-service/internal/config"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/internal/store"
	"github.com/transfa/payment-batch-service/pkg/metrics"
	rmrabbit "github.com/transfa/payment-batch-service/pkg/rabbitmq"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		bootLogger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fatal(bootLogger, "config load failed", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	bootLogger = logger.With("component", "bootstrap")

	if cfg.InternalAPIKey == "" {
		fatal(bootLogger, "internal api key must be configured", errors.New("INTERNAL_API_KEY is empty"))
	}
	if cfg.DatabaseURL == "" {
		fatal(bootLogger, "primary database must be configured", errors.New("DATABASE_URL is empty"))
	}

	holdTimeout, err := cfg.HoldTimeout()
	if err != nil {
		fatal(bootLogger, "invalid hold timeout", err)
	}
	bootLogger.Info("starting payment-batch-service", "port", cfg.ServerPort, "hold_timeout", holdTimeout)

	ctx := context.Background()

	primary, err := newPool(ctx, cfg.DatabaseURL, 40, 4)
	if err != nil {
		fatal(bootLogger, "primary database connection failed", err)
	}
	defer primary.Close()

	details, err := newPool(ctx, cfg.DetailsDatabaseURL, 20, 2)
	if err != nil {
		fatal(bootLogger, "details database connection failed", err)
	}
	defer details.Close()
	bootLogger.Info("databases connected")

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, primary); err != nil {
			fatal(bootLogger, "migrations failed", err)
		}
		bootLogger.Info("migrations applied")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	batchMetrics := metrics.NewBatchMetrics(registry)

	paymentRepo := store.NewPaymentRepository(primary)
	detailsRepo := store.NewDetailsRepository(details)
	intakeRepo := store.NewIntakeRepository(primary, cfg.IntakeMaxFailures, cfg.IntakeRetryDelay())

	retrier, err := app.NewDetailsRetrier(detailsRepo, cfg.RetryPolicy(), logger, batchMetrics)
	if err != nil {
		fatal(bootLogger, "invalid details retry policy", err)
	}
	coordinator, err := app.NewHoldCoordinator(primary, paymentRepo, retrier, cfg.HoldConfig(), logger, batchMetrics)
	if err != nil {
		fatal(bootLogger, "hold coordinator init failed", err)
	}

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		p, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLogger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		} else {
			producer = p
			bootLogger.Info("rabbitmq producer connected")
		}
	}
	defer producer.Close()

	service := app.NewService(coordinator, paymentRepo, producer, cfg.BatchEventsExchange, cfg.MaxBatchSize, logger)

	// Requests outlive the hold so the response reports the real outcome.
	requestTimeout := holdTimeout + 15*time.Second

	if cfg.RabbitMQURL != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			fatal(bootLogger, "rabbitmq consumer init failed", err)
		}
		defer consumer.Close()

		batchConsumer := app.NewBatchRequestConsumer(service, requestTimeout, logger)
		bindings := map[string]func([]byte) bool{
			domain.BatchRequestedRoutingKey: batchConsumer.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.BatchEventsExchange, cfg.BatchRequestQueue, cfg.BatchConsumerPrefetch, bindings); err != nil {
			fatal(bootLogger, "batch request consumer start failed", err)
		}
		bootLogger.Info("batch request consumer started", "queue", cfg.BatchRequestQueue)
	} else {
		bootLogger.Warn("rabbitmq url missing; batch request consumer disabled", "env", "RABBITMQ_URL")
	}

	var limiter api.SubmissionLimiter
	if redisClient := newRedisClient(bootLogger, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisSubmissionRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.BatchSubmitRateLimitPerMinute, time.Minute)
	}

	intakeJob := app.NewIntakeJob(intakeRepo, service, cfg.IntakeBatchSize, requestTimeout, logger)
	scheduler := app.NewScheduler(intakeJob, cfg.IntakeJobSchedule, logger)
	if err := scheduler.Start(); err != nil {
		fatal(bootLogger, "intake scheduler start failed", err)
	}

	handlers := api.NewBatchHandlers(service, intakeRepo, limiter, logger)
	router := api.BatchRoutes(handlers, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		RequestTimeout: requestTimeout,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        metrics.Handler(registry),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server stopped unexpectedly", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	bootLogger.Info("shutdown started")

	// In-flight batches get their full hold budget to commit or roll back.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		bootLogger.Error("http shutdown failed", "error", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		bootLogger.Warn("intake job still running at shutdown deadline")
	}

	bootLogger.Info("shutdown complete")
}

func newPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newRedisClient returns nil when rate limiting cannot be enabled.
func newRedisClient(logger *slog.Logger, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; submission rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; submission rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; submission rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
