package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/alert"
	"github.com/lalithlochan/formsync/internal/api"
	"github.com/lalithlochan/formsync/internal/apiclient"
	"github.com/lalithlochan/formsync/internal/cache"
	"github.com/lalithlochan/formsync/internal/circuitbreaker"
	"github.com/lalithlochan/formsync/internal/config"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/delivery"
	"github.com/lalithlochan/formsync/internal/dispatcher"
	"github.com/lalithlochan/formsync/internal/ingest"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/observ"
	"github.com/lalithlochan/formsync/internal/queue"
	"github.com/lalithlochan/formsync/internal/recovery"
	"github.com/lalithlochan/formsync/internal/redis"
	"github.com/lalithlochan/formsync/internal/report"
	"github.com/lalithlochan/formsync/internal/settings"
	"github.com/lalithlochan/formsync/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting formsync dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("integration_id", cfg.IntegrationID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	queueStore := queue.NewPostgresStore(database, logger)
	logStore := logstore.NewPostgresStore(database, logger)

	// Redis backs the cache, retry schedule, rate limiter and
	// idempotency. Without it the pipeline still runs on Postgres alone.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without cache and shared retry schedule",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		cacheBackend cache.Backend
		schedule     recovery.Schedule = recovery.NewMemorySchedule()
		limiter      dispatcher.Limiter
		dedup        ingest.Deduper
	)
	if redisClient != nil {
		defer redisClient.Close()
		cacheBackend = redis.NewCacheBackend(redisClient)
		schedule = redis.NewRetrySchedule(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		dedup = redis.NewIdempotencyService(redisClient, logger)
	}
	c := cache.New(cacheBackend, cache.DefaultGroup, logger)

	cipher, err := settings.NewCipher(cfg.SettingsKey)
	if err != nil {
		return fmt.Errorf("failed to create settings cipher: %w", err)
	}
	settingsSvc := settings.NewService(settings.NewPostgresRepository(database, logger), c, cipher, logger)

	notifier := buildNotifier(ctx, cfg, logger)

	engineCfg := recovery.DefaultConfig()
	engineCfg.MaxAttempts = cfg.MaxAttempts
	engine := recovery.NewEngine(queueStore, schedule, logStore, notifier, engineCfg, logger)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(""), logger)
	deliverer := circuitbreaker.NewProtectedDeliverer(
		delivery.NewAudienceDeliverer(apiclient.New(apiclient.Config{DefaultTimeout: cfg.DeliveryTimeout}, logger), settingsSvc, logger),
		breakers,
		func(err error) bool { return recovery.Classify(err) == recovery.Recoverable },
		logger,
	)

	reports := report.New(queueStore, logStore, c, logger)

	d := dispatcher.New(dispatcher.Deps{
		Queue:     queueStore,
		Deliverer: deliverer,
		Engine:    engine,
		Limiter:   limiter,
		Settings:  settingsSvc,
		Logs:      logStore,
		Reports:   reports,
	}, dispatcher.Config{
		IntegrationID:      cfg.IntegrationID,
		PollInterval:       cfg.DispatchInterval,
		BatchSize:          cfg.BatchSize,
		SweepInterval:      cfg.SweepInterval,
		DefaultTimeout:     cfg.DeliveryTimeout,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		QueueRetentionDays: cfg.QueueRetentionDays,
		LogRetentionDays:   cfg.LogRetentionDays,
	}, logger)

	// Runs before the database and redis are closed.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	go d.Start(dispatchCtx)
	defer func() {
		stopDispatch()
		select {
		case <-d.Done():
			logger.Info("dispatcher stopped")
		case <-time.After(2*cfg.DeliveryTimeout + 10*time.Second):
			logger.Warn("dispatcher did not stop before shutdown deadline")
		}
	}()
	go reportPools(ctx, database, redisClient)

	ingestor := ingest.New(queueStore, dedup, logStore, cfg.IntegrationID, logger)
	ingestor.Stats = reports
	if cfg.RequireKnownForms {
		ingestor.Forms = settingsSvc
	}

	var publisher api.Publisher
	if cfg.SQSQueueURL != "" {
		q, err := sqs.New(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.SQSQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs unavailable, submissions are enqueued directly", zap.Error(err))
		} else {
			publisher = q
			go func() {
				if err := ingestor.Run(ctx, q); err != nil {
					logger.Error("submission consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	health := map[string]api.HealthCheck{"postgres": database.Health}
	if redisClient != nil {
		health["redis"] = redisClient.Ping
	}

	// Admin traffic is limited per client IP in its own scope.
	var apiLimiter *redis.RateLimiter
	if redisClient != nil {
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
			Scope:  "api",
		})
	}

	handler := api.NewHandler(api.Deps{
		Queue:     queueStore,
		Logs:      logStore,
		Reports:   reports,
		Breakers:  breakers,
		Publisher: publisher,
		Ingester:  ingestor,
		Retries:   engine,
		Config:    settingsSvc,
		Health:    health,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, apiLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) alert.Notifier {
	multi := alert.NewMulti(logger)
	multi.Add("log", alert.NewLogNotifier(logger))

	if cfg.AlertTopicARN != "" {
		n, err := alert.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN, logger)
		if err != nil {
			logger.Warn("SNS alerts disabled", zap.Error(err))
		} else {
			multi.Add("sns", n)
		}
	}

	if cfg.AlertFrom != "" && cfg.AlertTo != "" {
		n, err := alert.NewSESNotifier(ctx, alert.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.AlertFrom,
			ToEmails:  strings.Split(cfg.AlertTo, ","),
		}, logger)
		if err != nil {
			logger.Warn("SES alerts disabled", zap.Error(err))
		} else {
			multi.Add("ses", n)
		}
	}
	return multi
}

func reportPools(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
			if redisClient != nil {
				metrics.SetRedisConnections(int(redisClient.PoolStats().TotalConns))
			}
		}
	}
}
