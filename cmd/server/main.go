package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"enrollment-service/config"
	"enrollment-service/internal/api"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/checkout"
	"enrollment-service/internal/commission"
	"enrollment-service/internal/models"
	"enrollment-service/internal/mycover"
	"enrollment-service/internal/redisclient"
	"enrollment-service/internal/service"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"
	"enrollment-service/internal/worker"
	"enrollment-service/migrations"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting enrollment service")

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer("enrollment-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	if cfg.Database.Migrate {
		if err := db.ApplyMigrations(context.Background(), migrations.Files); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
		if version, err := db.SchemaVersion(context.Background()); err == nil {
			logger.Info("Database schema up to date", zap.Uint("version", version))
		}
	}

	var sink auditlog.Sink = auditlog.NopSink{}
	if cfg.DebugLog.URL != "" {
		sink = auditlog.NewHTTPSink(cfg.DebugLog.URL, cfg.DebugLog.APIKey)
	}
	audit := auditlog.New(logger, sink)

	var (
		locker service.Locker
		cache  service.IdempotencyCache
	)
	if cfg.Redis.Enabled() {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker, cache = redisClient, redisClient
		logger.Info("Redis connected")
	}

	var publisher broker.Publisher = broker.NoopPublisher{}
	if cfg.Kafka.Enabled() {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEnrollment)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	gateway := mycover.NewClient(mycover.Config{
		BaseURL: cfg.MyCover.BaseURL,
		APIKey:  cfg.MyCover.APIKey,
		Timeout: time.Duration(cfg.MyCover.TimeoutSeconds) * time.Second,
	}, audit)

	activationService := service.NewActivationService(db, gateway, locker, publisher, audit, service.ActivationConfig{
		LockTTL:    time.Duration(cfg.Business.ActivationLockSeconds) * time.Second,
		StaleAfter: time.Duration(cfg.Business.ActivationStaleSeconds) * time.Second,
	})

	var syncer service.PolicySyncer = service.NewInlineSyncer(activationService)
	if cfg.Business.SyncMode == config.SyncModeAsync {
		if !cfg.Kafka.Enabled() {
			logger.Fatal("SYNC_MODE=async requires KAFKA_BROKERS")
		}
		syncer = service.NewQueuedSyncer(publisher)
	}

	calculator := commission.NewCalculator(cfg.Business.CommissionRate, cfg.Business.CommissionCap)
	webhookService := service.NewWebhookService(db, syncer, publisher, calculator, cache, audit)
	paymentService := service.NewPaymentService(db, map[string]checkout.Initializer{
		models.ProviderPaystack: checkout.NewPaystack(cfg.Paystack.BaseURL, cfg.Paystack.SecretKey, cfg.Paystack.CallbackURL),
		models.ProviderEtegram:  checkout.NewEtegram(cfg.Etegram.BaseURL, cfg.Etegram.ProjectID, cfg.Etegram.PublicKey),
	}, audit)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var syncWorker *worker.PolicySyncWorker
	if cfg.Kafka.Enabled() && cfg.Business.SyncMode == config.SyncModeAsync {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEnrollment, cfg.Kafka.ConsumerGroup)
		syncWorker = worker.NewPolicySyncWorker(consumer, activationService)
		go func() {
			if err := syncWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Policy sync worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(webhookService, activationService, paymentService, db, audit, cfg.Paystack.SecretKey)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if syncWorker != nil {
		if err := syncWorker.Stop(); err != nil {
			logger.Warn("Error stopping policy sync worker", zap.Error(err))
		}
	}

	audit.Flush(shutdownCtx)
	logger.Info("Server exited")
}
