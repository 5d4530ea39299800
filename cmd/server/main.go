package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reservation-service/config"
	"reservation-service/internal/api"
	"reservation-service/internal/broker"
	"reservation-service/internal/redisclient"
	"reservation-service/internal/service"
	"reservation-service/internal/store"
	"reservation-service/internal/util"
	"reservation-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting reservation service")

	tp, err := util.InitTracer("reservation-service", cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	checks := map[string]api.ReadinessCheck{}

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory storage; reservations are lost on restart")
	default:
		db, err := store.NewStore(store.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			QueryTimeout:    cfg.Database.QueryTimeout,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Database connected")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(context.Background()); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		checks["postgres"] = db.Ping
		repo = db
	}

	var (
		idempotency service.IdempotencyStore
		locker      worker.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		idempotency = redisClient
		locker = redisClient
		checks["redis"] = redisClient.Ping
	}

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservationEvents)
		defer producer.Close()
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicReservationEvents))

		publisher = broker.NewEventPublisher(producer)
	}

	opts := service.Options{
		ReservationTTL: cfg.Reservation.TTL,
		UrgencyWindow:  cfg.Reservation.UrgencyWindow,
		IdempotencyTTL: cfg.Reservation.IdempotencyTTL,
		RetryDelay:     cfg.Reservation.RetryDelay,
		SweepBatchSize: cfg.Reservation.SweepBatchSize,
	}

	ledger := service.NewStockLedger(repo)
	reservations := service.NewReservationService(repo, ledger, publisher, idempotency, opts)
	availability := service.NewAvailabilityCalculator(repo, ledger, opts)
	sweeper := service.NewExpirySweeper(repo, publisher, opts)
	proposals := service.NewProposalHandler(repo, reservations)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepWorker := worker.NewSweepWorker(sweeper, locker, cfg.Reservation.SweepInterval, cfg.Reservation.SweepLockTTL)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Sweep worker error", zap.Error(err))
		}
	}()

	var proposalWorker *worker.ProposalWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicProposalEvents, cfg.Kafka.ConsumerGroup)
		proposalWorker = worker.NewProposalWorker(consumer, proposals)
		go func() {
			if err := proposalWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Proposal worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservations, ledger, availability, sweeper, checks)
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
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	<-sweepDone
	if proposalWorker != nil {
		if err := proposalWorker.Stop(); err != nil {
			logger.Error("Failed to stop proposal worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
