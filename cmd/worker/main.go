package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shieldai/shieldai-backend/internal/config"
	"github.com/shieldai/shieldai-backend/internal/database"
	"github.com/shieldai/shieldai-backend/internal/events"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/payment"
	"github.com/shieldai/shieldai-backend/internal/queue"
	"github.com/shieldai/shieldai-backend/internal/store"
	"github.com/shieldai/shieldai-backend/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Service: "shieldai-worker"}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, LokiURL: cfg.LokiURL, Service: "shieldai-worker"})
	logger.Info("ShieldAI payments worker starting")

	metrics.Setup(cfg.MetricsPushURL, cfg.MetricsPushInterval, cfg.MetricsLabels, logger)

	ctx := context.Background()

	// Initialize database
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MinConns: cfg.DBMinConns,
		MaxConns: cfg.DBMaxConns,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, queue.Options{
		StatusQueryDelay:    cfg.StatusQueryDelay,
		StatusQueryMaxRetry: cfg.StatusQueryMaxRetry,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	client, err := mpesa.NewClient(mpesa.Config{
		BaseURL:         cfg.Mpesa.BaseURL,
		ConsumerKey:     cfg.Mpesa.ConsumerKey,
		ConsumerSecret:  cfg.Mpesa.ConsumerSecret,
		ShortCode:       cfg.Mpesa.ShortCode,
		Passkey:         cfg.Mpesa.Passkey,
		CallbackURL:     cfg.Mpesa.CallbackURL,
		TransactionType: cfg.Mpesa.TransactionType,
		Timeout:         cfg.Mpesa.HTTPTimeout,
		Location:        mpesa.LoadLocation(cfg.Mpesa.TimeZone),
	})
	if err != nil {
		logger.Error("failed to initialize M-Pesa client", "error", err)
		os.Exit(1)
	}

	publisher := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer publisher.Close()

	transactions := store.NewTransactionRepository(db.Pool)
	reconciler := payment.NewReconciler(transactions, publisher, client.Location(), logger)

	// Pending rows older than the first scheduled query are swept
	processor := worker.NewProcessor(transactions, client, reconciler, q, cfg.StatusQueryDelay, logger)

	mux := asynq.NewServeMux()
	processor.Register(mux)

	asynqServer := asynq.NewServer(q.RedisOpt(), q.ServerConfig(cfg.WorkerConcurrency))

	scheduler, err := q.NewScheduler(cfg.SweepInterval)
	if err != nil {
		logger.Error("failed to register sweep schedule", "error", err)
		os.Exit(1)
	}

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	if err := asynqServer.Start(mux); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started, processing tasks", "concurrency", cfg.WorkerConcurrency, "sweep_interval", cfg.SweepInterval)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	scheduler.Shutdown()
	asynqServer.Shutdown()

	logger.Info("worker shutdown complete")
}
