package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shieldai/shieldai-backend/internal/account"
	"github.com/shieldai/shieldai-backend/internal/config"
	"github.com/shieldai/shieldai-backend/internal/database"
	"github.com/shieldai/shieldai-backend/internal/events"
	"github.com/shieldai/shieldai-backend/internal/fraud"
	"github.com/shieldai/shieldai-backend/internal/handlers"
	"github.com/shieldai/shieldai-backend/internal/logging"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	"github.com/shieldai/shieldai-backend/internal/mpesa"
	"github.com/shieldai/shieldai-backend/internal/payment"
	"github.com/shieldai/shieldai-backend/internal/queue"
	"github.com/shieldai/shieldai-backend/internal/server"
	"github.com/shieldai/shieldai-backend/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Service: "shieldai-api"}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, LokiURL: cfg.LokiURL, Service: "shieldai-api"})
	logger.Info("ShieldAI payments API starting")
	cfg.LogSafeConfig(logger)

	metrics.Setup(cfg.MetricsPushURL, cfg.MetricsPushInterval, cfg.MetricsLabels, logger)

	ctx := context.Background()

	if cfg.RunMigrations {
		if err := database.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

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

	// Provider client
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
	users := store.NewUserRepository(db.Pool)
	ledger := store.NewLedgerRepository(db.Pool)

	paymentService := payment.NewService(client, transactions, users, q, logger)
	reconciler := payment.NewReconciler(transactions, publisher, client.Location(), logger)

	accountService := account.NewService(users, logger)
	detector := fraud.NewDetector(fraud.Config{
		APIKey:        cfg.Fraud.APIKey,
		BaseURL:       cfg.Fraud.BaseURL,
		Model:         cfg.Fraud.Model,
		FallbackModel: cfg.Fraud.FallbackModel,
		Referer:       cfg.Fraud.Referer,
		Timeout:       cfg.Fraud.Timeout,
	}, logger)
	if cfg.Fraud.APIKey == "" {
		logger.Warn("OPENROUTER_API_KEY not set; fraud checks return the fallback verdict")
	}
	checker := fraud.NewChecker(accountService, ledger, detector, logger)

	httpHandlers := handlers.NewHandler(paymentService, reconciler, db, logger)
	accountHandlers := handlers.NewAccountHandler(accountService, checker, logger)
	httpServer := server.NewServer(cfg, httpHandlers, accountHandlers, logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
