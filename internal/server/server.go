package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shieldai/shieldai-backend/internal/config"
	"github.com/shieldai/shieldai-backend/internal/handlers"
	"github.com/shieldai/shieldai-backend/internal/metrics"
	customMiddleware "github.com/shieldai/shieldai-backend/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router   *chi.Mux
	handler  *handlers.Handler
	accounts *handlers.AccountHandler
	config   *config.Config
	logger   *slog.Logger
	http     *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler, accounts *handlers.AccountHandler, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handler:  h,
		accounts: accounts,
		config:   cfg,
		logger:   logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(customMiddleware.LogContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/mpesa", func(r chi.Router) {
			// Internal callers only
			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))
				r.Use(customMiddleware.LimitBody(s.config.MaxRequestSize, s.logger))
				r.Post("/stkpush", s.handler.STKPush)
				r.Post("/query", s.handler.QueryStatus)
				r.Get("/transactions", s.handler.ListTransactions)
				r.Get("/transactions/{id}", s.handler.GetTransaction)
			})

			// Provider webhook (IP filtered + size limited)
			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.IPFilter(s.config.Mpesa.AllowedIPs, s.config.TrustedProxies, s.logger))
				r.Use(customMiddleware.LimitBody(s.config.MaxRequestSize, s.logger))
				r.Post("/callback", s.handler.MPesaCallback)
			})
		})

		// Wallet routes authenticate with the user's PIN
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.LimitBody(s.config.MaxRequestSize, s.logger))
			r.Post("/users", s.accounts.CreateUser)
			r.Post("/login", s.accounts.Login)
			r.Post("/users/{phone}/balance", s.accounts.UpdateBalance)
			r.Get("/users/{phone}/transactions", s.accounts.ListLedger)
			r.Post("/check-fraud", s.accounts.CheckFraud)
		})
	})

	s.logger.Info("routes configured")
}

// Handler returns the root router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.config.ServerPort,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
