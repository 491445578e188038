package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/musequill/newsletter/internal/analytics"
	"github.com/musequill/newsletter/internal/config"
	"github.com/musequill/newsletter/internal/export"
	"github.com/musequill/newsletter/internal/metrics"
	"github.com/musequill/newsletter/internal/ratelimit"
	"github.com/musequill/newsletter/internal/repository"
	"github.com/musequill/newsletter/internal/signup"
)

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	config      *config.Config
	signup      *signup.Service
	aggregator  *analytics.Aggregator
	exporter    *export.Service
	subscribers *repository.SubscriberRepository
	events      *repository.EventRepository
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, signupSvc *signup.Service, aggregator *analytics.Aggregator, exporter *export.Service, subscribers *repository.SubscriberRepository, events *repository.EventRepository, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		config:      cfg,
		signup:      signupSvc,
		aggregator:  aggregator,
		exporter:    exporter,
		subscribers: subscribers,
		events:      events,
		limiter:     limiter,
		logger:      logger,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	if len(s.config.CORS.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check (never limited)
	s.router.Get("/health", s.handleHealth)

	// Signup endpoints. /register and /contact are aliases so the form
	// still works when ad blockers filter requests to /signup.
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware(ratelimit.ScopeWrite))
		r.Post("/signup", s.handleSignup)
		r.Post("/register", s.handleSignup)
		r.Post("/contact", s.handleSignup)
	})

	// Public read endpoints
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware(ratelimit.ScopeRead))
		r.Get("/stats", s.handleStats)
		r.Post("/track", s.handleTrack)
		r.Get("/unsubscribe", s.handleUnsubscribe)
	})

	// Admin endpoints
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware(ratelimit.ScopeRead))
		r.Use(s.adminAuthMiddleware)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/export", s.handleExport)
		r.Get("/admin", s.handleDashboard)
	})
}

// Router returns the configured handler, useful for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.Server.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
