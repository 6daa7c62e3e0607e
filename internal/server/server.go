// Package server is the HTTP front door: the participant websocket, read-only
// match and history endpoints, and the operator API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/server/handler"
	"github.com/alanyoungcy/rpsarena/internal/server/middleware"
	"github.com/alanyoungcy/rpsarena/internal/server/ws"
)

// adminPrefix scopes the API key check.
const adminPrefix = "/api/admin/"

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// History and Admin may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Matches *handler.MatchHandler
	History *handler.HistoryHandler
	Admin   *handler.AdminHandler
}

// Server is the HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// The middleware chain is CORS, then logging, then rate limiting, then auth.
func NewServer(cfg Config, handlers Handlers, gateway *ws.Gateway, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/tiers", handlers.Health.Tiers)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/matches/{id}", handlers.Matches.GetMatch)
	mux.HandleFunc("GET /api/matches/{id}/escrow", handlers.Matches.GetEscrow)
	mux.HandleFunc("GET /api/players/{id}/active", handlers.Matches.GetActive)

	if handlers.History != nil {
		mux.HandleFunc("GET /api/players/{id}/history", handlers.History.ListByPlayer)
		mux.HandleFunc("GET /api/history/{id}", handlers.History.GetMatch)
	}

	if handlers.Admin != nil {
		mux.HandleFunc("POST /api/admin/credit", handlers.Admin.Credit)
		mux.HandleFunc("GET /api/admin/balances/{id}", handlers.Admin.Balance)
		mux.HandleFunc("GET /api/admin/audit", handlers.Admin.Audit)
		mux.HandleFunc("GET /api/admin/matches/{id}/operations", handlers.Admin.Operations)
	}

	if gateway != nil {
		mux.HandleFunc("GET /ws", gateway.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, adminPrefix)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
