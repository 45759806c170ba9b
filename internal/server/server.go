// Package server exposes the settlement engine over HTTP and relays live
// keeper and settlement events over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/strikekeeper/internal/metrics"
	"github.com/alanyoungcy/strikekeeper/internal/server/handler"
	"github.com/alanyoungcy/strikekeeper/internal/server/middleware"
	"github.com/alanyoungcy/strikekeeper/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS float64
	RateBurst    int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Only Health is required.
type Handlers struct {
	Health  *handler.HealthHandler
	Users   *handler.UserHandler
	Reports *handler.ReportHandler
	Prices  *handler.PriceHandler
}

// publicPaths skip API key authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	if handlers.Users != nil {
		mux.HandleFunc("GET /api/users/{id}/positions", handlers.Users.Positions)
		mux.HandleFunc("GET /api/users/{id}/history", handlers.Users.History)
		mux.HandleFunc("POST /api/users/{id}/settle", handlers.Users.Settle)
	}

	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/reports/recent", handlers.Reports.Recent)
		mux.HandleFunc("GET /api/audit", handlers.Reports.Audit)
	}
	if handlers.Prices != nil {
		mux.HandleFunc("GET /api/prices", handlers.Prices.Latest)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var limiter *middleware.ClientLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewClientLimiter(cfg.RateLimitRPS, cfg.RateBurst)
	}

	var h http.Handler = mux
	h = metrics.Middleware(h)
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.RateLimit(limiter)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l until shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting", slog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
