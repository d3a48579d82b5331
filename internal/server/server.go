package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/server/handler"
	"github.com/alanyoungcy/p2pboard/internal/server/middleware"
	"github.com/alanyoungcy/p2pboard/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the per-IP request allowance per RateWindow. Zero or a
	// nil limiter disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers to register. Offers serves the
// data-source API and Board the dashboard API; either may be nil depending
// on the mode.
type Handlers struct {
	Health *handler.HealthHandler
	Offers *handler.OffersHandler
	Board  *handler.BoardHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer registers the routes of the configured handlers and wraps them
// in rate limiting, auth, logging and CORS.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	if h := handlers.Offers; h != nil {
		mux.HandleFunc("GET /api/offers", h.GetOffers)
		mux.HandleFunc("GET /api/offers/status", h.GetStatus)
		mux.HandleFunc("GET /api/offers/upstream", h.GetUpstreamStats)
		mux.HandleFunc("GET /api/auto-refresh", h.GetAutoRefresh)
		mux.HandleFunc("POST /api/auto-refresh", h.SetAutoRefresh)
	}

	if h := handlers.Board; h != nil {
		mux.HandleFunc("GET /api/board/status", h.GetStatus)
		mux.HandleFunc("GET /api/board/budget", h.GetBudget)
		mux.HandleFunc("POST /api/board/refresh", h.Refresh)
		mux.HandleFunc("PUT /api/board/auto-refresh", h.SetAutoRefresh)
		mux.HandleFunc("GET /api/board/{side}", h.GetBoard)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Forced refreshes wait on the upstream scrape.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
