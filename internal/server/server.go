package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/server/handler"
	"github.com/alanyoungcy/vaultd/internal/server/middleware"
	"github.com/alanyoungcy/vaultd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter enables per-client request limiting when non-nil.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Vault      *handler.VaultHandler
	Settlement *handler.SettlementHandler
	Positions  *handler.PositionHandler
	Admin      *handler.AdminHandler
	Audit      *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the vault daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, optional rate limiting) and
// attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Vault endpoints.
	mux.HandleFunc("GET /api/vault/status", handlers.Vault.GetStatus)
	mux.HandleFunc("GET /api/vault/nav", handlers.Vault.GetNAV)
	mux.HandleFunc("GET /api/vault/balance/{address}", handlers.Vault.GetBalance)
	mux.HandleFunc("POST /api/vault/deposits", handlers.Vault.PostDeposit)
	mux.HandleFunc("POST /api/vault/withdraws", handlers.Vault.PostWithdraw)

	// Settlement history endpoints.
	mux.HandleFunc("GET /api/settlement/batches", handlers.Settlement.ListBatches)
	mux.HandleFunc("GET /api/settlement/fees", handlers.Settlement.ListFeeEvents)
	mux.HandleFunc("GET /api/settlement/group", handlers.Settlement.GetGroup)

	// Position registry endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListHoldings)

	// Audit log endpoint.
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}

	// Privileged operations.
	mux.HandleFunc("POST /api/admin/pause", handlers.Admin.Pause)
	mux.HandleFunc("POST /api/admin/unpause", handlers.Admin.Unpause)
	mux.HandleFunc("POST /api/admin/reset-cursor", handlers.Admin.ResetCursor)
	mux.HandleFunc("POST /api/admin/rescue", handlers.Admin.Rescue)
	mux.HandleFunc("POST /api/admin/valuate", handlers.Admin.Valuate)
	mux.HandleFunc("POST /api/admin/execute/deposits", handlers.Admin.ExecuteDeposits)
	mux.HandleFunc("POST /api/admin/execute/withdraws", handlers.Admin.ExecuteWithdraws)
	mux.HandleFunc("POST /api/admin/group/start", handlers.Admin.StartGroup)
	mux.HandleFunc("POST /api/admin/group/retrieve", handlers.Admin.Retrieve)
	mux.HandleFunc("POST /api/admin/group/fulfill", handlers.Admin.Fulfill)
	mux.HandleFunc("POST /api/admin/fees/run", handlers.Admin.RunFees)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
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

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
