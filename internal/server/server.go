package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/server/handler"
	"github.com/alanyoungcy/cashbridge/internal/server/middleware"
	"github.com/alanyoungcy/cashbridge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards /api/admin. Empty disables the operator routes.
	APIKey      string
	JWTSecret   string
	JWTAudience string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health        *handler.HealthHandler
	Trades        *handler.TradeHandler
	Merchants     *handler.MerchantHandler
	Jobs          *handler.JobHandler
	Notifications *handler.NotificationHandler
	Rates         *handler.RateHandler
	Admin         *handler.AdminHandler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. User routes require
// a Supabase access token; operator routes require the API key.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := NewMux(cfg, handlers, wsHub, limiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewMux builds the routed, middleware-wrapped handler.
func NewMux(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	identity := middleware.Identity(middleware.NewTokenVerifier(cfg.JWTSecret, cfg.JWTAudience))
	limit := middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)
	user := func(h http.HandlerFunc) http.Handler {
		return identity(limit(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.APIKey(cfg.APIKey)(h)
	}

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Trades.
	mux.Handle("POST /api/trades", user(handlers.Trades.CreateTrade))
	mux.Handle("GET /api/trades", user(handlers.Trades.ListTrades))
	mux.Handle("GET /api/trades/{id}", user(handlers.Trades.GetTrade))
	mux.Handle("POST /api/trades/{id}/accept", user(handlers.Trades.Accept))
	mux.Handle("POST /api/trades/{id}/reject", user(handlers.Trades.Reject))
	mux.Handle("POST /api/trades/{id}/payment-sent", user(handlers.Trades.PaymentSent))
	mux.Handle("POST /api/trades/{id}/confirm-payment", user(handlers.Trades.ConfirmPayment))
	mux.Handle("POST /api/trades/{id}/reject-payment", user(handlers.Trades.RejectPayment))
	mux.Handle("POST /api/trades/{id}/cancel", user(handlers.Trades.Cancel))

	// Merchant directory and self-service.
	mux.Handle("GET /api/merchants", user(handlers.Merchants.ListMerchants))
	mux.Handle("POST /api/merchant/mode", user(handlers.Merchants.ToggleMode))
	mux.Handle("PUT /api/merchant/settings", user(handlers.Merchants.UpdateSettings))

	// Cash orders and vendor jobs.
	mux.Handle("POST /api/cash-orders", user(handlers.Jobs.CreateCashOrder))
	mux.Handle("GET /api/cash-orders/{code}", user(handlers.Jobs.TrackCashOrder))
	mux.Handle("GET /api/jobs", user(handlers.Jobs.ListJobs))
	mux.Handle("GET /api/jobs/{id}", user(handlers.Jobs.GetJob))
	mux.Handle("POST /api/jobs/{id}/payment-sent", user(handlers.Jobs.PaymentSent))
	mux.Handle("POST /api/jobs/{id}/confirm-payment", user(handlers.Jobs.ConfirmPayment))
	mux.Handle("POST /api/jobs/{id}/reject-payment", user(handlers.Jobs.RejectPayment))
	mux.Handle("POST /api/jobs/{id}/start-delivery", user(handlers.Jobs.StartDelivery))
	mux.Handle("POST /api/jobs/{id}/complete", user(handlers.Jobs.Complete))
	mux.Handle("POST /api/jobs/{id}/cancel", user(handlers.Jobs.Cancel))

	// Notifications and rates.
	mux.Handle("GET /api/notifications", user(handlers.Notifications.List))
	mux.Handle("POST /api/notifications/{id}/read", user(handlers.Notifications.MarkRead))
	mux.Handle("GET /api/rates/{pair}", user(handlers.Rates.GetRate))

	// Operator endpoints.
	mux.Handle("PUT /api/admin/rates", admin(handlers.Rates.SetRate))
	mux.Handle("POST /api/admin/escrow/{tradeId}/confirm-deposit", admin(handlers.Admin.ConfirmDeposit))
	mux.Handle("GET /api/admin/escrow/events", admin(handlers.Admin.EscrowEvents))
	mux.Handle("GET /api/admin/escrow/{tradeId}/audit", admin(handlers.Admin.EscrowAudit))
	mux.Handle("POST /api/admin/sweep", admin(handlers.Admin.Sweep))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.Handle("GET /ws", user(wsHub.HandleWS))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
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
