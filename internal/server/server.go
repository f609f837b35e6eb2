package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/backup"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/bulk"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/config"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/identity"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/shortener"
)

// Handlers groups the HTTP handlers mounted by the server.
type Handlers struct {
	Links    *shortener.Handler
	Identity *identity.Handler
	Bulk     *bulk.Handler
	Backup   *backup.Handler
	Auth     httpx.Middleware // resolves the bearer token into an actor
}

// Server represents the HTTP server with all dependencies.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	handlers Handlers
	server   *http.Server
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *slog.Logger, handlers Handlers) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: handlers,
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.applyMiddleware(s.setupRoutes())
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server",
			"addr", s.server.Addr,
			"env", s.config.App.Environment,
		)
		serverErrors <- s.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx).Error())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	links, users := s.handlers.Links, s.handlers.Identity

	mux.HandleFunc("GET /x/health", s.healthCheckHandler)
	if s.config.Observability.MetricsEnabled {
		mux.Handle("GET "+s.config.Observability.MetricsPath, promhttp.Handler())
	}

	mux.HandleFunc("POST /api/auth/register", users.Register)
	mux.HandleFunc("POST /api/auth/login", users.Login)
	mux.HandleFunc("POST /api/auth/recover", users.Recover)
	mux.HandleFunc("GET /api/auth/me", users.Me)

	mux.HandleFunc("GET /api/users", users.ListUsers)
	mux.HandleFunc("POST /api/users", users.CreateUser)
	mux.HandleFunc("PUT /api/users/{id}", users.UpdateUser)
	mux.HandleFunc("PATCH /api/users/{id}/role", users.UpdateRole)
	mux.HandleFunc("DELETE /api/users/{id}", users.DeleteUser)

	mux.HandleFunc("POST /api/links", links.CreateLink)
	mux.HandleFunc("GET /api/links", links.ListLinks)
	mux.HandleFunc("GET /api/links/stats", links.Stats)
	mux.HandleFunc("POST /api/links/bulk", s.handlers.Bulk.Create)
	mux.HandleFunc("PUT /api/links/{id}", links.UpdateLink)
	mux.HandleFunc("PATCH /api/links/{id}/expiry", links.UpdateExpiry)
	mux.HandleFunc("DELETE /api/links/{id}", links.DeleteLink)
	mux.HandleFunc("GET /api/links/{id}/history", links.LinkHistory)
	mux.HandleFunc("GET /api/guest/link", links.GuestLink)

	mux.HandleFunc("GET /api/admin/export", s.handlers.Backup.Export)
	mux.HandleFunc("POST /api/admin/import", s.handlers.Backup.Import)

	mux.HandleFunc("GET /{slug}", links.ResolveLink)

	return mux
}

// applyMiddleware wraps the handler with middleware in the correct order.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := []httpx.Middleware{
		httpx.Recovery(s.logger),                // Outermost: catch panics
		httpx.RequestID,                         // Add request ID
		httpx.Logger(s.logger),                  // Log requests
		httpx.CORS(s.config.Server.CORSOrigins), // CORS headers (empty list allows all)
	}
	if s.handlers.Auth != nil {
		chain = append(chain, s.handlers.Auth)
	}
	// Innermost so it sees the pattern the mux matched.
	chain = append(chain, httpx.Metrics)

	return httpx.Chain(chain...)(handler)
}

// healthCheckHandler handles health check requests.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.config.Observability.ServiceName,
		"version": s.config.Observability.ServiceVersion,
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout exceeded, forcing close")
			return s.server.Close()
		}
		return err
	}

	return nil
}
