package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. A nil metricsHandler serves the
// default Prometheus registry.
func NewServer(cfg domain.ServerConfig, svc VerificationService, tokens TokenValidator, metricsHandler http.Handler, version string) *Server {
	handler := NewHandler(svc, version)
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Unauthenticated
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	router.Group(func(r chi.Router) {
		r.Use(RequireAuth(tokens))

		r.With(RequireRole(RoleService, RoleAdmin)).Post("/verifications", handler.StartVerification)
		r.Get("/verifications/stats", handler.Stats)
		r.Get("/verifications/{settlementID}", handler.GetVerification)
		r.Get("/verifications/{settlementID}/attempts", handler.ListAttempts)
		r.Post("/verifications/{settlementID}/confirmation", handler.SubmitConfirmation)
		r.Get("/trust/{userID}", handler.TrustScore)

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/verifications/{settlementID}/override", handler.ApplyOverride)
			r.Get("/verifications/suspicious", handler.ListSuspicious)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
