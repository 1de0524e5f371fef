package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. repo and bus may be nil; m serves /metrics.
func NewServer(cfg domain.ServerConfig, engine Engine, repo domain.Repository, bus domain.EventBus, m *metrics.Metrics, version string) *Server {
	handler := NewHandler(engine, repo, bus, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	if m != nil {
		router.Use(MetricsMiddleware(m))
	}
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operations
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/stats", handler.Stats)
	router.Post("/scan", handler.TriggerScan)
	if m != nil {
		router.Method(http.MethodGet, "/metrics", m.Handler())
	}

	// Ingest
	router.Post("/transactions", handler.IngestTransaction)
	router.Post("/transactions/batch", handler.IngestBatch)
	router.Get("/archive/transactions/{id}", handler.GetArchivedTransaction)

	// Queries
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/{id}", handler.GetAlert)
	router.Get("/accounts/{id}/history", handler.AccountHistory)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Post("/rules", handler.SaveRule)

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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
