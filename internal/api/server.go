// Package api exposes the replay engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, replayCfg domain.ReplayConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, replayer *replay.Replayer, snapshots *snapshot.Store, version string) *Server {
	handler := NewHandler(repo, cache, bus, replayer, snapshots, replayCfg, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operational endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Ad-hoc evaluation
	router.Post("/evaluate", handler.Evaluate)
	router.Post("/evaluate/async", handler.EvaluateAsync)
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	// Batch replay
	router.Group(func(r chi.Router) {
		if cfg.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
		}
		r.Post("/replay", handler.Replay)
	})

	router.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", handler.GetRun)
		r.Get("/records/{txId}", handler.GetRecord)
		r.Get("/report", handler.Report)
		r.Get("/misses", handler.Misses)
	})

	// Rule chain
	router.Get("/rules", handler.ListRules)

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
