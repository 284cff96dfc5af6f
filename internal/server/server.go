package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mise/internal/engine"
	"mise/internal/handlers"
	applog "mise/internal/log"
)

// Config captures the runtime configuration for the HTTP server.
type Config struct {
	Addr   string
	Engine *engine.Engine
	Issues handlers.IssueLister
	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

// Server wraps an http.Server and exposes helpers for bootstrapping a
// production-ready web service.
type Server struct {
	config     Config
	httpServer *http.Server
}

// New builds a new Server using the provided configuration.
func New(cfg Config) (*Server, error) {
	applog.Debug(context.Background(), "initializing server", "addr", cfg.Addr)

	handlers.Configure(cfg.Engine, cfg.Issues)

	applog.Debug(context.Background(), "handler dependencies configured",
		"engine", cfg.Engine != nil,
		"issues", cfg.Issues != nil,
	)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           newRouter(gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Start begins serving HTTP traffic using the underlying http.Server.
func (s *Server) Start() error {
	applog.Debug(context.Background(), "server starting listener", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server, then drains background engine
// work, within a timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	applog.Debug(ctx, "server initiating graceful shutdown")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if s.config.Engine != nil {
		return s.config.Engine.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the configured HTTP handler, enabling integration tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
