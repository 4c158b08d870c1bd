package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/lagless/telemetry"
	"github.com/rs/zerolog/log"
)

// ServerConfig for the admin HTTP server
type ServerConfig struct {
	BindAddress string
	Port        int
}

// Server hosts the admin API and the Prometheus metrics endpoint
type Server struct {
	srv *http.Server
}

// NewServer builds the admin server with all routes registered
func NewServer(config ServerConfig, handlers *Handlers) *Server {
	r := chi.NewRouter()

	r.Get("/status", handlers.handleStatus)
	r.Get("/position", handlers.handlePosition)
	r.Get("/waiters", handlers.handleWaiters)
	r.Get("/sessions/{key}", handlers.handleSession)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Routes returns the HTTP handler, exposed for tests
func (s *Server) Routes() http.Handler {
	return s.srv.Handler
}

// Start serves the admin API in a background goroutine
func (s *Server) Start() {
	log.Info().Str("addr", s.srv.Addr).Msg("Admin endpoints enabled")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
