// Package api serves the read-only fleet API: status, peer inventory and
// a live status stream. Authentication is bearer tokens checked against
// the api_tokens table.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/core"
)

const defaultStreamInterval = 5 * time.Second

type Server struct {
	router chi.Router
	core   *core.Core
	logger zerolog.Logger
	reg    *prometheus.Registry

	streamInterval time.Duration
}

// NewServer builds the router. reg carries the process metrics served at
// /metrics; pass a fresh registry per server.
func NewServer(c *core.Core, logger zerolog.Logger, reg *prometheus.Registry) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		core:           c,
		logger:         logger.With().Str("component", "api").Logger(),
		reg:            reg,
		streamInterval: defaultStreamInterval,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(httpMetrics(s.reg))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.core.DB().PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "datastore unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	s.router.Group(func(r chi.Router) {
		r.Use(auth(s.core))

		r.With(requireScope("read")).Get("/status", s.handleStatus)
		r.With(requireScope("read")).Get("/peers", s.handlePeers)
		r.With(requireScope("read")).Get("/peers/{hostname}", s.handlePeer)
		r.With(requireScope("read")).Get("/stream/status", s.handleStreamStatus)
		r.With(requireScope("admin")).Get("/tokens", s.handleTokens)
	})
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", addr).Msg("api listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
