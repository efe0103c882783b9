package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmacm/internal/health"
	"github.com/piwi3910/rdmacm/internal/metrics"
)

// metricsServer serves Prometheus metrics and health checks while a probe runs.
type metricsServer struct {
	srv *http.Server
}

func newRouter(checker *health.Checker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	healthHandler := health.NewHandler(checker)
	r.Get("/healthz", healthHandler.HealthHandler)
	r.Get("/healthz/live", healthHandler.LivenessHandler)
	r.Get("/healthz/ready", healthHandler.ReadinessHandler)
	r.Get("/healthz/detailed", healthHandler.DetailedHandler)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func newMetricsServer(addr string, checker *health.Checker) *metricsServer {
	return &metricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newRouter(checker),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (s *metricsServer) Name() string { return "metrics" }

// ListenAndServe blocks until the server is shut down.
func (s *metricsServer) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("Prometheus metrics available at /metrics")

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *metricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
