package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig selects optional routes and middleware.
type RouterConfig struct {
	Logger        zerolog.Logger
	HomeURL       string
	EnableMetrics bool
	// Limiter, when set, rate limits the redirect route.
	Limiter RateLimiter
}

// NewRouter wires the public edge routes.
//
// Execution order: RealIP, RequestID, Recovery, Logging, Metrics, handler.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/health/live", h.HealthCheck)
	r.Get("/health/ready", h.ReadyCheck)
	if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/", h.Home(cfg.HomeURL))

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter))
		}
		r.Get("/{slug}", h.Redirect)
	})

	r.NotFound(h.notFound.ServeHTTP)
	return r
}
