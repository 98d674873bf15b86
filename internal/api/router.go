// Package api provides the HTTP API for FleetView.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fleetview/fleetview/internal/api/handler"
	"github.com/fleetview/fleetview/internal/api/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger
	Metrics   *middleware.Metrics

	// State is the reconciler exposing the view slices.
	State handler.StateProvider

	// StreamHandler serves the websocket push channel (optional).
	StreamHandler http.Handler
}

// NewRouter creates a chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing())
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)

	stateHandler := handler.NewStateHandler(cfg.State)
	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.State)

	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)

	r.Route("/api", func(r chi.Router) {
		// Ops endpoints, unthrottled for probes
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.FeedStatus)
		})

		// Read-only state slices for the rendering layer
		r.Group(func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/state", stateHandler.GetState)
			r.Get("/snapshot", stateHandler.GetSnapshot)
			r.Get("/buses", stateHandler.GetBuses)
			r.Get("/ridership", stateHandler.GetRidership)
			r.Get("/alerts", stateHandler.GetAlerts)
		})
	})

	if cfg.StreamHandler != nil {
		r.Handle("/ws", cfg.StreamHandler)
	}

	return r
}
