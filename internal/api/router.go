// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/internal/middleware"
)

// NewRouter assembles the HTTP surface: the websocket handshake, the pull
// endpoints, health probes, and prometheus metrics.
func NewRouter(handler *Handler, cfg *config.SecurityConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Realtime handshake. Rate limited per IP so a reconnect storm from
	// one client cannot starve the handshake path.
	r.Route("/ws", func(r chi.Router) {
		if !cfg.RateLimitDisabled {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Get("/", handler.WebSocket)
	})

	// Health probes stay unauthenticated for orchestrator use, with a
	// permissive limit to keep probe storms bounded.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, cfg.RateLimitWindow))
		r.Get("/", handler.Health)
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})

	// Pull endpoints require the same credential as the realtime surface.
	r.Route("/api/v1", func(r chi.Router) {
		if !cfg.RateLimitDisabled {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Use(middleware.Metrics)
		r.Use(handler.Authenticate)

		r.Get("/vehicles/{vehicleId}/history", handler.History)
		r.Get("/vehicles/{vehicleId}/current", handler.Current)
		r.Get("/permissions/{kind}/{id}", handler.Permissions)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// corsOrigins returns the configured origins, defaulting to wildcard.
func corsOrigins(cfg *config.SecurityConfig) []string {
	if len(cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSOrigins
}
