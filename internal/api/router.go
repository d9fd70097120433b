// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verilocate/verilocate/internal/auth"
)

// Router builds the HTTP routing tree around a Handler.
type Router struct {
	handler *Handler
}

// NewRouter creates a router for the given handler.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	cfg := rt.handler.cfg
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow))

	// Pairing and device-token endpoints. No self-issued token here; the
	// flow itself is the authentication.
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Get("/callback", rt.handler.AuthCallback)
		r.Get("/validate", rt.handler.ValidateDeviceToken)
	})

	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Post("/login", rt.handler.DeviceLogin)
		r.Post("/logout", rt.handler.DeviceLogout)
		r.Post("/logs", rt.handler.SubmitLogs)

		// Directory reads need a dashboard or service token.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(rt.handler.jwt, auth.RoleDashboard, auth.RoleService))
			r.Get("/", rt.handler.ListDevices)
			r.Get("/online", rt.handler.OnlineDevices)
			r.Get("/offline", rt.handler.OfflineDevices)
			r.Get("/score", rt.handler.FetchScore)
			r.Post("/score", rt.handler.UpdateScore)
			r.Get("/location", rt.handler.FetchLocation)
			r.Post("/location", rt.handler.UpdateLocation)
		})
	})

	r.Post("/api/v1/dashboard/login", rt.handler.DashboardLogin)
	r.Get("/api/v1/status", rt.handler.Status)

	// WebSocket feeds; token checks happen inside the handler.
	r.Get("/ws", rt.handler.WebSocket)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
