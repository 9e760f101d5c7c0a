// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package httpapi wires the chi router that accepts inbound event
// envelopes and serves the read-only status and health endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/metrics"
	plexmiddleware "github.com/tomtom215/plexer/internal/middleware"
)

// MaxEventBodyBytes bounds the size of an inbound envelope body.
const MaxEventBodyBytes = 1 << 20 // 1MiB

// Config configures the router's CORS and rate-limit posture.
type Config struct {
	Environment        string
	CORSAllowedOrigins []string
	EventsRateLimit    int
	EventsRateWindow   time.Duration
}

// DefaultConfig returns a Config with an empty CORS origin list, which
// go-chi/cors treats as allowing any origin, and a limit of 100 requests
// per minute per client IP on the ingress endpoint.
func DefaultConfig() Config {
	return Config{
		Environment:        "development",
		CORSAllowedOrigins: []string{},
		EventsRateLimit:    100,
		EventsRateWindow:   time.Minute,
	}
}

// NewRouter assembles the HTTP surface described in the external
// interfaces: /, /health, /status, /metrics, POST /events, and a JSON 404
// for everything else.
func NewRouter(cfg Config, gatherer prometheus.Gatherer, d *dispatch.Dispatcher, m *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Auth"},
		MaxAge:         300,
	}))

	h := &handlers{environment: cfg.Environment, dispatcher: d, metrics: m}

	r.Get("/", h.welcome)
	r.Get("/health", h.health)
	r.Get("/status", h.status)
	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m.Refresh()
		metricsHandler.ServeHTTP(w, req)
	}))

	r.With(httprate.Limit(cfg.EventsRateLimit, cfg.EventsRateWindow, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Post("/events", h.postEvent)

	r.NotFound(h.notFound)

	return r
}

// requestIDMiddleware adapts the ambient http.HandlerFunc-style RequestID
// middleware to chi's func(http.Handler) http.Handler signature.
func requestIDMiddleware(next http.Handler) http.Handler {
	return plexmiddleware.RequestID(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
	})
}
