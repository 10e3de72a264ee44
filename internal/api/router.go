// Package api is the collector's admin HTTP surface.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/collector"
	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/events"
	"github.com/ssd-technologies/archivist/internal/ratelimit"
	"github.com/ssd-technologies/archivist/internal/storage"
)

// keyWritesPerMinute bounds POST /api/keys across all callers.
const keyWritesPerMinute = 10

// Collector is the part of the receiver the admin API needs.
type Collector interface {
	Registry() *collector.Registry
	Keys() *crypto.KeyRing
	AddKey(agentID string, key crypto.Key) error
}

// Handler serves the admin endpoints.
type Handler struct {
	col     Collector
	ledger  *storage.DB
	hub     *events.Hub
	token    string
	keyLimit *ratelimit.Limiter
	started  time.Time
}

// NewRouter wires the admin routes. ledger and hub may be nil; their
// endpoints then report 503. An empty token disables key management.
func NewRouter(logger zerolog.Logger, col Collector, ledger *storage.DB, hub *events.Hub, token string) *chi.Mux {
	h := &Handler{
		col:      col,
		ledger:   ledger,
		hub:      hub,
		token:    token,
		keyLimit: ratelimit.New(keyWritesPerMinute, time.Minute),
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/connections", h.Connections)
		r.Get("/transfers", h.ListTransfers)
		r.Get("/transfers/{id}", h.GetTransfer)
		r.Get("/agents", h.Agents)
		r.Get("/events", h.Events)

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Use(chimw.AllowContentType("application/json"))
			r.Get("/keys", h.ListKeys)
			r.Post("/keys", h.AddKey)
		})
	})
	return r
}
