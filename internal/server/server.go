// Package server implements the HTTP transport layer for the Mithril gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backpressure"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/queue"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/retry"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
)

// Service is the request-lifecycle surface the handlers dispatch into.
type Service interface {
	Submit(ctx context.Context, r *gateway.Request) (*gateway.Response, error)
	Enqueue(ctx context.Context, r *gateway.Request) error
	Stream(ctx context.Context, r *gateway.Request) (<-chan gateway.Chunk, error)
	Cancel(ctx context.Context, id string) error
	GetResult(ctx context.Context, id string) (*gateway.Request, *gateway.Response, error)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Service  Service
	Auth     gateway.Authenticator
	Store    storage.Store
	Queue    *queue.Queue
	Cache    *cache.Manager
	Tracker  *retry.Tracker
	Limiter  *ratelimit.Limiter       // nil = no rate limiting
	Pressure *backpressure.Controller // nil = no load reporting
	Metrics  *telemetry.Metrics
	Registry prometheus.Gatherer // backs the /metrics endpoint
	Ready    ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Client-facing API (auth + rate limiting)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/api/ask", s.handleAsk)
		r.Post("/api/ask/async", s.handleAskAsync)
		r.Post("/api/ask/stream", s.handleAskStream)
		r.Get("/api/requests", s.handleListRequests)
		r.Get("/api/requests/{id}", s.handleGetRequest)
		r.Delete("/api/requests/{id}", s.handleCancelRequest)
		r.Get("/api/providers", s.handleListProviders)
		r.Get("/api/queue/stats", s.handleQueueStats)
		r.Get("/api/cache/stats", s.handleCacheStats)
		r.Delete("/api/cache", s.handleCacheClear)

		r.Put("/api/costs", s.handleUpsertTokenCost)

		r.Get("/api/keys", s.handleListKeys)
		r.Post("/api/keys", s.handleCreateKey)
		r.Delete("/api/keys/{id}", s.handleDisableKey)
	})

	return r
}

type server struct {
	deps Deps
}
