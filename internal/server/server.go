// Package server implements the HTTP transport layer for the ccflare proxy:
// the authenticated /v1/* relay mount, the /api/* operator surface, and the
// health and metrics endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/telemetry"
	"github.com/tombii/better-ccflare-sub004/internal/token"
	"github.com/tombii/better-ccflare-sub004/internal/worker"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// KeyInvalidator evicts a cached client key after an admin mutation.
type KeyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// UsageReader serves the latest vendor usage snapshot for an account.
type UsageReader interface {
	Get(accountID string) (worker.UsageSnapshot, bool)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store    storage.Store
	Auth     relay.Authenticator
	Proxy    http.Handler // the relay engine, mounted under /v1/*
	Writer   *writer.Writer
	Tokens   *token.Manager
	Accounts *cache.Accounts

	Usage      UsageReader           // nil = no usage snapshots on accounts
	Guard      *ratelimit.SpendGuard // nil = no spend budgets
	Keys       KeyInvalidator        // nil = no key cache to evict
	Metrics    *telemetry.Metrics    // nil = no request metrics
	Gatherer   prometheus.Gatherer   // nil = no /metrics endpoint
	ReadyCheck ReadyChecker          // nil = always ready (for tests)

	// OAuthClientID is the vendor OAuth client used for operator logins.
	OAuthClientID string
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
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Authenticated surfaces: the client-facing relay and the operator API.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// The relay engine owns everything under /v1/ -- it forwards the
		// path verbatim (or translated, for OpenAI-wire accounts).
		r.Handle("/v1/*", deps.Proxy)

		r.Route("/api", func(r chi.Router) {
			r.Get("/accounts", s.handleListAccounts)
			r.Delete("/accounts/{id}", s.handleDeleteAccount)
			r.Post("/accounts/{id}/pause", s.handlePauseAccount)
			r.Post("/accounts/{id}/resume", s.handleResumeAccount)
			r.Delete("/accounts/{id}/rate-limit", s.handleClearRateLimit)
			r.Put("/accounts/{id}/priority", s.handleSetPriority)

			r.Post("/oauth/init", s.handleOAuthInit)
			r.Post("/oauth/callback", s.handleOAuthCallback)

			r.Get("/requests", s.handleListRequests)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/requests/{id}/payload", s.handleGetPayload)

			r.Get("/stats", s.handleStats)
			r.Get("/workspaces", s.handleListWorkspaces)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Post("/keys/{id}/active", s.handleSetKeyActive)
			r.Delete("/keys/{id}", s.handleDeleteKey)
		})
	})

	return r
}

type server struct {
	deps Deps
}
