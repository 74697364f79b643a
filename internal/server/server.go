// Package server implements the HTTP transport layer for the htrules service.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/app"
	"github.com/eugener/htrules/internal/ratelimit"
	"github.com/eugener/htrules/internal/telemetry"
	"github.com/eugener/htrules/internal/worker"
)

// RuleService applies cache events and exposes the entry index.
type RuleService interface {
	Generate(ctx context.Context, req app.GenerateRequest) (*htrules.Entry, error)
	Remove(ctx context.Context, entryID, targetPath string) error
	RemoveByID(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*htrules.Entry, error)
	List(ctx context.Context, offset, limit int) ([]*htrules.Entry, int, error)
	RegenerateAll(ctx context.Context) (int, error)
}

// TemplatePurger drops cached parsed templates.
type TemplatePurger interface {
	Purge(ctx context.Context)
}

// EventQueue accepts cache events for asynchronous processing.
type EventQueue interface {
	Enqueue(worker.Event) bool
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           htrules.Authenticator
	Rules          RuleService
	Templates      TemplatePurger      // nil = purge is a no-op
	Events         EventQueue          // nil = /v1/events disabled
	ReadyChecks    []ReadyCheck        // empty = always ready (for tests)
	RateLimiter    *ratelimit.Registry // nil = no rate limiting
	RateLimits     ratelimit.Limits
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
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
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Cache hook and admin API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Route("/v1/entries", func(r chi.Router) {
			r.Post("/", s.handleGenerate)
			r.Get("/", s.handleListEntries)
			r.Post("/evict", s.handleEvict)
			r.Get("/{id}", s.handleGetEntry)
			r.Delete("/{id}", s.handleDeleteEntry)
		})
		if deps.Events != nil {
			r.Post("/v1/events", s.handleEvents)
		}
		r.Post("/v1/regenerate", s.handleRegenerate)
		r.Post("/v1/templates/purge", s.handlePurgeTemplates)
	})

	return r
}

type server struct {
	deps Deps
}
