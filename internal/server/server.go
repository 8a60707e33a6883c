// Package server implements the HTTP transport layer of the page cache.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/operation"
	"github.com/eugener/pagecache/internal/telemetry"
	"github.com/eugener/pagecache/internal/transform"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Publisher maps requests to published objects and renders them.
type Publisher interface {
	Traverse(r *pagecache.Request) (pagecache.Published, error)
	Render(ctx context.Context, p pagecache.Published, r *pagecache.Request, resp *pagecache.Response) (transform.Body, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Publisher      Publisher
	Rules          *operation.Ruleset // nil = every request passes through
	Chain          *transform.Chain   // nil = bodies are written as rendered
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics
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

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Everything else is published through the cache.
	r.HandleFunc("/*", s.handlePublish)

	return r
}

type server struct {
	deps Deps
}
