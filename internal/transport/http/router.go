// Package httptransport assembles the HTTP server: middleware stack, domain
// handlers and operational endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	accesshandler "caseguard/internal/access/handler"
	audithandler "caseguard/internal/audit/handler"
	clienthandler "caseguard/internal/client/handler"
	erasurehandler "caseguard/internal/erasure/handler"
	"caseguard/internal/platform/health"
	"caseguard/internal/platform/metrics"
	"caseguard/internal/platform/middleware"
)

const requestTimeout = 30 * time.Second

// Handlers bundles everything the router mounts.
type Handlers struct {
	Clients *clienthandler.Handler
	Access  *accesshandler.Handler
	Audit   *audithandler.Handler
	Erasure *erasurehandler.Handler
	Health  *health.Handler
}

// Authenticator is the principal-resolution middleware protecting the API.
type Authenticator func(http.Handler) http.Handler

// NewRouter wires the full middleware stack and all endpoints. Health and
// metrics stay outside authentication; everything else requires a principal.
func NewRouter(h Handlers, authenticate Authenticator, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Metadata)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Latency(m))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.ContentTypeJSON)

	if h.Health != nil {
		h.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(authenticate)
		if h.Clients != nil {
			h.Clients.Register(api)
		}
		if h.Access != nil {
			h.Access.Register(api)
		}
		if h.Audit != nil {
			h.Audit.Register(api)
		}
		if h.Erasure != nil {
			h.Erasure.Register(api)
		}
	})

	return r
}
