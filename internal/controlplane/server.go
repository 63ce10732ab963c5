// Package controlplane is the operator HTTP surface: health and
// readiness, sync control, cache management, failed-record handling, and
// observability endpoints. All write endpoints are authenticated and
// audited.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/audit"
	"github.com/fieldops/safesync/internal/cache"
	"github.com/fieldops/safesync/internal/engine"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
)

// Server holds dependencies for the control-plane handlers.
type Server struct {
	Engine *engine.Controller
	Cache  *cache.Manager
	Client *httpx.Client
	Events *tracker.Events
	FailQ  *failq.Queue
	Audit  *audit.Log

	// RetryWorkers bounds bulk-retry parallelism; zero means a small default.
	RetryWorkers int

	// Ready probes the hard dependencies for the readiness endpoint.
	Ready func(ctx context.Context) error
}

// errorBody is the envelope every error response uses.
type errorBody struct {
	Code    syncerr.Code `json:"code"`
	Message string       `json:"message"`
	Details any          `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError maps the taxonomy code to a status and writes the envelope.
func writeError(w http.ResponseWriter, err error) {
	code := syncerr.CodeOf(err)
	writeJSON(w, syncerr.EnvelopeStatus(code), errorBody{Code: code, Message: err.Error()})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the router. Health, readiness, and metrics stay
// unauthenticated; everything else requires an operator token.
func (s *Server) Routes(auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(auth))

		r.Get("/status/live", s.handleStatusLive)
		r.Get("/entities/counts", s.handleEntityCounts)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/invalidate/{key}", s.handleCacheInvalidate)
		r.Post("/cache/refresh/{key}", s.handleCacheRefresh)

		r.Get("/api-calls", s.handleAPICalls)
		r.Get("/dependencies/health", s.handleDependencyHealth)
		r.Get("/errors/suggestions", s.handleErrorSuggestions)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/audit", s.handleAuditList)

		r.Get("/failed-records", s.handleFailedList)
		r.Post("/failed-records/retry-all", s.handleFailedRetryAll)
		r.Post("/failed-records/{id}/retry", s.handleFailedRetry)
		r.Post("/failed-records/{id}/dismiss", s.handleFailedDismiss)

		r.Post("/sync/trigger", s.handleSyncTrigger)
		r.Get("/sync/trigger/status", s.handleSyncStatus)
		r.Get("/sync/pause", s.handlePauseGet)
		r.Group(func(r chi.Router) {
			// Pause flips are rate limited so a misbehaving script cannot
			// wedge the scheduler by toggling it in a loop.
			r.Use(newRateLimiter(5, 1.0/6.0).middleware)
			r.Post("/sync/pause", s.handlePauseSet)
		})

		r.Get("/diff/{type}/{id}", s.handleDiff)
		r.Get("/export/{report}", s.handleExport)
	})

	log.Info().Msg("control plane routes registered")
	return r
}
