package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/curebird/curebird/pkg/circuitbreaker"
)

// Check is one readiness probe, e.g. a database ping.
type Check func(ctx context.Context) error

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	checks   map[string]Check
	breakers *circuitbreaker.Registry
}

// NewHealthHandler creates a handler. breakers may be nil.
func NewHealthHandler(checks map[string]Check, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /ready. Every check must pass; open breakers are
// reported but do not fail readiness, since the analysis service is
// optional for the dashboard.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	resp := map[string]any{"status": "ready", "checks": checks}
	if status != http.StatusOK {
		resp["status"] = "not ready"
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.Health()
	}
	writeJSON(w, status, resp)
}
