package handlers

import (
	"context"
	"net/http"
	"time"
)

var startTime = time.Now()

// ReadinessProbe reports whether a downstream dependency can serve traffic.
type ReadinessProbe func(ctx context.Context) error

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	probes  map[string]ReadinessProbe
	timeout time.Duration
	clock   func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithReadinessProbe registers a named dependency probe run on /readyz.
func WithReadinessProbe(name string, probe ReadinessProbe) HealthOption {
	return func(h *HealthHandlers) {
		if name == "" || probe == nil {
			return
		}
		h.probes[name] = probe
	}
}

// WithProbeTimeout bounds how long the readiness probes may take in total.
func WithProbeTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewHealthHandlers builds the health endpoints with optional dependency probes.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		probes:  map[string]ReadinessProbe{},
		timeout: 5 * time.Second,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startTime).String(),
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

// Readyz runs the dependency probes and reports per-dependency outcomes.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	payload := map[string]any{
		"status":    "ok",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		payload["status"] = "unavailable"
	}
	if len(checks) > 0 {
		payload["checks"] = checks
	}
	writeJSONResponse(w, status, payload)
}
