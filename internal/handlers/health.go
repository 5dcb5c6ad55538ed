package handlers

import (
	"context"
	"net/http"
	"time"

	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

const defaultReadinessTimeout = 5 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system  services.SystemService
	build   services.BuildInfo
	now     func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthService sets the service backing /readyz.
func WithHealthService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock injects a custom clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now, timeout: defaultReadinessTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp":   now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 when a required one fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status":    check.Status,
			"latencyMs": check.Latency.Milliseconds(),
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		if check.Optional {
			entry["optional"] = true
		}
		checks[name] = entry
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, map[string]any{
		"status":       report.Status,
		"checks":       checks,
		"integrations": report.Integrations,
		"version":      report.Version,
		"commitSha":    report.CommitSHA,
		"environment":  report.Environment,
		"uptime":       report.Uptime.Round(time.Second).String(),
		"generatedAt":  report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}
