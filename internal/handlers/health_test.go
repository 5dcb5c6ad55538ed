package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.0.0",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "1.0.0" || body["commitSha"] != "abc123" {
		t.Fatalf("unexpected build info %v", body)
	}
	if body["uptime"] != "30s" {
		t.Fatalf("expected uptime 30s, got %v", body["uptime"])
	}
}

func TestHealthHandlersReadyz(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		system     *stubSystemService
		wantStatus int
		wantCheck  string
	}{
		{
			name: "all healthy",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
				},
			}},
			wantStatus: http.StatusOK,
			wantCheck:  "firestore",
		},
		{
			name: "optional dependency degraded",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusDegraded,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub": {Status: domain.HealthStatusError, Optional: true, Error: "timeout"},
				},
			}},
			wantStatus: http.StatusOK,
			wantCheck:  "pubsub",
		},
		{
			name: "required dependency failing",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusError,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "unavailable"},
				},
			}},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "firestore",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewHealthHandlers(WithHealthService(tc.system), WithHealthClock(func() time.Time { return now }))
			rr := httptest.NewRecorder()
			handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body struct {
				Checks map[string]map[string]any `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if _, ok := body.Checks[tc.wantCheck]; !ok {
				t.Fatalf("expected check %q in %v", tc.wantCheck, body.Checks)
			}
		})
	}
}

func TestHealthHandlersReadyzServiceError(t *testing.T) {
	handlers := NewHealthHandlers(WithHealthService(&stubSystemService{err: errors.New("boom")}))
	rr := httptest.NewRecorder()

	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "health_unavailable" {
		t.Fatalf("expected health_unavailable, got %q", code)
	}
}

func TestHealthHandlersReadyzWithoutService(t *testing.T) {
	handlers := NewHealthHandlers()
	rr := httptest.NewRecorder()

	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected fallback to liveness, got %d", rr.Code)
	}
}
