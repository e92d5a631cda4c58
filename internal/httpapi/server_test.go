package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitalworks/vitalexport/internal/export"
	"github.com/vitalworks/vitalexport/internal/schedule"
)

type stubRunner struct {
	mu     sync.Mutex
	report export.RunReport
	err    error
}

func (r *stubRunner) RunOnce(ctx context.Context) (export.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.err
}

func newTestServer(t *testing.T, runner *stubRunner, cfg ServerConfig) *Server {
	t.Helper()
	coordinator, err := schedule.NewCoordinator(schedule.CoordinatorOptions{Runner: runner})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	scheduler, err := schedule.NewScheduler(coordinator, nil)
	if err != nil {
		t.Fatalf("new scheduler failed: %v", err)
	}
	registry := prometheus.NewRegistry()
	export.NewMetrics(registry)
	return NewServer(coordinator, scheduler, registry, cfg, nil)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestManualRunReturnsReport(t *testing.T) {
	runner := &stubRunner{report: export.RunReport{RunID: "run_1", Mode: export.ModeFull}}
	server := newTestServer(t, runner, ServerConfig{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/export/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report export.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report failed: %v", err)
	}
	if report.RunID != "run_1" || report.Mode != export.ModeFull {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestManualRunErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"permission denied", export.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
		{"provider unavailable", export.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
		{"delivery failed", export.ErrDeliveryFailed, http.StatusBadGateway, "delivery_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, &stubRunner{err: tc.err}, ServerConfig{})
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/export/run", nil))

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.code) {
				t.Fatalf("expected code %q in body %s", tc.code, rec.Body.String())
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	runner := &stubRunner{report: export.RunReport{RunID: "run_1"}}
	server := newTestServer(t, runner, ServerConfig{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/export/run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed run failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status struct {
		Busy    bool               `json:"busy"`
		LastRun *export.RunReport  `json:"lastRun"`
		History []export.RunReport `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if status.Busy {
		t.Fatalf("expected idle slot")
	}
	if status.LastRun == nil || status.LastRun.RunID != "run_1" {
		t.Fatalf("expected last run in status, got %+v", status.LastRun)
	}
}

func TestBearerAuthGuardsAPIRoutes(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, ServerConfig{AuthToken: "secret"})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/export/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/export/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export/run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET on run route should 404, got %d", rec.Code)
	}
}
