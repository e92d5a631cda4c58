// Package httpapi exposes the control surface: health, export status,
// manual triggers, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalworks/vitalexport/internal/export"
	"github.com/vitalworks/vitalexport/internal/schedule"
)

type ServerConfig struct {
	// AuthToken guards the /v1 routes when set. /health and /metrics are
	// always open.
	AuthToken string
}

type Server struct {
	coordinator *schedule.Coordinator
	scheduler   *schedule.Scheduler
	cfg         ServerConfig
	logger      *slog.Logger
	metrics     http.Handler
}

func NewServer(coordinator *schedule.Coordinator, scheduler *schedule.Scheduler, gatherer prometheus.Gatherer, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var metricsHandler http.Handler
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return &Server{
		coordinator: coordinator,
		scheduler:   scheduler,
		cfg:         cfg,
		logger:      logger,
		metrics:     metricsHandler,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics not enabled")
			return
		}
		s.metrics.ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/v1/") {
		if authErr := s.authorize(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", authErr.Error())
			return
		}
	}

	switch {
	case r.URL.Path == "/v1/export/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/export/run" && r.Method == http.MethodPost:
		s.handleRun(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) error {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return errors.New("missing bearer token")
	}
	if strings.TrimSpace(strings.TrimPrefix(header, prefix)) != s.cfg.AuthToken {
		return errors.New("invalid bearer token")
	}
	return nil
}

type statusResponse struct {
	schedule.Status
	NextRun *time.Time `json:"nextRun,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.coordinator.Status()}
	if s.scheduler != nil {
		resp.NextRun = s.scheduler.NextRun()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.coordinator.TriggerNow(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, export.ErrRunInFlight):
			writeError(w, http.StatusConflict, "run_in_flight", "an export run is already in progress")
		case errors.Is(err, export.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "permission_denied", err.Error())
		case errors.Is(err, export.ErrProviderUnavailable):
			writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
		case errors.Is(err, export.ErrDeliveryFailed):
			writeError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		default:
			s.logger.Error("manual export run failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
