package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/pulse"
)

// TargetResponse describes a configured target.
type TargetResponse struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	URL                 string  `json:"url"`
	TimeoutSeconds      float64 `json:"timeout_seconds"`
	HealthCheck         string  `json:"health_check"`
	HealthCheckInterval float64 `json:"health_check_interval_seconds"`
}

// MaintenanceRequest is the body of PUT /api/v1/maintenance.
type MaintenanceRequest struct {
	Enabled           *bool  `json:"enabled"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.registry.All()
	out := make([]TargetResponse, 0, len(targets))
	for _, t := range targets {
		out = append(out, TargetResponse{
			ID:                  t.ID,
			Name:                t.Name,
			Description:         t.Description,
			URL:                 t.URL,
			TimeoutSeconds:      t.Timeout.Seconds(),
			HealthCheck:         t.HealthCheck,
			HealthCheckInterval: t.HealthCheckInterval.Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth returns the persisted health map keyed by target id.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.HealthSnapshot(r.Context())
	if err != nil {
		s.internal(w, r, "read health", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.MetricsSnapshot(r.Context())
	if err != nil {
		s.internal(w, r, "read metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleInvalidKeys(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.InvalidKeysSnapshot(r.Context())
	if err != nil {
		s.internal(w, r, "read invalid keys", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rep, err := s.monitor.Summarize(r.Context())
	if err != nil {
		s.monitorError(w, r, "summarize", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleReport sends a report through the notifiers and returns it. A
// delivery failure is reported as 502 with the report still attached.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.monitor.SendReport(r.Context())
	if err != nil {
		if rep.Summary.GeneratedAt.IsZero() {
			s.monitorError(w, r, "build report", err)
			return
		}
		s.logger.Warn("report delivery failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"delivered": false,
			"error":     err.Error(),
			"report":    rep,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "report": rep})
}

// handleReset clears a target's failure counter without a recovery
// notification.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.monitor.Reset(r.Context(), id)
	if err != nil {
		s.monitorError(w, r, "reset", err)
		return
	}
	s.logger.Info("target reset via admin api",
		zap.String("target_id", id),
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]any{"target_id": id, "record": rec})
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.maintenance.State())
}

func (s *Server) handlePutMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, fmt.Sprintf("invalid request body: %v", err), r.URL.Path)
		return
	}
	if req.Enabled == nil {
		BadRequest(w, "enabled is required", r.URL.Path)
		return
	}
	if req.RetryAfterSeconds < 0 {
		BadRequest(w, "retry_after_seconds must not be negative", r.URL.Path)
		return
	}
	st := s.maintenance.Set(*req.Enabled, req.Message, time.Duration(req.RetryAfterSeconds)*time.Second)
	s.logger.Info("maintenance mode changed",
		zap.Bool("enabled", st.Enabled),
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) monitorError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, pulse.ErrUnknownTarget):
		NotFound(w, fmt.Sprintf("unknown target %q", r.PathValue("id")), r.URL.Path)
	case errors.Is(err, pulse.ErrStopped):
		Unavailable(w, "health monitor is shutting down", r.URL.Path)
	default:
		s.internal(w, r, op, err)
	}
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("admin request failed",
		zap.String("op", op),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	InternalError(w, op+" failed", r.URL.Path)
}

var _ Monitor = (*pulse.Monitor)(nil)
