// Package proxy routes inbound requests to backend targets selected by a
// routing header and reports every outcome to the health monitor and the
// metrics recorder.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/metrics"
	"github.com/HerbHall/keyproxy/internal/pulse"
	"github.com/HerbHall/keyproxy/internal/state"
)

// HealthSink receives health observations and probe triggers. Both calls
// must return without waiting on network I/O; Submit may drop an
// observation and report why.
type HealthSink interface {
	Submit(id string, obs pulse.Observation) error
	TriggerProbe(id string)
}

// MetricsSink records per-target request statistics.
type MetricsSink interface {
	Record(ctx context.Context, id string, status int, elapsed time.Duration) error
}

// Handler is the proxy's inbound http.Handler.
type Handler struct {
	router      *Router
	forwarder   *Forwarder
	guard       *Guard
	health      HealthSink
	metrics     MetricsSink
	maintenance *Maintenance
	serverName  string
	debug       bool
	clock       clock.Clock
	logger      *zap.Logger
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Router      *Router
	Forwarder   *Forwarder
	Guard       *Guard
	Health      HealthSink
	Metrics     MetricsSink
	Maintenance *Maintenance
	ServerName  string
	// Debug includes internal error detail in 500 responses.
	Debug  bool
	Clock  clock.Clock
	Logger *zap.Logger
}

// NewHandler creates the proxy handler.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Handler{
		router:      d.Router,
		forwarder:   d.Forwarder,
		guard:       d.Guard,
		health:      d.Health,
		metrics:     d.Metrics,
		maintenance: d.Maintenance,
		serverName:  d.ServerName,
		debug:       d.Debug,
		clock:       d.Clock,
		logger:      d.Logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := 0
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"),
			)
			msg := "internal server error"
			if h.debug {
				msg = fmt.Sprint(rec)
			}
			status = http.StatusInternalServerError
			h.writeError(w, status, msg)
		}
		h.logger.Info("access",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", status),
			zap.Float64("duration_ms", ms(time.Since(start))),
		)
	}()

	if m := h.maintenance.State(); m.Enabled {
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.FormatInt(m.RetryAfterSeconds, 10))
		writeJSON(w, status, map[string]string{
			"error":     "Service Unavailable",
			"message":   m.Message,
			"timestamp": h.clock.Now().Format(time.RFC3339),
		})
		return
	}

	key := h.router.Key(r.Header)
	h.logger.Info("inbound request",
		zap.String("target_id", key),
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method),
		zap.String("remote", r.RemoteAddr),
	)

	target, err := h.router.Lookup(key)
	if err != nil {
		re := &RoutingError{Status: http.StatusBadRequest, Key: key, Message: err.Error()}
		errors.As(err, &re)
		h.guard.Report(context.WithoutCancel(r.Context()), re.Key,
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
		)
		status = re.Status
		h.writeError(w, status, re.Message)
		return
	}

	// Probing is detached; the monitor decides whether one is due.
	h.health.TriggerProbe(target.ID)

	status = h.forward(w, r, target)
}

// forward sends r to target and writes the outcome to w, returning the
// status sent to the client.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target config.Target) int {
	// Bookkeeping must survive the client going away.
	bg := context.WithoutCancel(r.Context())
	id := target.ID
	detail := r.Method + " " + r.URL.Path

	start := time.Now()
	resp, err := h.forwarder.Forward(r.Context(), target, r)
	if err != nil {
		var ue *UpstreamError
		elapsed := time.Duration(0)
		if errors.As(err, &ue) {
			elapsed = ue.Elapsed
		}
		h.logger.Error("forward failed",
			zap.String("target_id", id),
			zap.String("path", r.URL.Path),
			zap.Float64("elapsed_ms", ms(elapsed)),
			zap.Error(err),
		)
		h.record(bg, id, 0, elapsed)
		h.observe(id, pulse.Observation{
			Success: false,
			Source:  state.SourceForward,
			Detail:  detail,
			Outcome: errOutcome(err),
		})
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to reach target %q", id))
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vs := range resp.Header {
		dst[k] = append([]string(nil), vs...)
	}
	dst.Set("X-Proxy-Server", h.serverName)
	dst.Set("X-Proxy-Response-Time", fmt.Sprintf("%.2fms", ms(resp.Elapsed)))
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	// Metrics time the whole exchange, body included.
	elapsed := time.Since(start)
	if err != nil {
		// The status line is already on the wire; the exchange still failed
		// at the transport level.
		outcome := copyOutcome(r, err)
		h.logger.Error("forward interrupted after headers",
			zap.String("target_id", id),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		h.record(bg, id, 0, elapsed)
		h.observe(id, pulse.Observation{
			Success: false,
			Source:  state.SourceForward,
			Detail:  detail,
			Outcome: outcome,
		})
		return resp.StatusCode
	}

	h.record(bg, id, resp.StatusCode, elapsed)
	switch {
	case resp.StatusCode >= 500:
		h.logger.Warn("upstream server error",
			zap.String("target_id", id),
			zap.Int("status", resp.StatusCode),
		)
	default:
		h.logger.Info("forwarded",
			zap.String("target_id", id),
			zap.Int("status", resp.StatusCode),
			zap.Float64("elapsed_ms", ms(elapsed)),
		)
	}
	// Application errors from a live upstream do not move health state.
	if metrics.Successful(resp.StatusCode) {
		h.observe(id, pulse.Observation{Success: true, Source: state.SourceForward, Detail: detail})
	}
	return resp.StatusCode
}

func (h *Handler) record(ctx context.Context, id string, status int, elapsed time.Duration) {
	if err := h.metrics.Record(ctx, id, status, elapsed); err != nil {
		h.logger.Error("persist metrics failed", zap.String("target_id", id), zap.Error(err))
	}
}

func (h *Handler) observe(id string, obs pulse.Observation) {
	if err := h.health.Submit(id, obs); err != nil {
		h.logger.Warn("health observation dropped", zap.String("target_id", id), zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, newEnvelope(status, message, h.clock.Now()))
}

// errOutcome condenses a forward error for the health history.
func errOutcome(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "client cancelled"
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return ue.Err.Error()
		}
		return err.Error()
	}
}

// copyOutcome condenses an error raised while relaying the response body.
func copyOutcome(r *http.Request, err error) string {
	if r.Context().Err() != nil {
		return "client cancelled"
	}
	return errOutcome(err)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
