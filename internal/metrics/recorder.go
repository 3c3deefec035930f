// Package metrics keeps running per-target request statistics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/state"
)

// Request outcomes used as the "outcome" label.
const (
	OutcomeSuccess         = "success"
	OutcomeHTTPError       = "http_error"
	OutcomeConnectionError = "connection_error"
)

// Successful reports whether status counts as a successful forward:
// a response was obtained and its status is in [200, 400).
func Successful(status int) bool {
	return status >= 200 && status < 400
}

// Outcome maps a status code (0 for "no response") to its outcome label.
func Outcome(status int) string {
	switch {
	case status == 0:
		return OutcomeConnectionError
	case Successful(status):
		return OutcomeSuccess
	default:
		return OutcomeHTTPError
	}
}

// Options configures a Recorder.
type Options struct {
	// Persist toggles the persisted statistics. Prometheus collectors
	// count regardless.
	Persist bool
	// Retention purges records idle for longer. Zero disables purging.
	Retention time.Duration
	// Registerer receives the collectors. Nil skips Prometheus entirely.
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// Recorder updates MetricsRecords in the state store.
type Recorder struct {
	store     state.Store
	clock     clock.Clock
	persist   bool
	retention time.Duration
	logger    *zap.Logger

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewRecorder creates a recorder writing to st.
func NewRecorder(st state.Store, opts Options, logger *zap.Logger) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	r := &Recorder{
		store:     st,
		clock:     opts.Clock,
		persist:   opts.Persist,
		retention: opts.Retention,
		logger:    logger,
	}
	if opts.Registerer != nil {
		f := promauto.With(opts.Registerer)
		r.requests = f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_upstream_requests_total",
			Help: "Forwarded requests by target and outcome.",
		}, []string{"target", "outcome"})
		r.latency = f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyproxy_upstream_response_seconds",
			Help:    "Upstream response time of forwarded requests that got a response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"})
	}
	return r
}

// Record accounts one forwarded request. status 0 means no response was
// obtained; such requests count as failures and are left out of the timing
// average. Records idle beyond the retention window are purged in the same
// write.
//
// A persistence error is returned after the in-memory statistics were
// updated.
func (r *Recorder) Record(ctx context.Context, id string, status int, elapsed time.Duration) error {
	outcome := Outcome(status)
	if r.requests != nil {
		r.requests.WithLabelValues(id, outcome).Inc()
		if status != 0 {
			r.latency.WithLabelValues(id).Observe(elapsed.Seconds())
		}
	}
	if !r.persist {
		return nil
	}

	now := r.clock.Now()
	err := r.store.UpdateMetrics(ctx, func(all map[string]state.MetricsRecord) error {
		m := all[id]
		m.TotalRequests++
		if outcome == OutcomeSuccess {
			m.SuccessCount++
		} else {
			m.FailCount++
		}
		if status != 0 {
			m.TotalResponseTime += elapsed.Seconds()
			m.TimedRequests++
		}
		if m.TimedRequests > 0 {
			m.AvgResponseTime = m.TotalResponseTime / float64(m.TimedRequests)
		}
		m.LastTime = now.Unix()
		all[id] = m

		r.purge(all, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record metrics for %q: %w", id, err)
	}
	return nil
}

// purge drops records whose last request is older than the retention window.
func (r *Recorder) purge(all map[string]state.MetricsRecord, now time.Time) {
	if r.retention <= 0 {
		return
	}
	cutoff := now.Add(-r.retention).Unix()
	for id, m := range all {
		if m.LastTime < cutoff {
			delete(all, id)
			r.logger.Debug("purged idle metrics", zap.String("target_id", id), zap.Int64("last_time", m.LastTime))
		}
	}
}
