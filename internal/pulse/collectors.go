package pulse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the monitor's Prometheus metrics.
type Collectors struct {
	consecutiveFailures *prometheus.GaugeVec
	notifications       *prometheus.CounterVec
	probes              *prometheus.CounterVec
	droppedObs          *prometheus.CounterVec
}

// NewCollectors registers the monitor metrics with reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		consecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyproxy_target_consecutive_failures",
			Help: "Current consecutive failure count per target.",
		}, []string{"target"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_notifications_total",
			Help: "Notification attempts by kind and result.",
		}, []string{"kind", "result"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_probes_total",
			Help: "Health probes by target and result.",
		}, []string{"target", "result"}),
		droppedObs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_health_observations_dropped_total",
			Help: "Forward observations dropped because the target queue was full.",
		}, []string{"target"}),
	}
}

func (c *Collectors) setFails(target string, fails int) {
	if c == nil {
		return
	}
	c.consecutiveFailures.WithLabelValues(target).Set(float64(fails))
}

func (c *Collectors) notification(kind Kind, ok bool) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(string(kind), resultLabel(ok)).Inc()
}

func (c *Collectors) probe(target string, ok bool) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(target, resultLabel(ok)).Inc()
}

func (c *Collectors) dropped(target string) {
	if c == nil {
		return
	}
	c.droppedObs.WithLabelValues(target).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
