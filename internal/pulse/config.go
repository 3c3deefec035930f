package pulse

import (
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Config tunes the health monitor.
type Config struct {
	// FailThreshold is the consecutive failure count that marks a target
	// failed and triggers an alert.
	FailThreshold int
	// ProbeTimeout bounds one detached probe.
	ProbeTimeout time.Duration
	// NotifyTimeout bounds one notifier call.
	NotifyTimeout time.Duration
	// QueueSize is the per-target operation queue depth.
	QueueSize int
	// SweepInterval enables the idle-target sweep when positive.
	SweepInterval time.Duration
	// SweepWorkers bounds concurrent probes per sweep.
	SweepWorkers int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		FailThreshold: 10,
		ProbeTimeout:  5 * time.Second,
		NotifyTimeout: 10 * time.Second,
		QueueSize:     256,
		SweepWorkers:  4,
	}
}

// ConfigFrom derives the monitor configuration from the loaded config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.FailThreshold = cfg.Proxy.FailThreshold
	c.ProbeTimeout = cfg.Proxy.ProbeTimeout
	c.NotifyTimeout = cfg.Proxy.NotifyTimeout
	c.SweepInterval = cfg.Sweep.Interval
	if cfg.Sweep.Workers > 0 {
		c.SweepWorkers = cfg.Sweep.Workers
	}
	return c
}
