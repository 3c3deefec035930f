package proxy

import (
	"sync"
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
)

// MaintenanceState is a snapshot of the maintenance flag.
type MaintenanceState struct {
	Enabled    bool          `json:"enabled"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	// RetryAfterSeconds mirrors RetryAfter for JSON clients.
	RetryAfterSeconds int64 `json:"retry_after_seconds"`
}

// Maintenance is the runtime-mutable maintenance flag. It starts from the
// loaded configuration and is changed only through Set; configuration
// files are never rewritten.
type Maintenance struct {
	mu    sync.RWMutex
	state MaintenanceState
}

// NewMaintenance creates the flag from its configured initial state.
func NewMaintenance(cfg config.MaintenanceConfig) *Maintenance {
	m := &Maintenance{}
	m.Set(cfg.Enabled, cfg.Message, cfg.RetryAfter)
	return m
}

// State returns the current state.
func (m *Maintenance) State() MaintenanceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Enabled reports whether maintenance mode is on.
func (m *Maintenance) Enabled() bool {
	return m.State().Enabled
}

// Set replaces the state. An empty message or non-positive retryAfter
// keeps the current value.
func (m *Maintenance) Set(enabled bool, message string, retryAfter time.Duration) MaintenanceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Enabled = enabled
	if message != "" {
		m.state.Message = message
	}
	if retryAfter > 0 {
		m.state.RetryAfter = retryAfter
		m.state.RetryAfterSeconds = int64(retryAfter / time.Second)
	}
	return m.state
}
