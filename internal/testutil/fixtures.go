// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/state"
)

// NewTarget returns a Target with sensible defaults, suitable for test
// fixtures. Override individual fields with options.
func NewTarget(id string, opts ...func(*config.Target)) config.Target {
	t := config.Target{
		ID:                  id,
		Name:                id,
		Description:         "test target " + id,
		URL:                 "http://127.0.0.1:1",
		Timeout:             5 * time.Second,
		HealthCheck:         "/health",
		HealthCheckInterval: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// WithURL sets the target base URL.
func WithURL(u string) func(*config.Target) {
	return func(t *config.Target) { t.URL = u }
}

// WithName sets the display name.
func WithName(name string) func(*config.Target) {
	return func(t *config.Target) { t.Name = name }
}

// WithTimeout sets the forwarding timeout.
func WithTimeout(d time.Duration) func(*config.Target) {
	return func(t *config.Target) { t.Timeout = d }
}

// WithHealthCheck sets the probe path.
func WithHealthCheck(path string) func(*config.Target) {
	return func(t *config.Target) { t.HealthCheck = path }
}

// WithProbeInterval sets the minimum time between probes.
func WithProbeInterval(d time.Duration) func(*config.Target) {
	return func(t *config.Target) { t.HealthCheckInterval = d }
}

// NewRegistry builds a registry over targets.
func NewRegistry(targets ...config.Target) *config.Registry {
	return config.NewRegistry(targets)
}

// NewHealthRecord returns a HealthRecord with options applied.
func NewHealthRecord(opts ...func(*state.HealthRecord)) state.HealthRecord {
	r := state.NewHealthRecord()
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithFails sets the consecutive failure count.
func WithFails(n int) func(*state.HealthRecord) {
	return func(r *state.HealthRecord) { r.Fails = n }
}

// WithNotified sets the alert flag.
func WithNotified(v bool) func(*state.HealthRecord) {
	return func(r *state.HealthRecord) { r.Notified = v }
}

// WithLastCheck sets last_check_time.
func WithLastCheck(t time.Time) func(*state.HealthRecord) {
	return func(r *state.HealthRecord) { r.LastCheckTime = t.Unix() }
}

// WithLastSuccess sets last_success_time.
func WithLastSuccess(t time.Time) func(*state.HealthRecord) {
	return func(r *state.HealthRecord) { r.LastSuccessTime = t.Unix() }
}

// Epoch is a fixed instant used as "now" by clock-driven tests.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
