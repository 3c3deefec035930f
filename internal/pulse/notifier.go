package pulse

import (
	"context"
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/state"
)

// Kind identifies what a notification announces.
type Kind string

const (
	KindAlert    Kind = "alert"
	KindRecovery Kind = "recovery"
	KindReport   Kind = "report"
)

// Notification is the message handed to a Notifier. Message formatting is
// left to the receiving channel.
type Notification struct {
	Kind      Kind                `json:"kind"`
	TargetID  string              `json:"target_id,omitempty"`
	Target    *config.Target      `json:"target,omitempty"`
	Health    *state.HealthRecord `json:"health,omitempty"`
	Report    *Report             `json:"report,omitempty"`
	Threshold int                 `json:"threshold,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Notifier delivers notifications through one channel.
type Notifier interface {
	// Notify delivers n. A nil error means the channel accepted it.
	Notify(ctx context.Context, n Notification) error
	// Type returns the channel identifier (e.g. "webhook", "alertmanager").
	Type() string
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Type returns "func".
func (f NotifierFunc) Type() string { return "func" }
