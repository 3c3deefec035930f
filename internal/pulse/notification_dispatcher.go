package pulse

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Compile-time interface guard.
var _ Notifier = (*Dispatcher)(nil)

// Dispatcher fans a notification out to every configured channel. Delivery
// succeeds when at least one channel accepted it, or when no channel is
// configured.
type Dispatcher struct {
	channels []Notifier
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(logger *zap.Logger, channels ...Notifier) *Dispatcher {
	return &Dispatcher{channels: channels, logger: logger}
}

// BuildDispatcher creates the channels listed in cfg. With no channel
// configured notifications go to the log.
func BuildDispatcher(cfg config.NotifyConfig, logger *zap.Logger) (*Dispatcher, error) {
	var channels []Notifier
	for _, w := range cfg.Webhooks {
		channels = append(channels, NewWebhookNotifier(w))
	}
	for _, a := range cfg.Alertmanager {
		channels = append(channels, NewAlertmanagerNotifier(a))
	}
	for _, c := range cfg.CloudEvents {
		n, err := NewCloudEventsNotifier(c)
		if err != nil {
			return nil, err
		}
		channels = append(channels, n)
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogNotifier(logger))
	}
	return NewDispatcher(logger, channels...), nil
}

// Channels returns the configured channel types.
func (d *Dispatcher) Channels() []string {
	out := make([]string, len(d.channels))
	for i, c := range d.channels {
		out[i] = c.Type()
	}
	return out
}

// Notify delivers n to every channel sequentially.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if len(d.channels) == 0 {
		return nil
	}

	var errs []error
	delivered := 0
	for _, c := range d.channels {
		if err := c.Notify(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("channel_type", c.Type()),
				zap.String("kind", string(n.Kind)),
				zap.String("target_id", n.TargetID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", c.Type(), err))
			continue
		}
		delivered++
		d.logger.Debug("notification delivered",
			zap.String("channel_type", c.Type()),
			zap.String("kind", string(n.Kind)),
			zap.String("target_id", n.TargetID),
		)
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Type returns the notifier type identifier.
func (d *Dispatcher) Type() string {
	return "dispatcher"
}
