package pulse

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Compile-time interface guard.
var _ Notifier = (*CloudEventsNotifier)(nil)

// CloudEventType returns the CloudEvents type attribute for a kind.
func CloudEventType(k Kind) string {
	return "keyproxy.target." + string(k)
}

// CloudEventsNotifier posts notifications as structured-mode CloudEvents.
type CloudEventsNotifier struct {
	client cloudevents.Client
	cfg    config.CloudEventsConfig
}

// NewCloudEventsNotifier creates an HTTP CloudEvents notifier.
func NewCloudEventsNotifier(cfg config.CloudEventsConfig) (*CloudEventsNotifier, error) {
	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}
	if cfg.Source == "" {
		cfg.Source = "keyproxy"
	}
	return &CloudEventsNotifier{client: c, cfg: cfg}, nil
}

// Notify sends n as a CloudEvent.
func (c *CloudEventsNotifier) Notify(ctx context.Context, n Notification) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(c.cfg.Source)
	event.SetType(CloudEventType(n.Kind))
	event.SetTime(n.Timestamp)
	event.SetSpecVersion(cloudevents.VersionV1)
	if n.TargetID != "" {
		event.SetSubject(n.TargetID)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, n); err != nil {
		return fmt.Errorf("encode cloudevent data: %w", err)
	}

	ctx = cloudevents.ContextWithTarget(ctx, c.cfg.URL)
	ctx = cloudevents.WithEncodingStructured(ctx)
	if result := c.client.Send(ctx, event); !cloudevents.IsACK(result) {
		return fmt.Errorf("cloudevents POST %s: %w", c.cfg.URL, result)
	}
	return nil
}

// Type returns the notifier type identifier.
func (c *CloudEventsNotifier) Type() string {
	return "cloudevents"
}
