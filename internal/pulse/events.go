package pulse

// Event topics published by the health monitor.
const (
	TopicAlertTriggered = "pulse.alert.triggered"
	TopicAlertResolved  = "pulse.alert.resolved"
	TopicTargetReset    = "pulse.target.reset"
	TopicHealthObserved = "pulse.health.observed"
)

// HealthEvent is the payload of every pulse topic.
type HealthEvent struct {
	TargetID string `json:"target_id"`
	State    State  `json:"state"`
	Fails    int    `json:"fails"`
	Source   string `json:"source,omitempty"`
	Success  bool   `json:"success"`
	Outcome  string `json:"outcome,omitempty"`
	// Delivered is set on alert/resolve topics and tells whether any
	// notification channel accepted the message.
	Delivered bool `json:"delivered"`
}
