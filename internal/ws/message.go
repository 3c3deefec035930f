package ws

import (
	"time"

	"github.com/HerbHall/keyproxy/internal/pulse"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageAlertTriggered MessageType = "alert.triggered"
	MessageAlertResolved  MessageType = "alert.resolved"
	MessageTargetReset    MessageType = "target.reset"
	MessageHealthObserved MessageType = "health.observed"
)

// topicTypes maps pulse bus topics to message types. Topics not listed
// are not streamed.
var topicTypes = map[string]MessageType{
	pulse.TopicAlertTriggered: MessageAlertTriggered,
	pulse.TopicAlertResolved:  MessageAlertResolved,
	pulse.TopicTargetReset:    MessageTargetReset,
	pulse.TopicHealthObserved: MessageHealthObserved,
}

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType       `json:"type"`
	TargetID  string            `json:"target_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      pulse.HealthEvent `json:"data"`
}
