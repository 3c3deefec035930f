package pulse

import (
	"time"

	"github.com/HerbHall/keyproxy/internal/state"
)

// State is the display state of a target, derived on read from the failure
// counter. It is never stored.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// Classify maps a failure count to its display state.
func Classify(fails, threshold int) State {
	switch {
	case fails <= 0:
		return StateHealthy
	case fails < threshold:
		return StateDegraded
	default:
		return StateFailed
	}
}

// cachedHealthy answers "is this target healthy" without probing. A success
// inside the probe window wins; otherwise the failure count decides.
func cachedHealthy(rec state.HealthRecord, interval time.Duration, threshold int) bool {
	window := int64(interval / time.Second)
	if rec.LastSuccessTime > rec.LastCheckTime-window {
		return true
	}
	return rec.Fails < threshold
}

// probeDue reports whether the probe interval elapsed since the last check.
func probeDue(rec state.HealthRecord, now time.Time, interval time.Duration) bool {
	return now.Unix()-rec.LastCheckTime >= int64(interval/time.Second)
}

// TargetStatus is the read model returned by Status and Snapshot.
type TargetStatus struct {
	TargetID string             `json:"target_id"`
	Name     string             `json:"name"`
	State    State              `json:"state"`
	Healthy  bool               `json:"healthy"`
	Record   state.HealthRecord `json:"record"`
}
