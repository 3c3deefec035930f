package pulse

import "github.com/HerbHall/keyproxy/internal/state"

// Observation is one health signal for a target.
type Observation struct {
	Success bool
	// Source is state.SourceForward or state.SourceProbe.
	Source string
	// Detail identifies what was attempted, e.g. "GET /v1/chat" or a probe URL.
	Detail string
	// Outcome describes a failure, e.g. "connection refused" or "HTTP 503".
	Outcome string
}

// transition is the notification a state change calls for.
type transition int

const (
	noTransition transition = iota
	alertTransition
	recoveryTransition
)

// applyObservation mutates rec for obs at time now (epoch seconds) and
// reports which notification, if any, is now owed.
//
// A success always clears notified so that fails == 0 implies !notified,
// even when the threshold changed since the alert was sent.
func applyObservation(rec *state.HealthRecord, obs Observation, now int64, threshold int) transition {
	rec.LastCheckTime = now

	if obs.Success {
		wasFailing := rec.Fails >= threshold
		wasNotified := rec.Notified
		rec.Fails = 0
		rec.LastSuccessTime = now
		rec.Notified = false
		if wasFailing && wasNotified {
			return recoveryTransition
		}
		return noTransition
	}

	rec.Fails++
	rec.LastFailTime = now
	rec.AppendHistory(state.HistoryEntry{
		Time:    now,
		Source:  obs.Source,
		Detail:  obs.Detail,
		Outcome: obs.Outcome,
	})
	if rec.Fails >= threshold && !rec.Notified {
		return alertTransition
	}
	return noTransition
}

// markAlerted records a delivered alert.
func markAlerted(rec *state.HealthRecord, now int64) {
	rec.Notified = true
	rec.RecoveryNotified = false
	rec.LastNotifyTime = now
}

// markRecovered records a delivered recovery notice.
func markRecovered(rec *state.HealthRecord) {
	rec.RecoveryNotified = true
}

// resetRecord clears the failure streak without any notification.
func resetRecord(rec *state.HealthRecord) {
	rec.Fails = 0
	rec.Notified = false
	rec.RecoveryNotified = false
}
