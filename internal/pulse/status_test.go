package pulse

import (
	"testing"
	"time"

	"github.com/HerbHall/keyproxy/internal/state"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		fails, threshold int
		want             State
	}{
		{0, 3, StateHealthy},
		{1, 3, StateDegraded},
		{2, 3, StateDegraded},
		{3, 3, StateFailed},
		{7, 3, StateFailed},
		{0, 1, StateHealthy},
		{1, 1, StateFailed},
	}
	for _, tt := range tests {
		if got := Classify(tt.fails, tt.threshold); got != tt.want {
			t.Errorf("Classify(%d, %d) = %q, want %q", tt.fails, tt.threshold, got, tt.want)
		}
	}
}

func TestCachedHealthy(t *testing.T) {
	const now = int64(1_700_000_000)
	interval := 60 * time.Second

	tests := []struct {
		name string
		rec  state.HealthRecord
		want bool
	}{
		{"recent success wins over failures", state.HealthRecord{Fails: 9, LastCheckTime: now, LastSuccessTime: now - 30}, true},
		{"stale success falls back to count below threshold", state.HealthRecord{Fails: 2, LastCheckTime: now, LastSuccessTime: now - 120}, true},
		{"stale success with failed count", state.HealthRecord{Fails: 3, LastCheckTime: now, LastSuccessTime: now - 120}, false},
		{"never checked", state.HealthRecord{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cachedHealthy(tt.rec, interval, 3); got != tt.want {
				t.Errorf("cachedHealthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeDue(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	rec := state.HealthRecord{LastCheckTime: base.Unix()}

	if probeDue(rec, base.Add(59*time.Second), time.Minute) {
		t.Error("probeDue at 59s = true, want false")
	}
	if !probeDue(rec, base.Add(time.Minute), time.Minute) {
		t.Error("probeDue at 60s = false, want true")
	}
}

func TestApplyObservation_ResetThenFailureRealerts(t *testing.T) {
	rec := state.NewHealthRecord()
	for i := range 3 {
		tr := applyObservation(&rec, Observation{Source: state.SourceProbe}, int64(i), 3)
		if i == 2 && tr != alertTransition {
			t.Fatalf("third failure transition = %v, want alert", tr)
		}
	}
	markAlerted(&rec, 2)
	resetRecord(&rec)

	if rec.Fails != 0 || rec.Notified || rec.RecoveryNotified {
		t.Fatalf("after reset: %+v", rec)
	}
	var tr transition
	for i := range 3 {
		tr = applyObservation(&rec, Observation{Source: state.SourceProbe}, int64(10+i), 3)
	}
	if tr != alertTransition {
		t.Errorf("transition after reset streak = %v, want alert", tr)
	}
}

func TestApplyObservation_ThresholdLoweredKeepsInvariant(t *testing.T) {
	rec := state.HealthRecord{Fails: 5, Notified: true}
	// Success under a higher threshold must still clear notified.
	if tr := applyObservation(&rec, Observation{Success: true}, 100, 10); tr != noTransition {
		t.Errorf("transition = %v, want none", tr)
	}
	if rec.Notified {
		t.Error("notified survived a success")
	}
}
