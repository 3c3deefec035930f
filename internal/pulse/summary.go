package pulse

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/HerbHall/keyproxy/internal/state"
)

// Summary aggregates the health of all targets and their traffic.
type Summary struct {
	TotalTargets  int       `json:"total_targets"`
	Healthy       int       `json:"healthy"`
	Degraded      int       `json:"degraded"`
	Failed        int       `json:"failed"`
	TotalFails    int       `json:"total_fails"`
	TotalRequests int64     `json:"total_requests"`
	SuccessRate   float64   `json:"success_rate"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// ReportRow is one target's line in a Report.
type ReportRow struct {
	TargetID      string  `json:"target_id"`
	Name          string  `json:"name"`
	State         State   `json:"state"`
	Fails         int     `json:"fails"`
	TotalRequests int64   `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	LastCheckTime int64   `json:"last_check_time"`
}

// Report is the payload of a scheduled or on-demand status report.
type Report struct {
	Summary Summary     `json:"summary"`
	Targets []ReportRow `json:"targets"`
}

// BuildReport combines target statuses with request metrics. Request totals
// include every metrics record, not only configured targets.
func BuildReport(statuses []TargetStatus, metrics map[string]state.MetricsRecord, now time.Time) Report {
	r := Report{
		Summary: Summary{TotalTargets: len(statuses), GeneratedAt: now.UTC()},
		Targets: make([]ReportRow, 0, len(statuses)),
	}

	for _, s := range statuses {
		switch s.State {
		case StateHealthy:
			r.Summary.Healthy++
		case StateDegraded:
			r.Summary.Degraded++
		default:
			r.Summary.Failed++
		}
		r.Summary.TotalFails += s.Record.Fails

		m := metrics[s.TargetID]
		r.Targets = append(r.Targets, ReportRow{
			TargetID:      s.TargetID,
			Name:          s.Name,
			State:         s.State,
			Fails:         s.Record.Fails,
			TotalRequests: m.TotalRequests,
			SuccessRate:   percent(m.SuccessCount, m.TotalRequests),
			AvgResponseMs: round2(m.AvgResponseTime * 1000),
			LastCheckTime: s.Record.LastCheckTime,
		})
	}

	var success int64
	for _, m := range metrics {
		r.Summary.TotalRequests += m.TotalRequests
		success += m.SuccessCount
	}
	r.Summary.SuccessRate = percent(success, r.Summary.TotalRequests)
	return r
}

// Summarize builds a report from the monitor's current view.
func (m *Monitor) Summarize(ctx context.Context) (Report, error) {
	statuses, err := m.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot health: %w", err)
	}
	metrics, err := m.store.MetricsSnapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot metrics: %w", err)
	}
	return BuildReport(statuses, metrics, m.clock.Now()), nil
}

// SendReport builds a report and dispatches it as a KindReport notification.
func (m *Monitor) SendReport(ctx context.Context) (Report, error) {
	r, err := m.Summarize(ctx)
	if err != nil {
		return Report{}, err
	}
	nctx, cancel := context.WithTimeout(ctx, m.cfg.NotifyTimeout)
	defer cancel()
	err = m.notifier.Notify(nctx, Notification{
		Kind:      KindReport,
		Report:    &r,
		Threshold: m.cfg.FailThreshold,
		Timestamp: r.Summary.GeneratedAt,
	})
	m.metrics.notification(KindReport, err == nil)
	if err != nil {
		return r, fmt.Errorf("send report: %w", err)
	}
	return r, nil
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
