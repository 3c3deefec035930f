// Package state persists the three keyed maps the proxy owns: health
// records, request metrics and the invalid-key suppression cache.
//
// Field names and shapes are read by external dashboards and must stay
// stable. Timestamps are epoch seconds; 0 means "never".
package state

// MaxHistory bounds HealthRecord.History. The oldest entry is evicted first.
const MaxHistory = 100

// History sources.
const (
	SourceForward = "forward"
	SourceProbe   = "probe"
)

// HistoryEntry records one failure observation.
type HistoryEntry struct {
	Time    int64  `json:"time"`
	Source  string `json:"source"`
	Detail  string `json:"detail"`
	Outcome string `json:"outcome"`
}

// HealthRecord is the persisted health state of one target.
type HealthRecord struct {
	Fails            int            `json:"fails"`
	LastCheckTime    int64          `json:"last_check_time"`
	LastSuccessTime  int64          `json:"last_success_time"`
	LastFailTime     int64          `json:"last_fail_time"`
	LastNotifyTime   int64          `json:"last_notify_time"`
	Notified         bool           `json:"notified"`
	RecoveryNotified bool           `json:"recovery_notified"`
	History          []HistoryEntry `json:"history"`
}

// NewHealthRecord returns an empty record with a non-nil history so it
// serializes as [] rather than null.
func NewHealthRecord() HealthRecord {
	return HealthRecord{History: []HistoryEntry{}}
}

// AppendHistory adds e and evicts the oldest entries beyond MaxHistory.
func (h *HealthRecord) AppendHistory(e HistoryEntry) {
	h.History = append(h.History, e)
	if over := len(h.History) - MaxHistory; over > 0 {
		kept := make([]HistoryEntry, MaxHistory)
		copy(kept, h.History[over:])
		h.History = kept
	}
}

// Clone returns a deep copy.
func (h HealthRecord) Clone() HealthRecord {
	out := h
	out.History = make([]HistoryEntry, len(h.History))
	copy(out.History, h.History)
	return out
}

// MetricsRecord holds running request statistics for one target.
//
// TotalResponseTime and AvgResponseTime are in seconds, timed until the
// response body was fully relayed. Requests that never completed a response
// are counted in TotalRequests and FailCount but are excluded from the
// timing average; TimedRequests counts the ones that contributed a
// response time.
type MetricsRecord struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessCount      int64   `json:"success_count"`
	FailCount         int64   `json:"fail_count"`
	TotalResponseTime float64 `json:"total_response_time"`
	TimedRequests     int64   `json:"timed_requests"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	LastTime          int64   `json:"last_time"`
}

// InvalidKeyEntry tracks how often an unknown routing key was logged.
type InvalidKeyEntry struct {
	Count    int   `json:"count"`
	LastTime int64 `json:"last_time"`
}

func cloneHealth(h HealthRecord) HealthRecord { return h.Clone() }

func cloneValue[V any](v V) V { return v }

func copyMap[V any](m map[string]V, c func(V) V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = c(v)
	}
	return out
}
