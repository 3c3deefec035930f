package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Compile-time interface guard.
var _ Notifier = (*AlertmanagerNotifier)(nil)

// alertmanagerPayload matches the Prometheus Alertmanager webhook receiver format.
type alertmanagerPayload struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
}

// AlertmanagerNotifier delivers alert and recovery notifications in
// Alertmanager webhook format. Reports have no Alertmanager equivalent and
// are accepted without being sent.
type AlertmanagerNotifier struct {
	client *http.Client
	cfg    config.AlertmanagerConfig
}

// NewAlertmanagerNotifier creates an Alertmanager-format notifier.
func NewAlertmanagerNotifier(cfg config.AlertmanagerConfig) *AlertmanagerNotifier {
	return &AlertmanagerNotifier{
		client: &http.Client{},
		cfg:    cfg,
	}
}

// Notify sends n as a single firing or resolved alert.
func (a *AlertmanagerNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Kind == KindReport {
		return nil
	}

	status := "firing"
	if n.Kind == KindRecovery {
		status = "resolved"
	}

	labels := map[string]string{
		"alertname": "KeyproxyTargetDown",
		"target_id": n.TargetID,
		"severity":  "critical",
		"source":    "keyproxy",
	}
	annotations := map[string]string{}
	am := alertmanagerAlert{Status: status, Labels: labels, Annotations: annotations}

	if n.Target != nil {
		labels["target_name"] = n.Target.Name
		annotations["url"] = n.Target.URL
	}
	if n.Health != nil {
		annotations["consecutive_failures"] = strconv.Itoa(n.Health.Fails)
	}
	if status == "firing" {
		annotations["summary"] = fmt.Sprintf("target %s reached %d consecutive failures", n.TargetID, n.Threshold)
		am.StartsAt = n.Timestamp
	} else {
		// The alert being resolved started when it was last sent.
		annotations["summary"] = fmt.Sprintf("target %s recovered", n.TargetID)
		if n.Health != nil && n.Health.LastNotifyTime > 0 {
			am.StartsAt = time.Unix(n.Health.LastNotifyTime, 0).UTC()
		}
		am.EndsAt = n.Timestamp
	}

	body, err := json.Marshal(alertmanagerPayload{
		Version: "4",
		Status:  status,
		Alerts:  []alertmanagerAlert{am},
	})
	if err != nil {
		return fmt.Errorf("marshal alertmanager payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alertmanager request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "keyproxy-alertmanager/2.0")
	if a.cfg.Secret != "" {
		req.Header.Set("X-Signature", sign(a.cfg.Secret, body))
	}

	return postAndCheck(a.client, req, "alertmanager")
}

// Type returns the notifier type identifier.
func (a *AlertmanagerNotifier) Type() string {
	return "alertmanager"
}
