package pulse

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HerbHall/keyproxy/internal/config"
)

func TestAlertmanagerNotifier_Notify_Firing(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		receivedHeaders = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewAlertmanagerNotifier(config.AlertmanagerConfig{URL: srv.URL})
	n := testAlert()
	if err := notifier.Notify(t.Context(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if receivedBody == nil {
		t.Fatal("server did not receive a request")
	}
	if ct := receivedHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if ua := receivedHeaders.Get("User-Agent"); ua != "keyproxy-alertmanager/2.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "keyproxy-alertmanager/2.0")
	}

	var payload alertmanagerPayload
	if err := json.Unmarshal(receivedBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Version != "4" {
		t.Errorf("version = %q, want %q", payload.Version, "4")
	}
	if payload.Status != "firing" {
		t.Errorf("status = %q, want %q", payload.Status, "firing")
	}
	if len(payload.Alerts) != 1 {
		t.Fatalf("alerts count = %d, want 1", len(payload.Alerts))
	}

	am := payload.Alerts[0]
	expectedLabels := map[string]string{
		"alertname":   "KeyproxyTargetDown",
		"target_id":   "svc1",
		"target_name": "Service One",
		"severity":    "critical",
		"source":      "keyproxy",
	}
	for k, want := range expectedLabels {
		if got := am.Labels[k]; got != want {
			t.Errorf("labels[%q] = %q, want %q", k, got, want)
		}
	}
	if got := am.Annotations["consecutive_failures"]; got != "3" {
		t.Errorf("annotations[consecutive_failures] = %q, want %q", got, "3")
	}
	if got := am.Annotations["url"]; got != "http://svc1.internal" {
		t.Errorf("annotations[url] = %q, want %q", got, "http://svc1.internal")
	}
	if !am.StartsAt.Equal(n.Timestamp) {
		t.Errorf("startsAt = %v, want %v", am.StartsAt, n.Timestamp)
	}
	if !am.EndsAt.IsZero() {
		t.Errorf("endsAt = %v, want zero value", am.EndsAt)
	}
}

func TestAlertmanagerNotifier_Notify_Resolved(t *testing.T) {
	var receivedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alertedAt := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	n := testAlert()
	n.Kind = KindRecovery
	n.Health.Fails = 0
	n.Health.LastNotifyTime = alertedAt.Unix()

	notifier := NewAlertmanagerNotifier(config.AlertmanagerConfig{URL: srv.URL})
	if err := notifier.Notify(t.Context(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var payload alertmanagerPayload
	if err := json.Unmarshal(receivedBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Status != "resolved" {
		t.Errorf("status = %q, want %q", payload.Status, "resolved")
	}
	am := payload.Alerts[0]
	if !am.StartsAt.Equal(alertedAt) {
		t.Errorf("startsAt = %v, want %v", am.StartsAt, alertedAt)
	}
	if !am.EndsAt.Equal(n.Timestamp) {
		t.Errorf("endsAt = %v, want %v", am.EndsAt, n.Timestamp)
	}
}

func TestAlertmanagerNotifier_Notify_HMAC(t *testing.T) {
	secret := "am-secret"
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewAlertmanagerNotifier(config.AlertmanagerConfig{URL: srv.URL, Secret: secret})
	if err := notifier.Notify(t.Context(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("X-Signature = %q, want %q", sig, want)
	}
}

func TestAlertmanagerNotifier_Notify_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewAlertmanagerNotifier(config.AlertmanagerConfig{URL: srv.URL})
	if err := notifier.Notify(t.Context(), testAlert()); err == nil {
		t.Fatal("expected error for 502 response, got nil")
	}
}

func TestAlertmanagerNotifier_Notify_ReportSkipped(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	notifier := NewAlertmanagerNotifier(config.AlertmanagerConfig{URL: srv.URL})
	err := notifier.Notify(t.Context(), Notification{Kind: KindReport, Report: &Report{}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if called {
		t.Error("report was posted to alertmanager")
	}
}

func TestAlertmanagerNotifier_Type(t *testing.T) {
	n := NewAlertmanagerNotifier(config.AlertmanagerConfig{})
	if n.Type() != "alertmanager" {
		t.Errorf("Type() = %q, want %q", n.Type(), "alertmanager")
	}
}
