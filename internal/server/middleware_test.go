package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/HerbHall/keyproxy/internal/clock"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	// uuid v4 in canonical form.
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("X-Request-ID = %q, want a uuid", id)
	}
}

func TestRequestIDMiddleware_PropagatesExistingID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := RequestID(r.Context()); id != "my-trace-id" {
			t.Errorf("context ID = %q, want %q", id, "my-trace-id")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.Header.Set("X-Request-ID", "my-trace-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if id := w.Header().Get("X-Request-ID"); id != "my-trace-id" {
		t.Errorf("response X-Request-ID = %q, want %q", id, "my-trace-id")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()
	m := newHTTPMetrics(reg)
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := LoggingMiddleware(zap.New(core), m, []string{"/healthz"})(inner)

	for _, path := range []string{"/test?token=s3cret", "/healthz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", path, http.NoBody))
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d requests, want 1 (skip path excluded)", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/test" {
		t.Errorf("path = %v, want /test", fields["path"])
	}
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status = %v, want %d", fields["status"], http.StatusCreated)
	}
	for _, e := range entries {
		for k, v := range e.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, "s3cret") {
				t.Errorf("admin token leaked into log field %q", k)
			}
		}
	}

	if got := promtest.ToFloat64(m.requests.WithLabelValues("POST", "unmatched", "201")); got != 2 {
		t.Errorf("request counter = %v, want 2 (skip paths are still counted)", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Cache-Control", "no-store"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestVersionHeaderMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	VersionHeaderMiddleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	if v := w.Header().Get("X-Keyproxy-Version"); v == "" {
		t.Error("expected X-Keyproxy-Version header to be set")
	}
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.New(core))(inner).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want %q", ct, "application/problem+json")
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestTokenAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"disabled", "", "/api/v1/targets", "", http.StatusOK},
		{"missing", "tok", "/api/v1/targets", "", http.StatusUnauthorized},
		{"wrong", "tok", "/api/v1/targets", "Bearer bad", http.StatusUnauthorized},
		{"wrong scheme", "tok", "/api/v1/targets", "Basic tok", http.StatusUnauthorized},
		{"bearer", "tok", "/api/v1/targets", "Bearer tok", http.StatusOK},
		{"query", "tok", "/api/v1/ws/events?token=tok", "", http.StatusOK},
		{"outside prefix", "tok", "/readyz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			TokenAuthMiddleware(tt.token, "/api/")(okHandler()).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestRateLimitMiddleware_BlocksExcessTraffic(t *testing.T) {
	// 1 request per second, burst of 1. Second request should be blocked.
	handler := RateLimitMiddleware(1, 1, nil)(okHandler())

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.RemoteAddr = "10.0.0.1:9999"

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusOK)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	// Another client has its own bucket.
	other := httptest.NewRequest("GET", "/test", http.NoBody)
	other.RemoteAddr = "10.0.0.2:9999"
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, other)
	if w3.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_SkipsPaths(t *testing.T) {
	handler := RateLimitMiddleware(0.001, 1, []string{"/healthz"})(okHandler())

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	req.RemoteAddr = "10.0.0.2:9999"
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(0, 0, nil)(okHandler())
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/targets", http.NoBody))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
		w.WriteHeader(http.StatusOK)
	})

	Chain(inner, mark("mw1"), mark("mw2")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", http.NoBody))

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("execution order = %v, want %v", order, expected)
	}
}

func TestClientIP_IgnoresForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")

	if ip := clientIP(req); ip != "192.168.1.100" {
		t.Errorf("clientIP = %q, want %q", ip, "192.168.1.100")
	}
}

func TestStatusWriter_IgnoresDoubleWriteHeader(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusNotFound)

	if sw.status != http.StatusCreated {
		t.Errorf("status = %d, want %d (first call should win)", sw.status, http.StatusCreated)
	}
}

func TestRateLimit_RetryAfterAndRefill(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pl := newPeerLimiters(rate.Every(4*time.Second), 1, clk)
	handler := rateLimit(pl, nil)(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/targets", http.NoBody)
		req.RemoteAddr = "10.0.0.9:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "4" {
		t.Errorf("Retry-After = %q, want %q", got, "4")
	}

	clk.Advance(4 * time.Second)
	if w := do(); w.Code != http.StatusOK {
		t.Errorf("after refill: status = %d, want 200", w.Code)
	}
}

func TestPeerLimiters_EvictIdle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pl := newPeerLimiters(1, 1, clk)
	pl.take("10.0.0.1")
	clk.Advance(peerIdle + time.Second)
	pl.take("10.0.0.2")

	pl.evictIdle(clk.Now())
	if _, ok := pl.peers["10.0.0.1"]; ok {
		t.Error("idle peer was not evicted")
	}
	if _, ok := pl.peers["10.0.0.2"]; !ok {
		t.Error("active peer was evicted")
	}
}
