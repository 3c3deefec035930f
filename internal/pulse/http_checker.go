package pulse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CheckResult is the outcome of one health probe.
type CheckResult struct {
	Success      bool
	StatusCode   int
	LatencyMs    float64
	ErrorMessage string
	CheckedAt    time.Time
}

// Checker probes a URL.
type Checker interface {
	Check(ctx context.Context, url string) CheckResult
}

// Compile-time interface guard.
var _ Checker = (*HTTPChecker)(nil)

// HTTPChecker probes targets with GET requests. Only HTTP 200 counts as
// healthy; any other status, including other 2xx, is a failure.
type HTTPChecker struct {
	client    *http.Client
	userAgent string
}

// NewHTTPChecker creates a checker that follows at most maxRedirects
// redirects. Probe deadlines come from the caller's context.
func NewHTTPChecker(maxRedirects int, userAgent string) *HTTPChecker {
	return &HTTPChecker{
		userAgent: userAgent,
		client: &http.Client{
			Transport: &http.Transport{
				// Upstream certificates are deliberately not verified; targets
				// commonly run behind self-signed certs.
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: upstream TLS verification disabled by design
				DisableKeepAlives: true,
			},
			CheckRedirect: limitRedirects(maxRedirects),
		},
	}
}

// limitRedirects stops after limit redirects.
func limitRedirects(limit int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
}

// Check sends a GET request to url.
func (c *HTTPChecker) Check(ctx context.Context, url string) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return CheckResult{ErrorMessage: fmt.Sprintf("invalid URL %q: %v", url, err), CheckedAt: time.Now().UTC()}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "probe timed out"
		}
		return CheckResult{LatencyMs: latency, ErrorMessage: msg, CheckedAt: time.Now().UTC()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body

	result := CheckResult{
		StatusCode: resp.StatusCode,
		LatencyMs:  latency,
		CheckedAt:  time.Now().UTC(),
		Success:    resp.StatusCode == http.StatusOK,
	}
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return result
}
