package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/version"
)

// httpMetrics are the admin listener's request collectors.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	f := promauto.With(reg)
	return &httpMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_admin_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyproxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware generates or propagates X-Request-ID headers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs each request and records it in m. Paths in
// skipPaths are not logged but still counted. Query strings are never
// logged since they may carry the admin token.
func LoggingMiddleware(logger *zap.Logger, m *httpMetrics, skipPaths []string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			if !skip[r.URL.Path] {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", sw.status),
					zap.Duration("duration", duration),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", RequestID(r.Context())),
				)
			}

			// r.Pattern keeps label cardinality bounded by the route table.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			m.duration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		})
	}
}

// SecurityHeadersMiddleware adds standard security headers to all responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// VersionHeaderMiddleware adds X-Keyproxy-Version to all responses.
func VersionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Keyproxy-Version", version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware catches panics and returns a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// TokenAuthMiddleware requires token on every path under prefix, sent as
// "Authorization: Bearer <token>" or as the token query parameter for
// browser WebSocket clients. An empty token disables the check.
func TokenAuthMiddleware(token, prefix string) Middleware {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
			got := r.URL.Query().Get("token")
			if auth := r.Header.Get("Authorization"); auth != "" {
				got, _ = strings.CutPrefix(auth, "Bearer ")
			}
			if got == "" {
				Unauthorized(w, "missing admin token", r.URL.Path)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				Unauthorized(w, "invalid admin token", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware gives every client IP its own token bucket of rps
// requests per second. Paths in skipPaths are never limited and a
// non-positive rps disables the middleware.
func RateLimitMiddleware(rps float64, burst int, skipPaths []string) Middleware {
	return rateLimit(newPeerLimiters(rate.Limit(rps), burst, clock.Real()), skipPaths)
}

func rateLimit(pl *peerLimiters, skipPaths []string) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if pl.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; !ok {
				if wait, ok := pl.take(clientIP(r)); !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					RateLimited(w, "rate limit exceeded", r.URL.Path)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Peers idle for longer than peerIdle lose their bucket. The set is swept
// once it holds maxPeers entries.
const (
	peerIdle = 10 * time.Minute
	maxPeers = 10000
)

// peerLimiters holds one token bucket per client IP.
type peerLimiters struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu    sync.Mutex
	peers map[string]*peerBucket
}

type peerBucket struct {
	*rate.Limiter
	seen time.Time
}

func newPeerLimiters(limit rate.Limit, burst int, clk clock.Clock) *peerLimiters {
	if burst < 1 {
		burst = 1
	}
	return &peerLimiters{limit: limit, burst: burst, clock: clk, peers: make(map[string]*peerBucket)}
}

// take spends one token for ip. When none is left it returns how long the
// client should wait before retrying.
func (pl *peerLimiters) take(ip string) (time.Duration, bool) {
	now := pl.clock.Now()

	pl.mu.Lock()
	defer pl.mu.Unlock()
	b, ok := pl.peers[ip]
	if !ok {
		if len(pl.peers) >= maxPeers {
			pl.evictIdle(now)
		}
		b = &peerBucket{Limiter: rate.NewLimiter(pl.limit, pl.burst)}
		pl.peers[ip] = b
	}
	b.seen = now

	res := b.ReserveN(now, 1)
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d, false
	}
	return 0, true
}

func (pl *peerLimiters) evictIdle(now time.Time) {
	for ip, b := range pl.peers {
		if now.Sub(b.seen) > peerIdle {
			delete(pl.peers, ip)
		}
	}
}

// clientIP returns the peer address. The admin listener is not meant to
// sit behind a proxy, so X-Forwarded-For is ignored.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.wroteHeader = true
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
