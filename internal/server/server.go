// Package server provides the keyproxy admin HTTP server: liveness and
// readiness probes, Prometheus metrics and the JSON state API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/proxy"
	"github.com/HerbHall/keyproxy/internal/pulse"
	"github.com/HerbHall/keyproxy/internal/state"
	"github.com/HerbHall/keyproxy/internal/version"
)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// Monitor is the part of the health monitor the admin API drives.
type Monitor interface {
	Snapshot(ctx context.Context) ([]pulse.TargetStatus, error)
	Reset(ctx context.Context, id string) (state.HealthRecord, error)
	Summarize(ctx context.Context) (pulse.Report, error)
	SendReport(ctx context.Context) (pulse.Report, error)
}

// Deps are the collaborators of the admin server.
type Deps struct {
	Registry    *config.Registry
	Store       state.Store
	Monitor     Monitor
	Maintenance *proxy.Maintenance
	// Events serves the WebSocket event stream. Optional.
	Events http.Handler
	// Ready defaults to pinging Store.
	Ready ReadinessChecker
	// Gatherer backs /metrics; Registerer receives the admin collectors.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	Admin      config.AdminConfig
	Logger     *zap.Logger
}

// Server is the admin HTTP server.
type Server struct {
	httpServer  *http.Server
	mux         *http.ServeMux
	registry    *config.Registry
	store       state.Store
	monitor     Monitor
	maintenance *proxy.Maintenance
	ready       ReadinessChecker
	logger      *zap.Logger
}

// New creates the admin server with middleware and routes.
func New(d Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:         mux,
		registry:    d.Registry,
		store:       d.Store,
		monitor:     d.Monitor,
		maintenance: d.Maintenance,
		ready:       d.Ready,
		logger:      d.Logger,
	}
	if s.ready == nil && d.Store != nil {
		s.ready = d.Store.Ping
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}

	s.registerRoutes(d.Gatherer)
	if d.Events != nil {
		mux.Handle("GET /api/v1/ws/events", d.Events)
	}

	ops := []string{"/healthz", "/readyz", "/metrics"}
	// Middleware chain: outermost listed first.
	handler := Chain(mux,
		RecoveryMiddleware(d.Logger),
		RequestIDMiddleware,
		LoggingMiddleware(d.Logger, newHTTPMetrics(d.Registerer), ops),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(d.Admin.RateLimit, d.Admin.RateBurst, ops),
		TokenAuthMiddleware(d.Admin.Token, "/api/"),
	)

	s.httpServer = &http.Server{
		Addr:              d.Admin.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// registerRoutes sets up all admin routes.
func (s *Server) registerRoutes(g prometheus.Gatherer) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/v1/targets", s.handleTargets)
	s.mux.HandleFunc("POST /api/v1/targets/{id}/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/v1/invalid-keys", s.handleInvalidKeys)
	s.mux.HandleFunc("GET /api/v1/summary", s.handleSummary)
	s.mux.HandleFunc("POST /api/v1/report", s.handleReport)
	s.mux.HandleFunc("GET /api/v1/maintenance", s.handleGetMaintenance)
	s.mux.HandleFunc("PUT /api/v1/maintenance", s.handlePutMaintenance)
}

// Handler returns the fully wrapped admin handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting admin server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz returns 200 once the state store is reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Map())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
