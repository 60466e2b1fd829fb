// Package diag exposes a read-only diagnostics HTTP server: process
// liveness, a JSON snapshot of every listener session and managed token, and
// Prometheus metrics. It never mutates runtime state.
package diag

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamhue/streamhue/pkg/eventsub"
	"github.com/streamhue/streamhue/pkg/metrics"
	"github.com/streamhue/streamhue/pkg/token"
	"github.com/streamhue/streamhue/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// Engine is the read-only view of a listener session the status endpoints
// report on.
type Engine interface {
	State() eventsub.EngineState
	IsHealthy() bool
	SessionID() string
	Channels() []string
}

// Server serves the diagnostics endpoints.
type Server struct {
	tokens   *token.Manager
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	engines map[string]Engine

	srv *http.Server
}

// NewServer builds the diagnostics server. The registry must be the one the
// metrics were created against; it backs GET /metrics.
func NewServer(tokens *token.Manager, m *metrics.Metrics, registry *prometheus.Registry) *Server {
	s := &Server{
		tokens:   tokens,
		metrics:  m,
		registry: registry,
		logger:   slog.Default().With("component", "diag_server"),
		engines:  make(map[string]Engine),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/healthz", s.healthzHandler)
	e.GET("/status", s.statusHandler)
	e.GET("/metrics", s.metricsHandler)

	s.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RegisterEngine adds a listener session to the status report.
func (s *Server) RegisterEngine(username string, e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[username] = e
}

// DeregisterEngine removes a listener session from the status report.
func (s *Server) DeregisterEngine(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, username)
}

// Start begins serving on addr. It blocks until the listener fails or
// Shutdown is called, mirroring http.Server.ListenAndServe.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	s.logger.Info("Diagnostics server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Sessions []SessionStatus `json:"sessions"`
	Tokens   []TokenStatus   `json:"tokens"`
}

// SessionStatus describes one listener session.
type SessionStatus struct {
	Username  string   `json:"username"`
	State     string   `json:"state"`
	Healthy   bool     `json:"healthy"`
	SessionID string   `json:"session_id,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

// TokenStatus describes one managed token. Remaining lifetime is omitted
// when the expiry is unknown.
type TokenStatus struct {
	Username         string `json:"username"`
	State            string `json:"state"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

// healthzHandler handles GET /healthz. Process liveness only; it answers 200
// whenever the server can serve at all, so orchestrators do not restart the
// process for an unhealthy upstream session.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	})
}

// statusHandler handles GET /status. Degraded when some sessions are
// unhealthy, unhealthy (503) when none are healthy.
func (s *Server) statusHandler(c *echo.Context) error {
	sessions, healthy := s.sessionReport()

	status := healthStatusHealthy
	switch {
	case len(sessions) == 0:
		// Nothing registered yet; report healthy so startup is not flagged.
	case healthy == 0:
		status = healthStatusUnhealthy
	case healthy < len(sessions):
		status = healthStatusDegraded
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &StatusResponse{
		Status:   status,
		Version:  version.GitCommit,
		Sessions: sessions,
		Tokens:   s.tokenReport(),
	})
}

// metricsHandler handles GET /metrics. Session gauges are refreshed on
// scrape so they track reality without a separate sampling loop.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.refreshGauges()
	h := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) sessionReport() ([]SessionStatus, int) {
	s.mu.RLock()
	snapshot := make(map[string]Engine, len(s.engines))
	for name, e := range s.engines {
		snapshot[name] = e
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := make([]SessionStatus, 0, len(names))
	healthy := 0
	for _, name := range names {
		e := snapshot[name]
		st := SessionStatus{
			Username:  name,
			State:     e.State().String(),
			Healthy:   e.IsHealthy(),
			SessionID: e.SessionID(),
			Channels:  e.Channels(),
		}
		if st.Healthy {
			healthy++
		}
		sessions = append(sessions, st)
	}
	return sessions, healthy
}

func (s *Server) tokenReport() []TokenStatus {
	usernames := s.tokens.Usernames()
	sort.Strings(usernames)

	out := make([]TokenStatus, 0, len(usernames))
	for _, username := range usernames {
		rec := s.tokens.Get(username)
		if rec == nil {
			continue
		}
		_, _, state := rec.Snapshot()
		ts := TokenStatus{Username: username, State: state.String()}
		if remaining, known := rec.Remaining(); known {
			secs := int64(remaining / time.Second)
			ts.RemainingSeconds = &secs
		}
		out = append(out, ts)
	}
	return out
}

func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	sessions, healthy := s.sessionReport()
	s.metrics.SessionsActive.Set(float64(len(sessions)))
	s.metrics.SessionsHealthy.Set(float64(healthy))
	s.metrics.TokensManaged.Set(float64(len(s.tokens.Usernames())))
}

// securityHeaders sets standard security response headers on every reply.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
