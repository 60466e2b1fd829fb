// Package supervisor watches the per-user session engines and restarts
// unhealthy ones.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/streamhue/streamhue/pkg/config"
)

// Engine is the slice of the session engine the supervisor drives.
type Engine interface {
	IsHealthy() bool
	StopListener(timeout time.Duration) bool
	StartListener(ctx context.Context)
	ForceReconnect(ctx context.Context) error
}

const (
	listenerStopTimeout = 5 * time.Second
	healthPollTimeout   = 3 * time.Second
	healthPollEvery     = 150 * time.Millisecond
)

// Supervisor probes every registered engine on a jittered interval and walks
// unhealthy ones through a forced reconnect, one at a time per session.
type Supervisor struct {
	cfg    config.SupervisorConfig
	logger *slog.Logger

	mu       sync.Mutex
	engines  map[string]Engine
	recovery map[string]*sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}

	// onFailure observes every failed recovery; see ObserveFailures.
	onFailure func(name string, err error)
}

func New(cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		engines:  make(map[string]Engine),
		recovery: make(map[string]*sync.Mutex),
		logger:   slog.Default().With("component", "supervisor"),
	}
}

// ObserveFailures registers a callback fired whenever a recovery attempt
// gives up on a session. Used for operator alerting; set it before Start.
func (s *Supervisor) ObserveFailures(fn func(name string, err error)) {
	s.onFailure = fn
}

// Register adds (or replaces) the engine supervised under name.
func (s *Supervisor) Register(name string, e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[name] = e
	if _, ok := s.recovery[name]; !ok {
		s.recovery[name] = &sync.Mutex{}
	}
}

// Deregister removes a session from supervision.
func (s *Supervisor) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, name)
	delete(s.recovery, name)
}

// Names returns the supervised session names.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.engines))
	for name := range s.engines {
		out = append(out, name)
	}
	return out
}

// Start launches the probe loop.
func (s *Supervisor) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Supervisor started", "interval", s.cfg.CheckInterval())
}

// Stop signals the probe loop to exit and waits for it.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		timer := time.NewTimer(s.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.ProbeAll(ctx)
	}
}

// jitteredInterval spreads probes ±20% around the configured interval so
// many processes do not thunder in step.
func (s *Supervisor) jitteredInterval() time.Duration {
	return time.Duration(float64(s.cfg.CheckInterval()) * (0.8 + 0.4*rand.Float64()))
}

// ProbeAll checks every supervised session and recovers the unhealthy ones
// sequentially.
func (s *Supervisor) ProbeAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]Engine, len(s.engines))
	for name, e := range s.engines {
		snapshot[name] = e
	}
	s.mu.Unlock()

	for name, e := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if e == nil {
			s.logger.Error("Session has no engine backend", "session", name)
			continue
		}
		if e.IsHealthy() {
			continue
		}
		s.logger.Warn("Session unhealthy, recovering", "session", name)
		if err := s.Recover(ctx, name); err != nil {
			s.logger.Error("Session recovery failed", "session", name, "error", err)
			if s.onFailure != nil {
				s.onFailure(name, err)
			}
		}
	}
}

// Recover walks one session through the reconnect sequence under its
// per-session mutex: skip if it healed in the meantime, stop the stale
// listener, force a reconnect, start a fresh listener, then poll health for
// up to three seconds.
func (s *Supervisor) Recover(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.engines[name]
	lock := s.recovery[name]
	s.mu.Unlock()
	if e == nil || lock == nil {
		return fmt.Errorf("session %s is not supervised", name)
	}

	lock.Lock()
	defer lock.Unlock()

	if e.IsHealthy() {
		s.logger.Info("Session healed before recovery ran", "session", name)
		return nil
	}

	if !e.StopListener(listenerStopTimeout) {
		s.logger.Warn("Stale listener did not stop in time", "session", name)
	}
	if err := e.ForceReconnect(ctx); err != nil {
		return fmt.Errorf("force reconnect: %w", err)
	}
	e.StartListener(ctx)

	deadline := time.Now().Add(healthPollTimeout)
	for time.Now().Before(deadline) {
		if e.IsHealthy() {
			s.logger.Info("Session recovered", "session", name)
			return nil
		}
		timer := time.NewTimer(healthPollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("session %s still unhealthy after recovery", name)
}
