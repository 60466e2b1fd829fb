package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// idleEvictionAge is how long a breaker may go unused before the eviction
	// pass removes it from the registry.
	idleEvictionAge = time.Hour

	// evictionInterval is the cadence of the background eviction pass.
	evictionInterval = 10 * time.Minute
)

// Registry hands out breaker instances by name. Repeated Get calls with the
// same name return the same instance regardless of settings, so callers share
// failure state per protected endpoint.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   slog.Default().With("component", "breaker-registry"),
	}
}

// Get returns the breaker registered under name, creating it with settings on
// first use.
func (r *Registry) Get(name string, settings Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, settings)
	r.breakers[name] = b
	return b
}

// Len returns the number of registered breakers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// EvictIdle removes breakers unused for longer than maxIdle and returns the
// number removed.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, b := range r.breakers {
		if time.Since(b.lastUsedAt()) > maxIdle {
			delete(r.breakers, name)
			removed++
		}
	}
	return removed
}

// Start launches the periodic idle-eviction pass. Calling Start on a running
// registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop cancels the eviction pass and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.EvictIdle(idleEvictionAge); removed > 0 {
				r.logger.Debug("Evicted idle circuit breakers", "count", removed)
			}
		}
	}
}
