// Package breaker implements named three-state circuit breakers used to
// isolate the Helix API and the EventSub WebSocket from repeated failures.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker short-circuits a call. It is a synthetic
// signal, not a failure of the protected operation, and does not count toward
// the breaker's own failure tally.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	// Closed passes calls through and counts consecutive failures.
	Closed State = iota
	// Open fails fast until the recovery timeout elapses.
	Open
	// HalfOpen probes with live calls; one failure reopens, enough
	// consecutive successes close.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configures a single breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from Closed to Open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays Open before the next call
	// is allowed through as a Half-Open probe.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive Half-Open successes
	// required to close the breaker again.
	SuccessThreshold int
}

// Breaker is a three-state circuit breaker.
//
// The mutex is held only across state inspection and state transitions; the
// protected call itself runs unlocked, so concurrent in-flight calls do not
// serialize behind each other.
type Breaker struct {
	name     string
	settings Settings

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	lastUsed     time.Time
}

// New creates a breaker with the given name and settings.
func New(name string, settings Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings,
		state:    Closed,
		lastUsed: time.Now(),
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the Open → HalfOpen transition
// if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.lastFailure) >= b.settings.RecoveryTimeout {
		b.state = HalfOpen
		b.successCount = 0
	}
	return b.state
}

// Allow reports whether a call may proceed. Returns ErrOpen while Open and
// inside the recovery window.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = time.Now()
	if b.stateLocked() == Open {
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a successful protected call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure records a failed protected call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		// A single probe failure reopens immediately.
		b.state = Open
		b.successCount = 0
	}
}

// Execute runs fn under the breaker. ErrOpen is returned without invoking fn
// when the breaker is Open. Any non-nil error from fn counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// lastUsedAt returns the last Allow timestamp. Used by the registry's idle
// eviction pass.
func (b *Breaker) lastUsedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
