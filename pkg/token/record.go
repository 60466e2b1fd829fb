package token

import (
	"sync"
	"time"
)

// Record holds one user's token material and lifecycle state.
//
// Two locks with distinct jobs: mu is the field lock, held only for short
// reads and writes of the token material; refreshMu is the refresh mutex,
// held across the whole remote refresh and its result application so at
// most one refresh per user is ever in flight. refreshMu is always acquired
// before mu, never the other way around. The manager's global lock protects
// only the record map structure.
type Record struct {
	mu        sync.Mutex
	refreshMu sync.Mutex

	Username     string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string

	// Expiry is the safety-buffered absolute expiry. Zero means unknown.
	Expiry time.Time

	State State

	lastValidation time.Time
	createdAt      time.Time

	// Unknown-expiry resolution bookkeeping (0..3 forced attempts).
	forcedUnknownAttempts int
	nextForcedAttempt     time.Time

	// originalLifetime is the full lifetime observed when the expiry first
	// became known; reset on every successful refresh.
	originalLifetime time.Duration
}

// snapshot is a consistent copy of the mutable fields, taken under the
// record mutex.
type snapshot struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	State        State
}

func (r *Record) snapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
		State:        r.State,
	}
}

// Remaining returns the time until expiry, or (0, false) when unknown.
func (r *Record) Remaining() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Expiry.IsZero() {
		return 0, false
	}
	return time.Until(r.Expiry), true
}

// Snapshot returns the current access token, refresh token and state for
// external inspection.
func (r *Record) Snapshot() (access, refresh string, state State) {
	s := r.snapshot()
	return s.AccessToken, s.RefreshToken, s.State
}
