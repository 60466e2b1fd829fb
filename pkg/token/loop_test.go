package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHealth(t *testing.T) {
	threshold := time.Hour

	tests := []struct {
		name        string
		known       bool
		unknownAged bool
		remaining   time.Duration
		drift       time.Duration
		want        recordHealth
	}{
		{"plenty of lifetime, no drift", true, false, 5 * time.Hour, 0, healthy},
		{"expired now", true, false, 0, 0, critical},
		{"negative remaining", true, false, -time.Minute, 0, critical},
		{"low remaining with heavy drift", true, false, 4 * time.Minute, 2 * time.Minute, critical},
		{"low remaining without drift", true, false, 4 * time.Minute, 0, healthy},
		{"under threshold with moderate drift", true, false, 30 * time.Minute, time.Minute, degraded},
		{"under threshold without drift", true, false, 30 * time.Minute, 10 * time.Second, healthy},
		{"unknown expiry, young record", false, false, 0, 0, degraded},
		{"unknown expiry, aged record", false, true, 0, 0, critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyHealth(tt.known, tt.unknownAged, tt.remaining, tt.drift, threshold)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompensatedThreshold(t *testing.T) {
	threshold := 3600 * time.Second

	t.Run("no drift leaves threshold unchanged", func(t *testing.T) {
		assert.Equal(t, threshold, compensatedThreshold(threshold, 0, false))
	})

	t.Run("drift lowers by half the drift", func(t *testing.T) {
		got := compensatedThreshold(threshold, 300*time.Second, false)
		assert.Equal(t, 3450*time.Second, got)
	})

	t.Run("reduction capped at 30 percent", func(t *testing.T) {
		got := compensatedThreshold(threshold, 10*time.Hour, false)
		assert.Equal(t, threshold*7/10, got)
	})

	t.Run("proactive mode raises by half again", func(t *testing.T) {
		got := compensatedThreshold(threshold, 300*time.Second, true)
		assert.Equal(t, 3450*time.Second*3/2, got)
	})
}

func TestProcessUser_CriticalForcesRefresh(t *testing.T) {
	a := newAuthServer(t)
	m := newTestManager(a)
	// Token already past its (buffered) expiry.
	m.Upsert("alice", "tok", "ref", "cid", "secret", time.Now().Add(-time.Minute))

	m.processUser(context.Background(), "alice", 0, false)

	assert.Equal(t, 1, a.refreshCalls)
	access, _, state := m.Get("alice").Snapshot()
	assert.Equal(t, "new-access", access)
	assert.Equal(t, Fresh, state)
}

func TestProcessUser_DriftBandForcesRefreshInProactiveMode(t *testing.T) {
	a := newAuthServer(t)
	m := newTestManager(a)
	// Remaining 6000s: above even the compensated threshold, inside the
	// (threshold, 2x threshold] band.
	m.Upsert("alice", "tok", "ref", "cid", "secret", time.Now().Add(6000*time.Second))
	// Mark as recently validated so periodic validation stays out of the way.
	rec := m.Get("alice")
	rec.mu.Lock()
	rec.lastValidation = time.Now()
	rec.mu.Unlock()

	// Without proactive mode nothing happens.
	m.processUser(context.Background(), "alice", 0, false)
	assert.Zero(t, a.refreshCalls)

	// Proactive mode with drift beyond a minute: forced refresh.
	m.processUser(context.Background(), "alice", 5*time.Minute, true)
	assert.Equal(t, 1, a.refreshCalls)
}

func TestProcessUser_PausedUsersAreSkippedByIterate(t *testing.T) {
	a := newAuthServer(t)
	m := newTestManager(a)
	m.Upsert("alice", "tok", "ref", "cid", "secret", time.Now().Add(-time.Minute))
	m.Pause("alice")

	m.iterate(context.Background(), 0, false)
	assert.Zero(t, a.refreshCalls)

	m.Resume("alice")
	m.iterate(context.Background(), 0, false)
	assert.Equal(t, 1, a.refreshCalls)
}

func TestResolveUnknownExpiry_Protocol(t *testing.T) {
	a := newAuthServer(t)
	a.validateStatus = 401
	a.refreshStatus = 429 // refresh keeps failing recoverably
	m := newTestManager(a)
	m.Upsert("alice", "tok", "ref", "cid", "secret", time.Time{})
	rec := m.Get("alice")
	log := m.logger

	// First pass: one unforced attempt, counter moves to 1.
	m.resolveUnknownExpiry(context.Background(), rec, log)
	rec.mu.Lock()
	attempts := rec.forcedUnknownAttempts
	next := rec.nextForcedAttempt
	rec.mu.Unlock()
	assert.Equal(t, 1, attempts)
	assert.WithinDuration(t, time.Now().Add(time.Minute), next, 2*time.Second)

	// Backoff not yet elapsed: no forced attempt issued.
	before := a.refreshCalls
	m.resolveUnknownExpiry(context.Background(), rec, log)
	assert.Equal(t, before, a.refreshCalls)

	// Force the backoff window open: forced attempt runs, counter advances
	// and the next backoff doubles.
	rec.mu.Lock()
	rec.nextForcedAttempt = time.Now().Add(-time.Second)
	rec.mu.Unlock()
	m.resolveUnknownExpiry(context.Background(), rec, log)
	rec.mu.Lock()
	attempts = rec.forcedUnknownAttempts
	next = rec.nextForcedAttempt
	rec.mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), next, 2*time.Second)
	assert.Greater(t, a.refreshCalls, before)
}

func TestResolveUnknownExpiry_SuccessResetsCounter(t *testing.T) {
	a := newAuthServer(t)
	a.validateStatus = 401
	m := newTestManager(a)
	m.Upsert("alice", "tok", "ref", "cid", "secret", time.Time{})
	rec := m.Get("alice")

	rec.mu.Lock()
	rec.forcedUnknownAttempts = 2
	rec.nextForcedAttempt = time.Now().Add(-time.Second)
	rec.mu.Unlock()

	m.resolveUnknownExpiry(context.Background(), rec, m.logger)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.False(t, rec.Expiry.IsZero())
	assert.Zero(t, rec.forcedUnknownAttempts)
}
