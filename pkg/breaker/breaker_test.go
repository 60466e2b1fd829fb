package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 3,
	}
}

func failNTimes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
}

func TestBreaker_TripsAfterFailureThreshold(t *testing.T) {
	b := New("api", testSettings())

	failNTimes(t, b, 4)
	assert.Equal(t, Closed, b.State())

	failNTimes(t, b, 1)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_OpenShortCircuitsWithoutInvoking(t *testing.T) {
	b := New("api", testSettings())
	failNTimes(t, b, 5)

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("api", testSettings())

	failNTimes(t, b, 4)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))

	// Counter reset: four more failures must not trip it.
	failNTimes(t, b, 4)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_RecoveryThroughHalfOpen(t *testing.T) {
	b := New("api", testSettings())
	failNTimes(t, b, 5)
	require.Equal(t, Open, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	// Two successes are not enough to close.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("api", testSettings())
	failNTimes(t, b, 5)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	failNTimes(t, b, 1)
	assert.Equal(t, Open, b.State())

	// Back inside the recovery window: short-circuit again.
	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_ErrOpenIsNotAFailure(t *testing.T) {
	b := New("api", testSettings())
	failNTimes(t, b, 5)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	// A short-circuited call elsewhere must not change half-open accounting:
	// three successes still close it.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, Closed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
}

func TestRegistry_SameInstancePerName(t *testing.T) {
	r := NewRegistry()
	a := r.Get("api", testSettings())
	b := r.Get("api", Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_EvictIdle(t *testing.T) {
	r := NewRegistry()
	idle := r.Get("idle", testSettings())
	busy := r.Get("busy", testSettings())

	idle.mu.Lock()
	idle.lastUsed = time.Now().Add(-2 * time.Hour)
	idle.mu.Unlock()
	require.NoError(t, busy.Allow())

	removed := r.EvictIdle(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	// The survivor is still the same instance.
	assert.Same(t, busy, r.Get("busy", testSettings()))
}
