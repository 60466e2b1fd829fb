// Package ratelimit implements an adaptive client-side rate limiter for the
// Helix API. Buckets are keyed per (client id, user) and updated
// opportunistically from Ratelimit-* response headers; callers ask for a
// pre-call delay sized to keep the remote bucket above a safety margin.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// safetyBuffer is the number of points kept in reserve: a request only
	// proceeds without spreading when remaining >= cost + safetyBuffer.
	safetyBuffer = 5

	// hysteresisDelta is added to the safety buffer while in conservative
	// mode. Conservative mode is entered when remaining dips below the base
	// buffer and left only when remaining > buffer + cost + exitMargin, so
	// the limiter does not oscillate around the threshold.
	hysteresisDelta = 5
	exitMargin      = 5

	// freshnessWindow is the maximum bucket age before header data is
	// considered stale and a fixed probe delay is applied instead.
	freshnessWindow = 60 * time.Second
	probeDelay      = time.Second

	// resetSlack is added when waiting for the remote bucket reset so the
	// next call lands after the reset, not on it.
	resetSlack = 500 * time.Millisecond

	// minDelay is the floor applied to every computed delay.
	minDelay = 50 * time.Millisecond
)

// bucket mirrors the remote token bucket for one (client, user) pair.
// lastUpdated carries Go's monotonic clock component and is used for age;
// resetAt is wall-clock because Ratelimit-Reset is an absolute unix instant.
type bucket struct {
	limit        int
	remaining    int
	resetAt      time.Time
	lastUpdated  time.Time
	conservative bool
}

func (b *bucket) effectiveBuffer() int {
	if b.conservative {
		return safetyBuffer + hysteresisDelta
	}
	return safetyBuffer
}

// Limiter co-schedules Helix requests against the remote rate limit.
// All bucket mutations happen under a single mutex; the wait itself runs
// unlocked so concurrent callers only serialize for bookkeeping.
type Limiter struct {
	mu      sync.Mutex
	user    map[string]*bucket // keyed clientID + "|" + username
	app     map[string]*bucket // keyed clientID
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{
		user:    make(map[string]*bucket),
		app:     make(map[string]*bucket),
		logger:  slog.Default().With("component", "ratelimit"),
		sleepFn: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) bucketFor(clientID, username string) *bucket {
	if username != "" {
		key := clientID + "|" + username
		b, ok := l.user[key]
		if !ok {
			b = &bucket{}
			l.user[key] = b
		}
		return b
	}
	b, ok := l.app[clientID]
	if !ok {
		b = &bucket{}
		l.app[clientID] = b
	}
	return b
}

// Wait blocks until a request costing points may be issued for the given
// client/user pair, then predictively decrements the mirrored bucket. The
// decrement stands even if the caller is cancelled afterwards, mirroring the
// HTTP request that may already have been sent.
//
// An empty username selects the app-token bucket. endpoint is used only for
// logging.
func (l *Limiter) Wait(ctx context.Context, endpoint, clientID, username string, points int) error {
	l.mu.Lock()
	b := l.bucketFor(clientID, username)
	delay := l.delayLocked(b, points)
	l.mu.Unlock()

	if delay > 0 {
		if delay > probeDelay {
			l.logger.Debug("Rate limit wait",
				"endpoint", endpoint, "delay", delay, "points", points)
		}
		if err := l.sleepFn(ctx, delay); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b.remaining >= points {
		b.remaining -= points
	} else {
		b.remaining = 0
	}
	l.updateConservativeLocked(b, points)
	return nil
}

// delayLocked computes the pre-call delay for a request of the given cost.
func (l *Limiter) delayLocked(b *bucket, points int) time.Duration {
	// No header data yet, or data older than the freshness window: probe
	// slowly rather than trusting stale numbers.
	if b.lastUpdated.IsZero() || time.Since(b.lastUpdated) > freshnessWindow {
		return probeDelay
	}

	untilReset := time.Until(b.resetAt)
	if untilReset < 0 {
		untilReset = 0
	}

	// Bucket exhausted for this request: wait out the remote reset.
	if b.remaining < points {
		return untilReset + resetSlack
	}

	buffer := b.effectiveBuffer()

	// Inside the safety margin: pace by the regeneration rate so the margin
	// is rebuilt instead of burned down.
	if b.remaining-buffer < points {
		deficit := points + buffer - b.remaining
		if b.limit > 0 && untilReset > 0 {
			regenPerSecond := float64(b.limit) / untilReset.Seconds()
			if regenPerSecond > 0 {
				d := time.Duration(float64(deficit) / regenPerSecond * float64(time.Second))
				return max(d, minDelay)
			}
		}
		return probeDelay
	}

	// Healthy: spread the available points across the time until reset.
	available := b.remaining - buffer
	if available <= 0 || untilReset <= 0 {
		return minDelay
	}
	return max(untilReset/time.Duration(available), minDelay)
}

func (l *Limiter) updateConservativeLocked(b *bucket, points int) {
	switch {
	case !b.conservative && b.remaining < safetyBuffer:
		b.conservative = true
		l.logger.Warn("Rate limiter entering conservative mode",
			"remaining", b.remaining, "limit", b.limit)
	case b.conservative && b.remaining > safetyBuffer+hysteresisDelta+points+exitMargin:
		b.conservative = false
		l.logger.Info("Rate limiter leaving conservative mode",
			"remaining", b.remaining, "limit", b.limit)
	}
}

// Update refreshes the mirrored bucket from response headers. A 429 forces
// remaining to zero until the advertised reset. Header parse failures are
// logged and otherwise ignored: a missed update only makes the limiter more
// cautious on the next call.
func (l *Limiter) Update(clientID, username string, statusCode int, headers http.Header) {
	limit, limitOK := parseIntHeader(headers, "Ratelimit-Limit")
	remaining, remainingOK := parseIntHeader(headers, "Ratelimit-Remaining")
	resetUnix, resetOK := parseIntHeader(headers, "Ratelimit-Reset")

	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(clientID, username)

	if limitOK {
		b.limit = limit
	}
	if remainingOK {
		b.remaining = remaining
	}
	if resetOK {
		b.resetAt = time.Unix(int64(resetUnix), 0)
	}
	if limitOK || remainingOK || resetOK {
		b.lastUpdated = time.Now()
	}

	if statusCode == http.StatusTooManyRequests {
		b.remaining = 0
		b.lastUpdated = time.Now()
		l.logger.Warn("Received 429, forcing bucket empty until reset",
			"client_id", clientID, "reset_at", b.resetAt)
	}

	l.updateConservativeLocked(b, 0)
}

// Snapshot returns (limit, remaining, resetAt) for introspection. The second
// return is false when no bucket exists for the pair yet.
func (l *Limiter) Snapshot(clientID, username string) (limit, remaining int, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b *bucket
	if username != "" {
		b = l.user[clientID+"|"+username]
	} else {
		b = l.app[clientID]
	}
	if b == nil {
		return 0, 0, time.Time{}, false
	}
	return b.limit, b.remaining, b.resetAt, true
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name) // Get is case-insensitive per RFC 7230 canonicalization
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Debug("Unparseable rate limit header", "header", name, "value", v)
		return 0, false
	}
	return n, true
}
