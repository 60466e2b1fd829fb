package token

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// recordHealth classifies how urgently a record needs attention during a
// background iteration.
type recordHealth int

const (
	healthy recordHealth = iota
	degraded
	critical
)

// String returns the lowercase health name.
func (h recordHealth) String() string {
	switch h {
	case critical:
		return "critical"
	case degraded:
		return "degraded"
	default:
		return "healthy"
	}
}

const (
	// unknownExpiryAge is how long a record may sit with an unknown expiry
	// before that alone is treated as critical.
	unknownExpiryAge = 15 * time.Minute

	// criticalRemaining is the remaining lifetime under which measurable
	// loop drift escalates a token to critical.
	criticalRemaining = 5 * time.Minute

	criticalDrift = time.Minute
	degradedDrift = 30 * time.Second
)

// classifyHealth applies the loop's triage rules.
func classifyHealth(expiryKnown, unknownAged bool, remaining, drift, threshold time.Duration) recordHealth {
	if !expiryKnown {
		if unknownAged {
			return critical
		}
		return degraded
	}
	if remaining <= 0 {
		return critical
	}
	if remaining <= criticalRemaining && drift > criticalDrift {
		return critical
	}
	if remaining <= threshold && drift > degradedDrift {
		return degraded
	}
	return healthy
}

// compensatedThreshold lowers the refresh threshold in proportion to observed
// loop drift (capped at 30% of the threshold), and raises it by half again
// when an iteration runs in proactive mode, so drift-delayed tokens are
// refreshed earlier rather than later.
func compensatedThreshold(threshold, drift time.Duration, proactive bool) time.Duration {
	reduction := min(drift/2, threshold*3/10)
	t := threshold - reduction
	if proactive {
		t = t * 3 / 2
	}
	return t
}

// Start launches the background refresh loop. Any lingering prior loop is
// cancelled first, so Start after Stop (or a second Start) always leaves
// exactly one loop running.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)

	m.logger.Info("Token background loop started",
		"base_sleep", m.cfg.BackgroundBaseSleep(),
		"refresh_threshold", m.cfg.RefreshThreshold())
}

// Stop cancels the background loop, waits for it, then waits for in-flight
// hook goroutines. Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.hookWG.Wait()
	m.logger.Info("Token background loop stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	base := m.cfg.BackgroundBaseSleep()
	var (
		lastSleep        time.Duration
		prevStart        time.Time
		consecutiveDrift int
		shortenNext      time.Duration
	)

	for {
		iterStart := time.Now()

		// Drift is the excess delay beyond the intended sleep: how late this
		// iteration is running relative to its schedule.
		var drift time.Duration
		if !prevStart.IsZero() {
			drift = iterStart.Sub(prevStart) - lastSleep
			if drift < 0 {
				drift = 0
			}
		}

		proactive := false
		if drift > 3*base {
			consecutiveDrift++
			m.logger.Warn("Background loop drift event",
				"drift", drift, "consecutive", consecutiveDrift)
		} else {
			consecutiveDrift = 0
		}
		if consecutiveDrift >= 3 {
			proactive = true
			shortenNext = max(base*3/10, base-drift/2)
			consecutiveDrift = 0
		}

		m.iterate(ctx, drift, proactive)
		prevStart = iterStart

		sleep := time.Duration(float64(base) * (0.5 + rand.Float64()))
		if shortenNext > 0 {
			sleep = shortenNext
			shortenNext = 0
		}
		lastSleep = sleep

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// iterate processes every non-paused record once. Per-user failures are
// logged and never stop the iteration or affect other users.
func (m *Manager) iterate(ctx context.Context, drift time.Duration, proactive bool) {
	for _, username := range m.Usernames() {
		if m.isPaused(username) {
			continue
		}
		m.processUser(ctx, username, drift, proactive)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) processUser(ctx context.Context, username string, drift time.Duration, proactive bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Background iteration panicked", "user", username, "panic", r)
		}
	}()

	rec := m.Get(username)
	if rec == nil {
		return
	}

	remaining, known := rec.Remaining()

	rec.mu.Lock()
	ref := rec.lastValidation
	if ref.IsZero() {
		ref = rec.createdAt
	}
	unknownAged := !known && time.Since(ref) > unknownExpiryAge
	lastValidation := rec.lastValidation
	rec.mu.Unlock()

	log := m.logger.With("user", username, "drift", drift, "remaining", remaining)

	h := classifyHealth(known, unknownAged, remaining, drift, m.cfg.RefreshThreshold())
	if h == critical {
		log.Warn("Token critical, forcing refresh", "health", h.String())
		if _, err := m.EnsureFresh(ctx, username, true); err != nil {
			log.Error("Forced refresh failed", "operation", "ensure_fresh", "error", err)
		}
		return
	}

	if !known {
		m.resolveUnknownExpiry(ctx, rec, log)
		return
	}

	if time.Since(lastValidation) >= m.cfg.PeriodicValidationInterval() {
		outcome, err := m.Validate(ctx, username)
		if err != nil {
			log.Error("Periodic validation errored", "operation", "validate", "error", err)
		}
		if outcome == Failed {
			before := remaining
			if _, err := m.EnsureFresh(ctx, username, true); err != nil {
				log.Error("Refresh after failed validation errored", "error", err)
			}
			after, _ := rec.Remaining()
			log.Info("Validation failed, token refreshed",
				"remaining_before", before, "remaining_after", after)
			return
		}
		remaining, known = rec.Remaining()
		if !known {
			return
		}
	}

	t := compensatedThreshold(m.cfg.RefreshThreshold(), drift, proactive)
	if remaining <= t {
		if _, err := m.EnsureFresh(ctx, username, false); err != nil {
			log.Error("Proactive refresh failed", "threshold", t, "error", err)
		}
		return
	}

	// Proactive mode additionally force-refreshes tokens in the band just
	// above the threshold when the loop itself has been running late.
	if proactive && drift > criticalDrift &&
		remaining > m.cfg.RefreshThreshold() && remaining <= 2*m.cfg.RefreshThreshold() {
		if _, err := m.EnsureFresh(ctx, username, true); err != nil {
			log.Error("Proactive forced refresh failed", "error", err)
		}
	}
}

// resolveUnknownExpiry drives the unknown-expiry sub-protocol: one unforced
// attempt, then up to three forced attempts spaced by exponential backoff
// (base, 2×base, 4×base). The counter resets as soon as an expiry is known.
func (m *Manager) resolveUnknownExpiry(ctx context.Context, rec *Record, log *slog.Logger) {
	base := m.cfg.BackgroundBaseSleep()
	username := rec.Username

	rec.mu.Lock()
	attempts := rec.forcedUnknownAttempts
	next := rec.nextForcedAttempt
	rec.mu.Unlock()

	if attempts == 0 {
		if _, err := m.EnsureFresh(ctx, username, false); err != nil {
			log.Debug("Unknown-expiry probe failed", "error", err)
		}
		if _, known := rec.Remaining(); known {
			return
		}
		rec.mu.Lock()
		rec.forcedUnknownAttempts = 1
		rec.nextForcedAttempt = time.Now().Add(base)
		rec.mu.Unlock()
		return
	}

	if attempts > 3 || time.Now().Before(next) {
		return
	}

	log.Info("Forcing refresh to resolve unknown expiry", "attempt", attempts)
	if _, err := m.EnsureFresh(ctx, username, true); err != nil {
		log.Warn("Forced unknown-expiry refresh failed", "attempt", attempts, "error", err)
	}

	rec.mu.Lock()
	if !rec.Expiry.IsZero() {
		rec.forcedUnknownAttempts = 0
	} else {
		rec.forcedUnknownAttempts = attempts + 1
		backoff := base << (attempts) // base·2^attempt for the next try
		rec.nextForcedAttempt = time.Now().Add(backoff)
	}
	rec.mu.Unlock()
}
