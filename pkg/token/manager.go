package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamhue/streamhue/pkg/config"
)

// ErrUnknownUser is returned for operations on a username with no record.
var ErrUnknownUser = errors.New("unknown user")

// UpdateHook is fired after a refresh that changed the access or refresh
// token. Hooks run asynchronously; panics are logged, never propagated.
type UpdateHook func(ctx context.Context, accessToken, refreshToken string)

// InvalidationHook is fired after a non-recoverable refresh failure.
type InvalidationHook func(ctx context.Context)

// Manager owns the per-user token records and keeps them fresh.
// Construct with NewManager and inject it where needed; there is no package
// global.
type Manager struct {
	cfg      config.TokenConfig
	authBase string

	// mu protects the records map structure; per-record mutation happens
	// under each record's own field lock, and refreshes are serialized by
	// each record's refresh mutex.
	mu      sync.RWMutex
	records map[string]*Record
	paused  map[string]bool

	// clients caches one OAuth client per credential pair.
	clientsMu sync.Mutex
	clients   map[string]*Client

	// hooksMu guards both hook registries. Hook goroutines are tracked in
	// hookWG so Stop can wait for stragglers.
	hooksMu           sync.Mutex
	updateHooks       map[string][]UpdateHook
	invalidationHooks map[string][]InvalidationHook
	hookWG            sync.WaitGroup

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger

	// onOutcome observes every applied outcome; see ObserveOutcomes.
	onOutcome func(username string, outcome Outcome)
}

// NewManager creates a token manager. authBase points at the OAuth endpoint
// root and is overridable for tests.
func NewManager(cfg config.TokenConfig, authBase string) *Manager {
	return &Manager{
		cfg:               cfg,
		authBase:          authBase,
		records:           make(map[string]*Record),
		paused:            make(map[string]bool),
		clients:           make(map[string]*Client),
		updateHooks:       make(map[string][]UpdateHook),
		invalidationHooks: make(map[string][]InvalidationHook),
		logger:            slog.Default().With("component", "token-manager"),
	}
}

// Upsert inserts or updates a user's record. The original lifetime is
// captured the first time an expiry becomes known.
func (m *Manager) Upsert(username, accessToken, refreshToken, clientID, clientSecret string, expiry time.Time) {
	m.mu.Lock()
	rec, ok := m.records[username]
	if !ok {
		rec = &Record{Username: username, createdAt: time.Now()}
		m.records[username] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.AccessToken = accessToken
	rec.RefreshToken = refreshToken
	rec.ClientID = clientID
	rec.ClientSecret = clientSecret
	if !expiry.IsZero() {
		if rec.originalLifetime == 0 {
			rec.originalLifetime = time.Until(expiry)
		}
		rec.Expiry = expiry
	}
}

// Get returns the record for username, or nil.
func (m *Manager) Get(username string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[username]
}

// Remove deletes a user's record and hooks.
func (m *Manager) Remove(username string) {
	m.mu.Lock()
	delete(m.records, username)
	delete(m.paused, username)
	m.mu.Unlock()

	m.hooksMu.Lock()
	delete(m.updateHooks, username)
	delete(m.invalidationHooks, username)
	m.hooksMu.Unlock()
}

// Prune removes every record whose username is not in active and returns the
// number removed.
func (m *Manager) Prune(active map[string]bool) int {
	m.mu.Lock()
	var stale []string
	for name := range m.records {
		if !active[name] {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		m.Remove(name)
	}
	return len(stale)
}

// Usernames returns the registered usernames.
func (m *Manager) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	return names
}

// Pause excludes a user from background processing without touching the
// record. Resume undoes it.
func (m *Manager) Pause(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[username] = true
}

// Resume re-enables background processing for a user.
func (m *Manager) Resume(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, username)
}

func (m *Manager) isPaused(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[username]
}

// RegisterUpdateHook appends an update hook for username.
func (m *Manager) RegisterUpdateHook(username string, hook UpdateHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.updateHooks[username] = append(m.updateHooks[username], hook)
}

// RegisterInvalidationHook appends an invalidation hook for username.
func (m *Manager) RegisterInvalidationHook(username string, hook InvalidationHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.invalidationHooks[username] = append(m.invalidationHooks[username], hook)
}

// clientFor returns the cached OAuth client for a credential pair.
func (m *Manager) clientFor(clientID, clientSecret string) *Client {
	key := clientID + "|" + clientSecret
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := NewClient(m.authBase, clientID, clientSecret, m.cfg.SafetyBuffer(), m.cfg.RefreshThreshold())
	m.clients[key] = c
	return c
}

// EnsureFresh guarantees the user's token is usable, refreshing when needed.
// Serialized per user by the record's refresh mutex.
func (m *Manager) EnsureFresh(ctx context.Context, username string, force bool) (Outcome, error) {
	rec := m.Get(username)
	if rec == nil {
		return Failed, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}

	// Skip-fast under the read lock: no HTTP, no refresh mutex contention.
	if !force {
		if remaining, known := rec.Remaining(); known && remaining > m.cfg.RefreshThreshold() {
			m.noteOutcome(username, Valid)
			return Valid, nil
		}
	}

	// The refresh mutex is held across the remote call and the result
	// application, so concurrent callers for the same user queue here and at
	// most one refresh is ever in flight.
	rec.refreshMu.Lock()
	defer rec.refreshMu.Unlock()

	rec.mu.Lock()
	// Re-check under the refresh mutex: a concurrent refresh may have
	// already done the work while this caller waited.
	if !force && !rec.Expiry.IsZero() && time.Until(rec.Expiry) > m.cfg.RefreshThreshold() {
		rec.mu.Unlock()
		m.noteOutcome(username, Valid)
		return Valid, nil
	}
	// Past the proactive refresh point (or expiry unknown): the record is
	// stale until a refresh outcome lands.
	if rec.State == Fresh && (rec.Expiry.IsZero() || time.Until(rec.Expiry) <= m.cfg.RefreshThreshold()) {
		rec.State = Stale
	}
	access, refresh := rec.AccessToken, rec.RefreshToken
	expiry := rec.Expiry
	client := m.clientFor(rec.ClientID, rec.ClientSecret)
	rec.mu.Unlock()

	res := client.EnsureFresh(ctx, access, refresh, expiry, force)
	outcome := m.applyResult(rec, res)
	m.noteOutcome(username, outcome)
	if res.Err != nil {
		return outcome, res.Err
	}
	return outcome, nil
}

// applyResult mutates the record per the refresh result and schedules hooks.
// Hook scheduling happens outside the record mutex so a hook calling back
// into the manager cannot deadlock.
func (m *Manager) applyResult(rec *Record, res Result) Outcome {
	var fireUpdate, fireInvalidation bool
	var newAccess, newRefresh string

	rec.mu.Lock()
	switch res.Outcome {
	case Valid, Skipped:
		rec.State = Fresh
		if !res.Expiry.IsZero() {
			if rec.originalLifetime == 0 {
				rec.originalLifetime = time.Until(res.Expiry)
			}
			rec.Expiry = res.Expiry
		}
	case Refreshed:
		changed := res.AccessToken != rec.AccessToken || res.RefreshToken != rec.RefreshToken
		rec.AccessToken = res.AccessToken
		rec.RefreshToken = res.RefreshToken
		rec.State = Fresh
		rec.forcedUnknownAttempts = 0
		if !res.Expiry.IsZero() {
			rec.Expiry = res.Expiry
			rec.originalLifetime = time.Until(res.Expiry)
		} else {
			rec.Expiry = time.Time{}
		}
		if changed {
			fireUpdate = true
			newAccess, newRefresh = res.AccessToken, res.RefreshToken
		}
	case Failed:
		if res.Kind == NonRecoverable {
			rec.State = Expired
			fireInvalidation = true
		}
		// Recoverable: state untouched, next iteration retries.
	}
	username := rec.Username
	rec.mu.Unlock()

	if fireUpdate {
		m.fireUpdateHooks(username, newAccess, newRefresh)
	}
	if fireInvalidation {
		m.fireInvalidationHooks(username)
	}
	return res.Outcome
}

// Validate performs a remote validation for username, rate-limited by the
// configured minimum interval. Expiry and last-validation time are updated
// atomically under the record mutex.
func (m *Manager) Validate(ctx context.Context, username string) (Outcome, error) {
	rec := m.Get(username)
	if rec == nil {
		return Failed, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}

	rec.mu.Lock()
	if time.Since(rec.lastValidation) < m.cfg.ValidationMinInterval() {
		state := rec.State
		rec.mu.Unlock()
		if state == Expired {
			return Failed, nil
		}
		return Skipped, nil
	}
	access := rec.AccessToken
	client := m.clientFor(rec.ClientID, rec.ClientSecret)
	rec.mu.Unlock()

	valid, expiry := client.Validate(ctx, access)

	rec.mu.Lock()
	rec.lastValidation = time.Now()
	if valid {
		rec.State = Fresh
		if !expiry.IsZero() {
			if rec.originalLifetime == 0 {
				rec.originalLifetime = time.Until(expiry)
			}
			rec.Expiry = expiry
		}
	}
	rec.mu.Unlock()

	if !valid {
		return Failed, nil
	}
	return Valid, nil
}

func (m *Manager) fireUpdateHooks(username, accessToken, refreshToken string) {
	m.hooksMu.Lock()
	hooks := append([]UpdateHook(nil), m.updateHooks[username]...)
	m.hooksMu.Unlock()

	for _, hook := range hooks {
		m.hookWG.Add(1)
		go func(h UpdateHook) {
			defer m.hookWG.Done()
			defer m.recoverHookPanic(username, "update")
			h(context.Background(), accessToken, refreshToken)
		}(hook)
	}
}

func (m *Manager) fireInvalidationHooks(username string) {
	m.hooksMu.Lock()
	hooks := append([]InvalidationHook(nil), m.invalidationHooks[username]...)
	m.hooksMu.Unlock()

	for _, hook := range hooks {
		m.hookWG.Add(1)
		go func(h InvalidationHook) {
			defer m.hookWG.Done()
			defer m.recoverHookPanic(username, "invalidation")
			h(context.Background())
		}(hook)
	}
}

func (m *Manager) recoverHookPanic(username, kind string) {
	if r := recover(); r != nil {
		m.logger.Error("Token hook panicked", "user", username, "kind", kind, "panic", r)
	}
}

// ObserveOutcomes registers a callback fired for every applied outcome.
// Used to feed metrics; set it before Start.
func (m *Manager) ObserveOutcomes(fn func(username string, outcome Outcome)) {
	m.onOutcome = fn
}

func (m *Manager) noteOutcome(username string, outcome Outcome) {
	if m.onOutcome != nil {
		m.onOutcome(username, outcome)
	}
}

// WaitForHooks blocks until all in-flight hook goroutines finish. Used by
// Stop and by tests.
func (m *Manager) WaitForHooks() {
	m.hookWG.Wait()
}
