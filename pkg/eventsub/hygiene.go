package eventsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	attemptWindow    = time.Minute
	maxAttemptsBurst = 10
	staleConnAge     = 5 * time.Minute
	poolMemberMaxAge = 10 * time.Minute
	poolCapacity     = 32
	hygieneRunEvery  = 5 * time.Minute
)

type poolEntry struct {
	addedAt    time.Time
	lastActive time.Time
}

// ConnTracker guards against connection leaks: it counts recent connect
// attempts and tracks live sockets so idle or over-aged ones can be swept.
// Sessions register their connections; a periodic pass (and an on-demand pass
// when attempts burst or the pool fills) closes entries that went stale more
// than five minutes ago or have been pooled for over ten.
type ConnTracker struct {
	mu       sync.Mutex
	attempts []time.Time
	pool     map[*websocket.Conn]*poolEntry

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

func NewConnTracker() *ConnTracker {
	return &ConnTracker{
		pool:   make(map[*websocket.Conn]*poolEntry),
		logger: slog.Default().With("component", "conn_tracker"),
	}
}

// NoteAttempt records a connect attempt and sweeps idle connections first
// when attempts are bursting or the pool is above capacity.
func (t *ConnTracker) NoteAttempt() {
	t.mu.Lock()
	now := time.Now()
	kept := t.attempts[:0]
	for _, at := range t.attempts {
		if now.Sub(at) <= attemptWindow {
			kept = append(kept, at)
		}
	}
	t.attempts = append(kept, now)
	crowded := len(t.attempts) > maxAttemptsBurst || len(t.pool) > poolCapacity
	t.mu.Unlock()

	if crowded {
		t.Sweep()
	}
}

// Track registers a live connection.
func (t *ConnTracker) Track(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.pool[conn] = &poolEntry{addedAt: now, lastActive: now}
}

// Touch refreshes a connection's activity timestamp.
func (t *ConnTracker) Touch(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pool[conn]; ok {
		e.lastActive = time.Now()
	}
}

// Forget removes a connection without closing it (the owner already did).
func (t *ConnTracker) Forget(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pool, conn)
}

// Sweep closes and drops connections idle past staleConnAge or pooled past
// poolMemberMaxAge. It returns the number of connections removed.
func (t *ConnTracker) Sweep() int {
	now := time.Now()
	var victims []*websocket.Conn

	t.mu.Lock()
	for conn, e := range t.pool {
		if now.Sub(e.lastActive) > staleConnAge || now.Sub(e.addedAt) > poolMemberMaxAge {
			victims = append(victims, conn)
			delete(t.pool, conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range victims {
		_ = conn.Close(websocket.StatusGoingAway, "idle cleanup")
	}
	if len(victims) > 0 {
		t.logger.Info("Swept idle websocket connections", "closed", len(victims))
	}
	return len(victims)
}

// Size reports the number of tracked connections.
func (t *ConnTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pool)
}

// Start launches the periodic sweep loop.
func (t *ConnTracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)
	t.logger.Info("Connection tracker started", "interval", hygieneRunEvery)
}

// Stop signals the sweep loop to exit and waits for it.
func (t *ConnTracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	t.logger.Info("Connection tracker stopped")
}

func (t *ConnTracker) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(hygieneRunEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
