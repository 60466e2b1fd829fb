package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamhue/streamhue/pkg/config"
	"github.com/streamhue/streamhue/pkg/helix"
	"github.com/streamhue/streamhue/pkg/resolver"
	"github.com/streamhue/streamhue/pkg/token"
)

// RequiredScopes must all be present on a token before a session starts.
var RequiredScopes = []string{"chat:read", "user:read:chat", "user:manage:chat_color"}

// ErrMissingScopes aborts session startup when the token lacks a required
// scope.
var ErrMissingScopes = errors.New("token missing required scopes")

// EngineState tracks the per-user session state machine.
type EngineState int

const (
	EngineInit EngineState = iota
	EngineValidatingToken
	EngineConnecting
	EngineHandshaking
	EngineResolvingChannels
	EngineSubscribing
	EngineListening
	EngineReconnecting
	EngineStopped
)

func (s EngineState) String() string {
	switch s {
	case EngineValidatingToken:
		return "validating_token"
	case EngineConnecting:
		return "connecting"
	case EngineHandshaking:
		return "handshaking"
	case EngineResolvingChannels:
		return "resolving_channels"
	case EngineSubscribing:
		return "subscribing"
	case EngineListening:
		return "listening"
	case EngineReconnecting:
		return "reconnecting"
	case EngineStopped:
		return "stopped"
	default:
		return "init"
	}
}

const (
	idleSleepMin     = 100 * time.Millisecond
	idleSleepMax     = time.Second
	quietPeriod      = 30 * time.Second
	breakerOpenPause = 2 * time.Second
)

// EngineOptions configure one per-user session engine.
type EngineOptions struct {
	Username       string
	ClientID       string
	AccessToken    string
	PrimaryChannel string
	// ExtraChannels join in addition to the primary channel.
	ExtraChannels []string
}

// Engine drives one user's EventSub session end to end: token validation,
// connect and welcome, channel resolution, subscription creation, the
// inbound listen loop, and recovery on disconnects or session rotation.
type Engine struct {
	opts       EngineOptions
	cfg        config.EventSubConfig
	tokens     *token.Manager
	api        *helix.Client
	resolver   *resolver.Resolver
	session    *Session
	subs       *SubscriptionManager
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu            sync.Mutex
	state         EngineState
	accessToken   string
	userID        string
	channelIDs    map[string]string // login -> user id
	authFailures  int
	tokenInvalid  bool
	stopRequested bool

	listenerMu     sync.Mutex
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}

	// onReconnect observes initiated reconnects by trigger; see
	// ObserveReconnects.
	onReconnect func(trigger string)
}

// NewEngine wires an engine from its collaborators. Call BindTokenManager
// before Start so refreshed tokens propagate.
func NewEngine(
	opts EngineOptions,
	cfg config.EventSubConfig,
	tokens *token.Manager,
	api *helix.Client,
	res *resolver.Resolver,
	session *Session,
	subs *SubscriptionManager,
	dispatcher *Dispatcher,
) *Engine {
	return &Engine{
		opts:        opts,
		cfg:         cfg,
		tokens:      tokens,
		api:         api,
		resolver:    res,
		session:     session,
		subs:        subs,
		dispatcher:  dispatcher,
		accessToken: opts.AccessToken,
		channelIDs:  make(map[string]string),
		logger:      slog.Default().With("component", "session_engine", "user", opts.Username),
	}
}

// Dispatcher exposes the engine's message dispatcher for handler
// registration.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// ObserveReconnects registers a callback fired whenever the engine initiates
// a reconnect, labeled by trigger (stale, server_directed, error,
// supervisor). Used to feed metrics; set it before Start.
func (e *Engine) ObserveReconnects(fn func(trigger string)) {
	e.onReconnect = fn
}

func (e *Engine) noteReconnect(trigger string) {
	if e.onReconnect != nil {
		e.onReconnect(trigger)
	}
}

// State returns the current state machine position.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsHealthy reports whether the engine is listening on a healthy session.
func (e *Engine) IsHealthy() bool {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	return state == EngineListening && e.session.IsHealthy()
}

// SessionID returns the EventSub session id of the current connection, or
// empty when disconnected.
func (e *Engine) SessionID() string {
	return e.session.SessionID()
}

// Channels returns the broadcaster ids with live subscriptions.
func (e *Engine) Channels() []string {
	return e.subs.Channels()
}

// BindTokenManager registers the update and invalidation hooks that keep the
// engine's credentials current. Refreshed access tokens apply atomically to
// all subsequent API and WebSocket operations; invalidation requests engine
// shutdown.
func (e *Engine) BindTokenManager() {
	e.tokens.RegisterUpdateHook(e.opts.Username, func(_ context.Context, access, _ string) {
		e.mu.Lock()
		e.accessToken = access
		e.tokenInvalid = false
		e.authFailures = 0
		e.mu.Unlock()
		e.session.SetAccessToken(access)
		e.logger.Info("Engine credentials rotated")
	})
	e.tokens.RegisterInvalidationHook(e.opts.Username, func(_ context.Context) {
		e.logger.Warn("Token invalidated, requesting engine shutdown")
		e.mu.Lock()
		e.tokenInvalid = true
		e.stopRequested = true
		e.mu.Unlock()
		e.session.Close()
	})
}

func (e *Engine) auth() Auth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Auth{
		AccessToken: e.accessToken,
		ClientID:    e.opts.ClientID,
		Username:    e.opts.Username,
	}
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Debug("Engine state transition", "from", prev.String(), "to", s.String())
	}
}

// Start runs the connect pipeline and, on success, launches the listen loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.stopRequested = false
	e.mu.Unlock()

	if err := e.connectPipeline(ctx); err != nil {
		e.setState(EngineStopped)
		return err
	}
	e.StartListener(ctx)
	return nil
}

// Stop tears the engine down: the listener exits, the socket closes, and the
// state machine parks at stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()

	e.StopListener(5 * time.Second)
	e.session.Close()
	e.setState(EngineStopped)
}

// connectPipeline walks INIT through LISTENING: validate token and scopes,
// connect and handshake, resolve the joined channels, subscribe each one.
func (e *Engine) connectPipeline(ctx context.Context) error {
	auth := e.auth()

	e.setState(EngineValidatingToken)
	info := e.api.ValidateToken(ctx, auth.AccessToken)
	if info == nil {
		return fmt.Errorf("token validation failed for %s", e.opts.Username)
	}
	if missing := missingScopes(info.Scopes); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingScopes, missing)
	}
	e.mu.Lock()
	e.userID = info.UserID
	e.mu.Unlock()

	e.setState(EngineConnecting)
	e.session.SetAccessToken(auth.AccessToken)
	if err := e.session.Open(ctx); err != nil {
		return err
	}

	e.setState(EngineHandshaking)
	sessionID, err := e.session.Handshake(ctx)
	if err != nil {
		return err
	}

	e.setState(EngineResolvingChannels)
	ids, err := e.resolver.ResolveUserIDs(ctx, e.joinedChannels(), resolver.Credentials{
		AccessToken: auth.AccessToken,
		ClientID:    auth.ClientID,
		Username:    auth.Username,
	})
	if err != nil {
		return fmt.Errorf("resolve channels: %w", err)
	}
	e.mu.Lock()
	e.channelIDs = ids
	e.mu.Unlock()

	e.setState(EngineSubscribing)
	if err := e.subs.UpdateSessionID(ctx, sessionID, auth); err != nil {
		return err
	}
	if err := e.subscribeAll(ctx); err != nil {
		return err
	}

	e.setState(EngineListening)
	return nil
}

func (e *Engine) joinedChannels() []string {
	out := []string{e.opts.PrimaryChannel}
	return append(out, e.opts.ExtraChannels...)
}

func missingScopes(have []string) []string {
	got := make(map[string]struct{}, len(have))
	for _, s := range have {
		got[s] = struct{}{}
	}
	var missing []string
	for _, s := range RequiredScopes {
		if _, ok := got[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// subscribeAll subscribes every resolved channel, tracking consecutive auth
// failures. Hitting the configured limit marks the token invalid and forces
// a refresh through the token manager.
func (e *Engine) subscribeAll(ctx context.Context) error {
	e.mu.Lock()
	userID := e.userID
	ids := make(map[string]string, len(e.channelIDs))
	for login, id := range e.channelIDs {
		ids[login] = id
	}
	e.mu.Unlock()

	var failures []error
	for login, channelID := range ids {
		err := e.subs.SubscribeChannelChat(ctx, channelID, userID, e.auth())
		if err == nil {
			e.mu.Lock()
			e.authFailures = 0
			e.mu.Unlock()
			continue
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			if e.noteAuthFailure(ctx) {
				return fmt.Errorf("subscribe %s: %w", login, err)
			}
		}
		e.logger.Warn("Channel subscription failed", "channel", login, "error", err)
		failures = append(failures, err)
	}
	if len(failures) == len(ids) && len(ids) > 0 {
		return fmt.Errorf("all subscriptions failed: %w", errors.Join(failures...))
	}
	return nil
}

// noteAuthFailure counts consecutive subscribe 401s. At the limit it marks
// the token invalid and asks the token manager for a forced refresh; the
// update hook clears the flag when new credentials land. Returns true when
// the limit was hit.
func (e *Engine) noteAuthFailure(ctx context.Context) bool {
	e.mu.Lock()
	e.authFailures++
	hit := e.authFailures >= e.cfg.MaxAuthFailures
	if hit {
		e.tokenInvalid = true
	}
	e.mu.Unlock()

	if !hit {
		return false
	}
	e.logger.Warn("Consecutive subscribe auth failures, forcing token refresh",
		"failures", e.cfg.MaxAuthFailures)
	if _, err := e.tokens.EnsureFresh(ctx, e.opts.Username, true); err != nil {
		e.logger.Error("Forced refresh after auth failures errored", "error", err)
	}
	return true
}

// StartListener launches the inbound loop in its own goroutine, replacing
// any previous one.
func (e *Engine) StartListener(ctx context.Context) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()

	if e.listenerCancel != nil {
		e.listenerCancel()
		<-e.listenerDone
	}
	ctx, cancel := context.WithCancel(ctx)
	e.listenerCancel = cancel
	e.listenerDone = make(chan struct{})
	go e.listen(ctx, e.listenerDone)
}

// StopListener cancels the listen loop and waits up to timeout for it to
// exit. It reports whether the listener stopped in time.
func (e *Engine) StopListener(timeout time.Duration) bool {
	e.listenerMu.Lock()
	cancel := e.listenerCancel
	done := e.listenerDone
	e.listenerCancel = nil
	e.listenerDone = nil
	e.listenerMu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.logger.Warn("Listener did not stop within timeout", "timeout", timeout)
		return false
	}
}

// listen is the inbound loop: receive frames, dispatch notifications, honor
// server-directed reconnects, and kick off recovery when the socket goes
// quiet past the stale threshold or fails outright.
func (e *Engine) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	idleSleep := idleSleepMin
	verify := time.NewTicker(e.cfg.SubCheckInterval())
	defer verify.Stop()

	for ctx.Err() == nil && !e.stopped() {
		select {
		case <-verify.C:
			e.verifyAndRepair(ctx)
		default:
		}

		_, data, err := e.session.Receive(ctx)
		switch {
		case err == nil:
			idleSleep = idleSleepMin
			e.handleFrame(ctx, data)
		case errors.Is(err, ErrReceiveTimeout):
			if time.Since(e.session.LastActivity()) > staleThreshold {
				e.logger.Warn("Connection stale, reconnecting")
				e.noteReconnect("stale")
				e.recover(ctx)
				idleSleep = idleSleepMin
				continue
			}
			// Quiet but not stale: idle sleep, doubling while the quiet
			// period persists.
			if time.Since(e.session.LastActivity()) > quietPeriod {
				idleSleep = min(idleSleep*2, idleSleepMax)
			}
			if !sleepCtx(ctx, idleSleep) {
				return
			}
		default:
			if ctx.Err() != nil || e.stopped() {
				return
			}
			e.logger.Warn("Receive failed, reconnecting", "error", err)
			e.noteReconnect("error")
			e.recover(ctx)
			idleSleep = idleSleepMin
		}
	}
}

func (e *Engine) handleFrame(ctx context.Context, data []byte) {
	frame, err := parseFrame(data)
	if err != nil {
		e.logger.Debug("Dropping unparseable frame", "error", err)
		return
	}

	switch frame.Metadata.MessageType {
	case MessageTypeKeepalive:
		// Activity already refreshed by Receive.
	case MessageTypeReconnect:
		var p sessionPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
			e.logger.Warn("session_reconnect without reconnect_url, falling back to standard reconnect")
		} else {
			e.session.SetURL(p.Session.ReconnectURL)
			e.logger.Info("Server-directed reconnect", "url", p.Session.ReconnectURL)
		}
		e.noteReconnect("server_directed")
		e.recover(ctx)
	case MessageTypeNotification:
		e.dispatcher.Dispatch(frame.Payload)
	default:
		e.logger.Debug("Ignoring frame", "message_type", frame.Metadata.MessageType)
	}
}

// recover re-enters the state machine at RECONNECTING: breaker-guarded
// reconnect attempts until one lands, then session rotation cleanup and
// resubscription. A stop request or context cancellation aborts. Every log
// line of one recovery cycle shares a correlation id.
func (e *Engine) recover(ctx context.Context) {
	log := e.logger.With("recovery_id", uuid.New().String())
	e.setState(EngineReconnecting)

	for ctx.Err() == nil && !e.stopped() {
		sessionID, err := e.session.Reconnect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var connErr *ConnectionError
			if errors.As(err, &connErr) && connErr.Operation == "reconnect" {
				// Breaker is open; pause before probing again.
				if !sleepCtx(ctx, breakerOpenPause) {
					return
				}
				continue
			}
			log.Warn("Reconnect attempt failed", "error", err)
			continue
		}

		auth := e.auth()
		e.setState(EngineSubscribing)
		if err := e.subs.UpdateSessionID(ctx, sessionID, auth); err != nil {
			log.Warn("Session rotation cleanup errored", "error", err)
		}
		if err := e.subscribeAll(ctx); err != nil {
			log.Error("Resubscription after reconnect failed", "error", err)
			e.setState(EngineReconnecting)
			continue
		}
		log.Info("Session recovered", "session_id", sessionID)
		e.setState(EngineListening)
		return
	}
}

// ForceReconnect closes the current socket and runs one full reconnect and
// resubscribe cycle. Used by the supervisor on unhealthy sessions.
func (e *Engine) ForceReconnect(ctx context.Context) error {
	e.logger.Info("Forced reconnect requested")
	e.noteReconnect("supervisor")
	e.session.Close()

	sessionID, err := e.session.Connect(ctx)
	if err != nil {
		return err
	}
	auth := e.auth()
	if err := e.subs.UpdateSessionID(ctx, sessionID, auth); err != nil {
		return err
	}
	if err := e.subscribeAll(ctx); err != nil {
		return err
	}
	e.setState(EngineListening)
	return nil
}

// verifyAndRepair re-fetches the server's subscription list and resubscribes
// any joined channel that went missing.
func (e *Engine) verifyAndRepair(ctx context.Context) {
	auth := e.auth()
	active, err := e.subs.VerifySubscriptions(ctx, auth)
	if err != nil {
		e.logger.Warn("Subscription verification failed", "error", err)
		return
	}
	present := make(map[string]struct{}, len(active))
	for _, id := range active {
		present[id] = struct{}{}
	}

	e.mu.Lock()
	userID := e.userID
	var missing map[string]string
	for login, id := range e.channelIDs {
		if _, ok := present[id]; !ok {
			if missing == nil {
				missing = make(map[string]string)
			}
			missing[login] = id
		}
	}
	e.mu.Unlock()

	for login, channelID := range missing {
		e.logger.Info("Resubscribing missing channel", "channel", login)
		if err := e.subs.SubscribeChannelChat(ctx, channelID, userID, auth); err != nil {
			e.logger.Warn("Resubscription failed", "channel", login, "error", err)
		}
	}
}

func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

// sleepCtx sleeps for d unless ctx is cancelled first; it reports whether
// the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
