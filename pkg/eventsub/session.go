package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/config"
)

// Subprotocol is required by the EventSub WebSocket endpoint.
const Subprotocol = "twitch-eventsub-ws"

const (
	heartbeatInterval = 30 * time.Second
	staleThreshold    = 60 * time.Second
)

// ConnState is the session's connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session owns one EventSub WebSocket connection for one user: dialing,
// the welcome handshake, bounded send/receive, and breaker-guarded reconnect
// with exponential backoff. All exported methods are safe for concurrent use.
type Session struct {
	clientID string
	cfg      config.EventSubConfig
	brk      *breaker.Breaker
	tracker  *ConnTracker
	logger   *slog.Logger

	mu               sync.Mutex
	url              string
	accessToken      string
	conn             *websocket.Conn
	state            ConnState
	sessionID        string
	lastActivity     time.Time
	pendingChallenge bool
	reconnectAttempt int
}

// NewSession creates a disconnected session targeting url. The breaker should
// be the shared "websocket_connection" breaker from the registry.
func NewSession(url, clientID string, cfg config.EventSubConfig, brk *breaker.Breaker, tracker *ConnTracker) *Session {
	if tracker == nil {
		tracker = NewConnTracker()
	}
	return &Session{
		clientID: clientID,
		cfg:      cfg,
		brk:      brk,
		tracker:  tracker,
		url:      url,
		logger:   slog.Default().With("component", "eventsub_session"),
	}
}

// SetAccessToken swaps the token used for subsequent dials.
func (s *Session) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

// SetURL replaces the dial target, used for server-directed reconnects.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// SetPendingChallenge arms the challenge step of the next welcome handshake.
func (s *Session) SetPendingChallenge(pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingChallenge = pending
}

// SessionID returns the id assigned by the last welcome, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// IsConnected reports whether the socket is open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// IsHealthy reports whether the session is fully usable: socket open, welcome
// completed, and traffic within the stale threshold.
func (s *Session) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil &&
		s.state == StateConnected &&
		s.sessionID != "" &&
		time.Since(s.lastActivity) <= staleThreshold
}

// LastActivity returns the time of the most recent send or receive.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Open dials the EventSub endpoint with the auth headers and subprotocol.
// Any prior connection is closed first. The session is usable only after a
// subsequent Handshake.
func (s *Session) Open(ctx context.Context) error {
	s.Close()
	s.tracker.NoteAttempt()

	s.mu.Lock()
	url := s.url
	token := s.accessToken
	s.state = StateConnecting
	s.mu.Unlock()

	header := http.Header{}
	header.Set("Client-Id", s.clientID)
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		s.setDisconnected()
		return NewConnectionError("connect", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.tracker.Track(conn)
	go s.heartbeatLoop(conn, heartbeatInterval)
	return nil
}

// heartbeatLoop pings the peer on a fixed cadence so idle connections are not
// dropped by intermediaries. It exits when the connection is closed or
// replaced. A pong only proves the transport; it does not refresh activity,
// so staleness still tracks real EventSub traffic.
func (s *Session) heartbeatLoop(conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("Heartbeat ping failed", "error", err)
			return
		}
	}
}

// Handshake completes the welcome protocol on an opened socket and returns
// the assigned session id.
func (s *Session) Handshake(ctx context.Context) (string, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", NewConnectionError("welcome", ErrNotConnected)
	}

	id, err := s.welcome(ctx, conn)
	if err != nil {
		s.Close()
		return "", err
	}

	s.mu.Lock()
	s.sessionID = id
	s.state = StateConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Info("EventSub session established", "session_id", id)
	return id, nil
}

// Connect is Open followed by Handshake.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if err := s.Open(ctx); err != nil {
		return "", err
	}
	return s.Handshake(ctx)
}

// welcome drives the post-connect handshake: an optional challenge exchange,
// then the welcome frame carrying the session id.
func (s *Session) welcome(ctx context.Context, conn *websocket.Conn) (string, error) {
	s.mu.Lock()
	challenge := s.pendingChallenge
	s.mu.Unlock()

	if challenge {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", NewConnectionError("welcome", err)
		}
		var c struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(data, &c); err != nil || c.Challenge == "" {
			return "", NewConnectionError("welcome", errors.New("malformed challenge frame"))
		}
		reply, _ := json.Marshal(map[string]string{
			"type":      "challenge_response",
			"challenge": c.Challenge,
		})
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			return "", NewConnectionError("welcome", err)
		}
		s.mu.Lock()
		s.pendingChallenge = false
		s.mu.Unlock()
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", NewConnectionError("welcome", err)
	}
	frame, err := parseFrame(data)
	if err != nil {
		return "", NewConnectionError("welcome", err)
	}
	if frame.Metadata.MessageType != MessageTypeWelcome {
		return "", NewConnectionError("welcome",
			fmt.Errorf("expected %s, got %q", MessageTypeWelcome, frame.Metadata.MessageType))
	}
	var p sessionPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Session.ID == "" {
		return "", NewConnectionError("welcome", errors.New("welcome frame missing session id"))
	}
	return p.Session.ID, nil
}

// SendJSON marshals v and writes it as a TEXT frame.
func (s *Session) SendJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return NewConnectionError("send", ErrNotConnected)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return NewConnectionError("send", err)
	}
	s.touch(conn)
	return nil
}

// Receive reads one frame with the configured bounded timeout. A quiet
// socket yields ErrReceiveTimeout; a closed or failing socket yields a
// ConnectionError. Activity is refreshed on every received frame.
func (s *Session) Receive(ctx context.Context) (websocket.MessageType, []byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, nil, NewConnectionError("receive", ErrNotConnected)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.MessageTimeout())
	defer cancel()

	typ, data, err := conn.Read(rctx)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, nil, ErrReceiveTimeout
		}
		return 0, nil, NewConnectionError("receive", err)
	}
	s.touch(conn)
	return typ, data, nil
}

func (s *Session) touch(conn *websocket.Conn) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.tracker.Touch(conn)
}

// Reconnect performs a single breaker-guarded reconnect attempt after an
// exponential backoff sleep with jitter. The attempt counter grows on failure
// and resets on success; ctx cancellation short-circuits the backoff sleep.
func (s *Session) Reconnect(ctx context.Context) (string, error) {
	s.mu.Lock()
	attempt := s.reconnectAttempt
	s.mu.Unlock()

	if delay := s.backoff(attempt); delay > 0 {
		s.logger.Info("Backing off before reconnect", "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	var id string
	err := s.brk.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.Connect(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return "", NewConnectionError("reconnect", err)
		}
		s.mu.Lock()
		s.reconnectAttempt++
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	s.reconnectAttempt = 0
	s.mu.Unlock()
	return id, nil
}

// backoff computes base·2^attempt bounded by the configured maximum, with
// ±25% jitter. Attempt zero connects immediately.
func (s *Session) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := s.cfg.MaxBackoff()
	if shift := attempt - 1; shift < 16 {
		if scaled := s.cfg.BackoffBase() << shift; scaled < d {
			d = scaled
		}
	}
	jitter := 0.75 + rand.Float64()/2
	return time.Duration(float64(d) * jitter)
}

// Close tears down the socket. Safe on an already-closed session.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.sessionID = ""
	s.mu.Unlock()

	if conn != nil {
		s.tracker.Forget(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Session) setDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}
