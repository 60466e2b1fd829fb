package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/cache"
	"github.com/streamhue/streamhue/pkg/config"
	"github.com/streamhue/streamhue/pkg/helix"
	"github.com/streamhue/streamhue/pkg/ratelimit"
	"github.com/streamhue/streamhue/pkg/resolver"
	"github.com/streamhue/streamhue/pkg/token"
)

// twitchServer fakes the OAuth and Helix endpoints an engine touches.
type twitchServer struct {
	srv *httptest.Server

	mu              sync.Mutex
	scopes          []string
	subscribeStatus int
	nextID          int
	subSessions     []string // transport session ids of created subscriptions
	refreshCalls    int
}

func newTwitchServer(t *testing.T) *twitchServer {
	t.Helper()
	s := &twitchServer{
		scopes:          append([]string(nil), RequiredScopes...),
		subscribeStatus: http.StatusAccepted,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/validate"):
			scopes, _ := json.Marshal(s.scopes)
			fmt.Fprintf(w, `{"client_id":"cid","login":"alice","user_id":"999","scopes":%s,"expires_in":7200}`, scopes)
		case strings.HasSuffix(r.URL.Path, "/token"):
			s.refreshCalls++
			fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":14400}`)
		case strings.HasSuffix(r.URL.Path, "/users"):
			logins := r.URL.Query()["login"]
			entries := make([]string, 0, len(logins))
			for _, l := range logins {
				entries = append(entries, fmt.Sprintf(`{"id":"id-%s","login":"%s"}`, l, l))
			}
			fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(entries, ","))
		case strings.HasSuffix(r.URL.Path, "/eventsub/subscriptions"):
			switch r.Method {
			case http.MethodPost:
				if s.subscribeStatus != http.StatusAccepted {
					w.WriteHeader(s.subscribeStatus)
					return
				}
				var body struct {
					Transport struct {
						SessionID string `json:"session_id"`
					} `json:"transport"`
				}
				_ = json.NewDecoder(r.Body).Decode(&body)
				s.subSessions = append(s.subSessions, body.Transport.SessionID)
				s.nextID++
				w.WriteHeader(http.StatusAccepted)
				fmt.Fprintf(w, `{"data":[{"id":"sub-%d"}]}`, s.nextID)
			case http.MethodGet:
				fmt.Fprint(w, `{"data":[]}`)
			case http.MethodDelete:
				w.WriteHeader(http.StatusNoContent)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *twitchServer) sessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subSessions...)
}

func (s *twitchServer) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func newTestEngine(t *testing.T, tw *twitchServer, ws *wsServer, extraChannels ...string) (*Engine, *token.Manager) {
	t.Helper()

	limiter := ratelimit.New()
	h := http.Header{}
	h.Set("Ratelimit-Limit", "800")
	h.Set("Ratelimit-Remaining", "790")
	h.Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(5*time.Second).Unix(), 10))
	limiter.Update("cid", "alice", http.StatusOK, h)

	apiBrk := breaker.New("api", breaker.Settings{
		FailureThreshold: 100, RecoveryTimeout: time.Minute, SuccessThreshold: 3,
	})
	api := helix.NewClient(tw.srv.URL, tw.srv.URL, limiter, apiBrk)

	store, err := cache.NewStore(filepath.Join(t.TempDir(), "channels.json"), 100)
	require.NoError(t, err)
	res := resolver.New(api, store, 3)

	tokens := token.NewManager(config.TokenConfig{
		RefreshThresholdSeconds:           3600,
		SafetyBufferSeconds:               300,
		ValidationMinIntervalSeconds:      30,
		BackgroundBaseSleepSeconds:        60,
		PeriodicValidationIntervalSeconds: 1800,
	}, tw.srv.URL)
	tokens.Upsert("alice", "tok", "ref", "cid", "secret", time.Now().Add(2*time.Hour))

	session := NewSession(ws.URL(), "cid", testEventSubConfig(), wsBreaker(), NewConnTracker())
	subs := NewSubscriptionManager(api)

	e := NewEngine(EngineOptions{
		Username:       "alice",
		ClientID:       "cid",
		AccessToken:    "tok",
		PrimaryChannel: "somechannel",
		ExtraChannels:  extraChannels,
	}, testEventSubConfig(), tokens, api, res, session, subs, NewDispatcher())
	e.BindTokenManager()
	t.Cleanup(e.Stop)
	return e, tokens
}

func TestEngine_StartReachesListening(t *testing.T) {
	tw := newTwitchServer(t)
	ws := newWSServer(t, "sess-1")
	e, _ := newTestEngine(t, tw, ws)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, EngineListening, e.State())
	assert.True(t, e.IsHealthy())
	assert.Equal(t, []string{"sess-1"}, tw.sessionIDs())
}

func TestEngine_MissingScopesAbortsStartup(t *testing.T) {
	tw := newTwitchServer(t)
	tw.scopes = []string{"chat:read"}
	ws := newWSServer(t, "sess-1")
	e, _ := newTestEngine(t, tw, ws)

	err := e.Start(context.Background())
	require.ErrorIs(t, err, ErrMissingScopes)
	assert.Equal(t, EngineStopped, e.State())
	assert.Empty(t, tw.sessionIDs())
}

func TestEngine_DispatchesChatNotifications(t *testing.T) {
	tw := newTwitchServer(t)
	ws := newWSServer(t, "sess-1")
	ws.script = func(ctx context.Context, c *websocket.Conn) {
		frame := fmt.Sprintf(
			`{"metadata":{"message_type":"notification"},"payload":%s}`,
			chatNotification("carol", "somechannel", "!color blue"))
		_ = c.Write(ctx, websocket.MessageText, []byte(frame))
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}

	e, _ := newTestEngine(t, tw, ws)
	var mu sync.Mutex
	var messages, commands []ChatMessage
	e.Dispatcher().OnMessage(func(m ChatMessage) {
		mu.Lock()
		messages = append(messages, m)
		mu.Unlock()
	})
	e.Dispatcher().OnCommand(func(m ChatMessage) {
		mu.Lock()
		commands = append(commands, m)
		mu.Unlock()
	})

	require.NoError(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && len(commands) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "carol", messages[0].Chatter)
	assert.Equal(t, "!color blue", commands[0].Text)
}

func TestEngine_ListenerExitsOnStopRequest(t *testing.T) {
	tw := newTwitchServer(t)
	ws := newWSServer(t, "sess-1")
	e, _ := newTestEngine(t, tw, ws)

	var reconnects atomic.Int32
	e.ObserveReconnects(func(string) { reconnects.Add(1) })

	require.NoError(t, e.Start(context.Background()))

	e.listenerMu.Lock()
	done := e.listenerDone
	e.listenerMu.Unlock()
	require.NotNil(t, done)

	// A stop request with a dead socket must end the loop, not spin it
	// through instant receive failures.
	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()
	e.session.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running after stop request")
	}
	assert.LessOrEqual(t, reconnects.Load(), int32(1))
}

func TestEngine_ServerDirectedReconnect(t *testing.T) {
	tw := newTwitchServer(t)
	next := newWSServer(t, "sess-2")
	first := newWSServer(t, "sess-1")
	first.script = func(ctx context.Context, c *websocket.Conn) {
		frame := fmt.Sprintf(
			`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"reconnect_url":"%s"}}}`,
			next.URL())
		_ = c.Write(ctx, websocket.MessageText, []byte(frame))
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}

	e, _ := newTestEngine(t, tw, first)
	require.NoError(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool {
		ids := tw.sessionIDs()
		return len(ids) == 2 && ids[1] == "sess-2" && e.IsHealthy()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_ConsecutiveAuthFailuresForceRefresh(t *testing.T) {
	tw := newTwitchServer(t)
	tw.subscribeStatus = http.StatusUnauthorized
	ws := newWSServer(t, "sess-1")
	// Two channels: the second 401 crosses the threshold.
	e, _ := newTestEngine(t, tw, ws, "otherchannel")

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, tw.refreshCount())
}

func TestEngine_TokenUpdateHookRotatesCredentials(t *testing.T) {
	tw := newTwitchServer(t)
	ws := newWSServer(t, "sess-1")
	e, tokens := newTestEngine(t, tw, ws)
	require.NoError(t, e.Start(context.Background()))

	_, err := tokens.EnsureFresh(context.Background(), "alice", true)
	require.NoError(t, err)
	tokens.WaitForHooks()

	assert.Equal(t, "new-access", e.auth().AccessToken)
}
