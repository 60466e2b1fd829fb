package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSlackAPI fakes the chat.postMessage endpoint.
func newSlackAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		fmt.Fprint(w, `{"ok":true,"channel":"C123","ts":"1234.5678"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func TestNew_RequiresTokenAndChannel(t *testing.T) {
	assert.Nil(t, New("", "C123"))
	assert.Nil(t, New("xoxb-token", ""))
	assert.NotNil(t, New("xoxb-token", "C123"))
}

func TestAlert_NilNotifierIsNoOp(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Alert(context.Background(), KindTokenInvalid, "alice", "detail"))
}

func TestAlert_Posts(t *testing.T) {
	srv, posts := newSlackAPI(t)
	n := NewWithAPIURL("xoxb-token", "C123", srv.URL+"/")

	require.NoError(t, n.Alert(context.Background(), KindTokenInvalid, "alice", "refresh returned 401"))
	assert.Equal(t, int32(1), posts.Load())
}

func TestAlert_CooldownPerKindAndUser(t *testing.T) {
	srv, posts := newSlackAPI(t)
	n := NewWithAPIURL("xoxb-token", "C123", srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, n.Alert(ctx, KindTokenInvalid, "alice", "first"))
	require.NoError(t, n.Alert(ctx, KindTokenInvalid, "alice", "suppressed"))
	assert.Equal(t, int32(1), posts.Load())

	// Other kinds and users have independent cooldowns.
	require.NoError(t, n.Alert(ctx, KindSessionUnhealthy, "alice", "different kind"))
	require.NoError(t, n.Alert(ctx, KindTokenInvalid, "bob", "different user"))
	assert.Equal(t, int32(3), posts.Load())

	// An expired cooldown lets the alert through again.
	n.mu.Lock()
	n.lastSent[KindTokenInvalid+"|alice"] = time.Now().Add(-alertCooldown - time.Second)
	n.mu.Unlock()
	require.NoError(t, n.Alert(ctx, KindTokenInvalid, "alice", "after cooldown"))
	assert.Equal(t, int32(4), posts.Load())
}
