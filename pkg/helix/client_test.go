package helix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server, *breaker.Breaker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	brk := breaker.New("api", breaker.Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 3,
	})
	c := NewClient(srv.URL, srv.URL, seededLimiter(), brk)
	return c, srv, brk
}

// seededLimiter returns a limiter with fresh, healthy buckets so tests are
// not paced by the unknown-bucket probe delay.
func seededLimiter() *ratelimit.Limiter {
	l := ratelimit.New()
	h := http.Header{}
	h.Set("Ratelimit-Limit", "800")
	h.Set("Ratelimit-Remaining", "790")
	h.Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(5*time.Second).Unix(), 10))
	l.Update("cid", "alice", http.StatusOK, h)
	l.Update("cid", "", http.StatusOK, h)
	return l
}

func TestRequest_SetsAuthHeaders(t *testing.T) {
	var gotAuth, gotClientID, gotContentType string
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotClientID = r.Header.Get("Client-Id")
		gotContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))

	resp, err := c.Request(context.Background(), http.MethodGet, "users", Params{
		AccessToken: "tok", ClientID: "cid", Username: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "cid", gotClientID)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"data":[]}`, string(resp.Body))
}

func TestRequest_QueryAndBody(t *testing.T) {
	var gotQuery url.Values
	var gotBody map[string]any
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":[{"id":"sub-1"}]}`))
	}))

	q := url.Values{}
	q.Set("first", "100")
	resp, err := c.Request(context.Background(), http.MethodPost, "eventsub/subscriptions", Params{
		AccessToken: "tok", ClientID: "cid", Username: "alice",
		Query: q,
		Body:  map[string]string{"type": "channel.chat.message"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "100", gotQuery.Get("first"))
	assert.Equal(t, "channel.chat.message", gotBody["type"])
}

func TestRequest_204ReturnsEmptyBody(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	resp, err := c.Request(context.Background(), http.MethodDelete, "eventsub/subscriptions", Params{
		AccessToken: "tok", ClientID: "cid",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestRequest_BreakerOpenShortCircuits(t *testing.T) {
	hits := 0
	c, _, brk := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		brk.RecordFailure()
	}
	require.Equal(t, breaker.Open, brk.State())

	resp, err := c.Request(context.Background(), http.MethodGet, "users", Params{ClientID: "cid"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "OPEN", resp.Header.Get(BreakerOpenHeader))
	assert.Empty(t, resp.Body)
	assert.Zero(t, hits)
}

func TestRequest_NetworkFailureCountsAgainstBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // dead endpoint
	brk := breaker.New("api", breaker.Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	c := NewClient(srv.URL, srv.URL, seededLimiter(), brk)

	for i := 0; i < 2; i++ {
		resp, err := c.Request(context.Background(), http.MethodGet, "users", Params{ClientID: "cid"})
		require.Error(t, err)
		assert.Equal(t, StatusNetworkFailure, resp.StatusCode)
		assert.Empty(t, resp.Body)
	}
	assert.Equal(t, breaker.Open, brk.State())
}

func TestRequest_UpdatesRateLimiterFromHeaders(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Unix()
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Remaining", "750")
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusOK)
	}))

	_, err := c.Request(context.Background(), http.MethodGet, "users", Params{ClientID: "cid", Username: "alice"})
	require.NoError(t, err)

	limit, remaining, _, ok := c.limiter.Snapshot("cid", "alice")
	require.True(t, ok)
	assert.Equal(t, 800, limit)
	assert.Equal(t, 750, remaining)
}

func TestValidateToken(t *testing.T) {
	t.Run("200 returns parsed info", func(t *testing.T) {
		c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/validate", r.URL.Path)
			require.Equal(t, "OAuth tok", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(TokenInfo{
				ClientID: "cid", Login: "alice", UserID: "123",
				Scopes: []string{"chat:read"}, ExpiresIn: 5000,
			})
		}))
		info := c.ValidateToken(context.Background(), "tok")
		require.NotNil(t, info)
		assert.Equal(t, "alice", info.Login)
		assert.Equal(t, 5000, info.ExpiresIn)
		assert.Equal(t, []string{"chat:read"}, info.Scopes)
	})

	t.Run("non-200 returns nil", func(t *testing.T) {
		c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		assert.Nil(t, c.ValidateToken(context.Background(), "tok"))
	})

	t.Run("malformed body returns nil", func(t *testing.T) {
		c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		assert.Nil(t, c.ValidateToken(context.Background(), "tok"))
	})
}
