package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/cache"
	"github.com/streamhue/streamhue/pkg/helix"
	"github.com/streamhue/streamhue/pkg/ratelimit"
)

var testCreds = Credentials{AccessToken: "tok", ClientID: "cid", Username: "alice"}

// usersHandler answers GET users by echoing an id for every login in the
// query, unless the login starts with "bad", which fails the whole batch.
func usersHandler(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		logins := r.URL.Query()["login"]
		entries := make([]string, 0, len(logins))
		for _, login := range logins {
			if strings.HasPrefix(login, "bad") {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			entries = append(entries, fmt.Sprintf(`{"id":"id-%s","login":"%s"}`, login, login))
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(entries, ","))
	}
}

func newTestResolver(t *testing.T, handler http.Handler) (*Resolver, *cache.Store, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	if handler == nil {
		handler = usersHandler(&calls)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New()
	h := http.Header{}
	h.Set("Ratelimit-Limit", "800")
	h.Set("Ratelimit-Remaining", "790")
	h.Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(5*time.Second).Unix(), 10))
	limiter.Update("cid", "alice", http.StatusOK, h)

	brk := breaker.New("api", breaker.Settings{
		FailureThreshold: 100, RecoveryTimeout: time.Minute, SuccessThreshold: 3,
	})
	client := helix.NewClient(srv.URL, srv.URL, limiter, brk)

	store, err := cache.NewStore(filepath.Join(t.TempDir(), "channels.json"), 100)
	require.NoError(t, err)

	return New(client, store, 3), store, &calls
}

func TestResolveUserIDs_DedupeAndResolve(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)

	got, err := r.ResolveUserIDs(context.Background(), []string{"Alice", "BOB", "alice", " bob ", ""}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "id-alice", "bob": "id-bob"}, got)
}

func TestResolveUserIDs_CacheHitSkipsAPI(t *testing.T) {
	r, store, calls := newTestResolver(t, nil)
	require.NoError(t, store.Set("alice", "cached-id"))

	got, err := r.ResolveUserIDs(context.Background(), []string{"Alice"}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "cached-id"}, got)
	assert.Zero(t, calls.Load())
}

func TestResolveUserIDs_WritesThroughToCache(t *testing.T) {
	r, store, calls := newTestResolver(t, nil)

	_, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	id, ok, err := store.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id-alice", id)

	// Second resolution comes entirely from cache.
	_, err = r.ResolveUserIDs(context.Background(), []string{"alice"}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveUserIDs_ChunksBatchesOfOneHundred(t *testing.T) {
	r, _, calls := newTestResolver(t, nil)

	logins := make([]string, 0, 150)
	for i := range 150 {
		logins = append(logins, fmt.Sprintf("user%03d", i))
	}
	got, err := r.ResolveUserIDs(context.Background(), logins, testCreds)
	require.NoError(t, err)
	assert.Len(t, got, 150)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolveUserIDs_PartialBatchFailureTolerated(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)

	// 101 logins force two batches; the second batch (the one holding the
	// final login) fails, the first succeeds.
	logins := make([]string, 0, 101)
	for i := range 100 {
		logins = append(logins, fmt.Sprintf("user%03d", i))
	}
	logins = append(logins, "bad-ghost")

	got, err := r.ResolveUserIDs(context.Background(), logins, testCreds)
	require.NoError(t, err)
	assert.Len(t, got, 100)
	assert.NotContains(t, got, "bad-ghost")
}

func TestResolveUserIDs_AllBatchesFailed(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)

	_, err := r.ResolveUserIDs(context.Background(), []string{"bad-alice", "bad-bob"}, testCreds)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBatchesFailed)
}

func TestResolveUserIDs_UnknownLoginsAbsent(t *testing.T) {
	r, _, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"id-alice","login":"alice"}]}`)
	}))

	got, err := r.ResolveUserIDs(context.Background(), []string{"alice", "ghost"}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "id-alice"}, got)
}

func TestResolveUserIDs_EmptyInput(t *testing.T) {
	r, _, calls := newTestResolver(t, nil)

	got, err := r.ResolveUserIDs(context.Background(), nil, testCreds)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, calls.Load())
}

func TestInvalidateAndClear(t *testing.T) {
	r, store, _ := newTestResolver(t, nil)
	require.NoError(t, store.Set("alice", "id-1"))
	require.NoError(t, store.Set("bob", "id-2"))

	require.NoError(t, r.Invalidate("ALICE"))
	_, ok, err := store.Get("alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Clear())
	n, err := store.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}