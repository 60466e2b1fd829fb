// Package resolver turns Twitch channel logins into user ids, batching Helix
// lookups and caching the results on disk.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/streamhue/streamhue/pkg/cache"
	"github.com/streamhue/streamhue/pkg/helix"
)

// ErrAllBatchesFailed is returned when every lookup batch failed and no ids
// could be resolved from the API.
var ErrAllBatchesFailed = errors.New("all user lookup batches failed")

const batchSize = 100

// Credentials authenticate the Helix users lookup.
type Credentials struct {
	AccessToken string
	ClientID    string
	Username    string
}

// Resolver resolves channel logins to user ids through the Helix users
// endpoint, reading and writing a cache store so repeat lookups stay local.
type Resolver struct {
	client *helix.Client
	store  *cache.Store
	sem    *semaphore.Weighted
	logger *slog.Logger
}

func New(client *helix.Client, store *cache.Store, maxConcurrent int64) *Resolver {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Resolver{
		client: client,
		store:  store,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: slog.Default().With("component", "channel_resolver"),
	}
}

type userEntry struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

type usersResponse struct {
	Data []userEntry `json:"data"`
}

// ResolveUserIDs maps each login to its Twitch user id. Logins are
// deduplicated case-insensitively, cached ids are served from the store, and
// the misses are fetched in concurrent batches of up to 100. Individual batch
// failures are tolerated; the call errors only when every batch failed.
// Logins Twitch does not know are simply absent from the result.
func (r *Resolver) ResolveUserIDs(ctx context.Context, logins []string, creds Credentials) (map[string]string, error) {
	ordered := dedupe(logins)
	if len(ordered) == 0 {
		return map[string]string{}, nil
	}

	result := make(map[string]string, len(ordered))
	var misses []string
	for _, login := range ordered {
		id, ok, err := r.store.Get(login)
		if err != nil {
			r.logger.Warn("Cache read failed, falling through to API", "login", login, "error", err)
		}
		if ok {
			result[login] = id
			continue
		}
		misses = append(misses, login)
	}
	if len(misses) == 0 {
		return result, nil
	}

	batches := chunk(misses, batchSize)

	var (
		mu       sync.Mutex
		resolved = make(map[string]string)
		failures []error
		wg       sync.WaitGroup
	)
	for _, batch := range batches {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			defer r.sem.Release(1)

			found, err := r.lookup(ctx, batch, creds)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			for login, id := range found {
				resolved[login] = id
			}
		}(batch)
	}
	wg.Wait()

	if len(failures) == len(batches) {
		return nil, fmt.Errorf("%w: %w", ErrAllBatchesFailed, errors.Join(failures...))
	}
	for _, err := range failures {
		r.logger.Warn("User lookup batch failed", "error", err)
	}

	for login, id := range resolved {
		if err := r.store.Set(login, id); err != nil {
			r.logger.Warn("Cache write failed", "login", login, "error", err)
		}
		result[login] = id
	}
	return result, nil
}

// Invalidate drops a single login from the cache.
func (r *Resolver) Invalidate(login string) error {
	return r.store.Delete(strings.ToLower(login))
}

// Clear empties the cache entirely.
func (r *Resolver) Clear() error {
	return r.store.Clear()
}

func (r *Resolver) lookup(ctx context.Context, logins []string, creds Credentials) (map[string]string, error) {
	q := url.Values{}
	for _, login := range logins {
		q.Add("login", login)
	}
	resp, err := r.client.Request(ctx, "GET", "users", helix.Params{
		AccessToken: creds.AccessToken,
		ClientID:    creds.ClientID,
		Username:    creds.Username,
		Query:       q,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("users lookup returned HTTP %d", resp.StatusCode)
	}

	var parsed usersResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("users lookup response malformed: %w", err)
	}

	found := make(map[string]string, len(parsed.Data))
	for _, u := range parsed.Data {
		if u.Login == "" || u.ID == "" {
			continue
		}
		found[strings.ToLower(u.Login)] = u.ID
	}
	return found, nil
}

// dedupe lowercases logins and removes duplicates, keeping first-occurrence
// order.
func dedupe(logins []string) []string {
	seen := make(map[string]struct{}, len(logins))
	var out []string
	for _, login := range logins {
		l := strings.ToLower(strings.TrimSpace(login))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}
