package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/streamhue/streamhue/pkg/helix"
)

const maxConcurrentSubscribes = 10

// Auth carries the credentials for EventSub API calls.
type Auth struct {
	AccessToken string
	ClientID    string
	Username    string
}

func (a Auth) params() helix.Params {
	return helix.Params{
		AccessToken: a.AccessToken,
		ClientID:    a.ClientID,
		Username:    a.Username,
	}
}

// SubscriptionManager owns the chat-message subscriptions of one session. It
// tracks subscription id → channel id and the session id they are bound to,
// and guarantees old-session subscriptions are deleted before new ones are
// created when the session rotates.
type SubscriptionManager struct {
	client *helix.Client
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[string]string // subscription id -> channel id
	sessionID string
}

func NewSubscriptionManager(client *helix.Client) *SubscriptionManager {
	return &SubscriptionManager{
		client: client,
		sem:    semaphore.NewWeighted(maxConcurrentSubscribes),
		subs:   make(map[string]string),
		logger: slog.Default().With("component", "subscription_manager"),
	}
}

type subscribeRequest struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
		UserID            string `json:"user_id"`
	} `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

type subscriptionEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
	Transport struct {
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

type subscriptionsBody struct {
	Data []subscriptionEntry `json:"data"`
}

// UpdateSessionID binds the manager to a new session. On an actual change,
// subscriptions belonging to the previous session are deleted first;
// creation against the new session only starts afterwards.
func (m *SubscriptionManager) UpdateSessionID(ctx context.Context, newID string, auth Auth) error {
	m.mu.Lock()
	if m.sessionID == newID {
		m.mu.Unlock()
		return nil
	}
	old := m.sessionID
	m.mu.Unlock()

	if old != "" {
		if err := m.UnsubscribeAll(ctx, auth); err != nil {
			m.logger.Warn("Old-session subscription cleanup incomplete", "old_session", old, "error", err)
		}
	}

	m.mu.Lock()
	m.sessionID = newID
	m.mu.Unlock()
	return nil
}

// SubscribeChannelChat creates one channel.chat.message subscription binding
// channelID's chat to the current session, read as userID.
func (m *SubscriptionManager) SubscribeChannelChat(ctx context.Context, channelID, userID string, auth Auth) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	if sessionID == "" {
		return &SubscriptionError{ChannelID: channelID, Reason: "no active session"}
	}

	req := subscribeRequest{Type: SubTypeChannelChat, Version: "1"}
	req.Condition.BroadcasterUserID = channelID
	req.Condition.UserID = userID
	req.Transport.Method = "websocket"
	req.Transport.SessionID = sessionID

	p := auth.params()
	p.Body = req
	resp, err := m.client.Request(ctx, http.MethodPost, "eventsub/subscriptions", p)
	if err != nil {
		return fmt.Errorf("subscribe channel %s: %w", channelID, err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		var body subscriptionsBody
		if err := json.Unmarshal(resp.Body, &body); err != nil || len(body.Data) == 0 {
			return &SubscriptionError{ChannelID: channelID, Reason: "accepted without subscription id"}
		}
		m.mu.Lock()
		m.subs[body.Data[0].ID] = channelID
		m.mu.Unlock()
		m.logger.Info("Subscribed to channel chat", "channel_id", channelID, "subscription_id", body.Data[0].ID)
		return nil
	case http.StatusUnauthorized:
		return &AuthError{Operation: "subscribe"}
	case http.StatusForbidden:
		return &SubscriptionError{ChannelID: channelID, Reason: "forbidden", StatusCode: resp.StatusCode}
	default:
		return &SubscriptionError{ChannelID: channelID, StatusCode: resp.StatusCode}
	}
}

// VerifySubscriptions fetches the server's subscription list, keeps only
// chat-message entries bound to the current session, replaces the tracked map
// with them, and returns their channel ids.
func (m *SubscriptionManager) VerifySubscriptions(ctx context.Context, auth Auth) ([]string, error) {
	resp, err := m.client.Request(ctx, http.MethodGet, "eventsub/subscriptions", auth.params())
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Operation: "verify"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list subscriptions returned HTTP %d", resp.StatusCode)
	}

	var body subscriptionsBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("list subscriptions response malformed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]string)
	var channels []string
	for _, e := range body.Data {
		if e.Type != SubTypeChannelChat || e.Transport.SessionID != m.sessionID {
			continue
		}
		active[e.ID] = e.Condition.BroadcasterUserID
		channels = append(channels, e.Condition.BroadcasterUserID)
	}
	m.subs = active
	return channels, nil
}

// UnsubscribeAll deletes every tracked subscription. A 404 counts as already
// gone. Per-id failures are collected and returned as one aggregated error;
// the map is cleared regardless so a failed delete cannot wedge rotation.
func (m *SubscriptionManager) UnsubscribeAll(ctx context.Context, auth Auth) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.subs = make(map[string]string)
	m.mu.Unlock()

	var failures []error
	for _, id := range ids {
		p := auth.params()
		p.Query = url.Values{"id": {id}}
		resp, err := m.client.Request(ctx, http.MethodDelete, "eventsub/subscriptions", p)
		if err != nil {
			failures = append(failures, fmt.Errorf("delete subscription %s: %w", id, err))
			continue
		}
		switch resp.StatusCode {
		case http.StatusNoContent, http.StatusNotFound:
		case http.StatusUnauthorized:
			failures = append(failures, &AuthError{Operation: "unsubscribe"})
		default:
			failures = append(failures, fmt.Errorf("delete subscription %s returned HTTP %d", id, resp.StatusCode))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("unsubscribe incomplete: %w", errors.Join(failures...))
	}
	return nil
}

// Channels returns the channel ids currently tracked.
func (m *SubscriptionManager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for _, ch := range m.subs {
		out = append(out, ch)
	}
	return out
}

// Count returns the number of tracked subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
