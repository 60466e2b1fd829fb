// Package notify delivers operator alerts to Slack. Alerts are deduplicated
// per (kind, user) with a cooldown so a flapping session cannot flood the
// channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/streamhue/streamhue/pkg/version"
)

// Alert kinds sent by the runtime.
const (
	KindTokenInvalid     = "token_invalid"
	KindSessionUnhealthy = "session_unhealthy"
	KindRecoveryFailed   = "recovery_failed"
)

const (
	alertCooldown = 15 * time.Minute
	postTimeout   = 10 * time.Second
)

// Notifier is a thin wrapper around the slack-go SDK with per-alert
// rate limiting. A nil Notifier is valid and drops everything, so callers
// need no Slack-configured guard.
type Notifier struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New creates a notifier posting to channelID. Returns nil when token or
// channel is empty, which disables alerting.
func New(token, channelID string) *Notifier {
	if token == "" || channelID == "" {
		return nil
	}
	return &Notifier{
		api:       goslack.New(token),
		channelID: channelID,
		lastSent:  make(map[string]time.Time),
		logger:    slog.Default().With("component", "notifier"),
	}
}

// NewWithAPIURL creates a notifier that targets a custom API URL.
// Useful for testing with a mock server.
func NewWithAPIURL(token, channelID, apiURL string) *Notifier {
	n := New(token, channelID)
	if n != nil {
		n.api = goslack.New(token, goslack.OptionAPIURL(apiURL))
	}
	return n
}

// Alert posts one alert of the given kind about the given user. Repeats of
// the same (kind, user) pair inside the cooldown window are dropped.
func (n *Notifier) Alert(ctx context.Context, kind, user, detail string) error {
	if n == nil {
		return nil
	}
	if !n.shouldSend(kind, user) {
		n.logger.Debug("Alert suppressed by cooldown", "kind", kind, "user", user)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	header := fmt.Sprintf(":rotating_light: %s: %s", kind, user)
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, header, false, false)),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false), nil, nil),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, version.Full(), false, false)),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// shouldSend records the attempt and reports whether the cooldown allows it.
func (n *Notifier) shouldSend(kind, user string) bool {
	key := kind + "|" + user
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < alertCooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}
