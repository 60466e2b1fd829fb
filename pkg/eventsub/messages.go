// Package eventsub implements the Twitch EventSub WebSocket runtime: the
// per-user session (connect, welcome handshake, heartbeat and reconnect), the
// chat-message subscription manager, and the engine that orchestrates both
// per user.
package eventsub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Inbound frame types recognized on the EventSub socket.
const (
	MessageTypeWelcome      = "session_welcome"
	MessageTypeKeepalive    = "session_keepalive"
	MessageTypeNotification = "notification"
	MessageTypeReconnect    = "session_reconnect"
)

// SubTypeChannelChat is the only subscription type this runtime consumes.
const SubTypeChannelChat = "channel.chat.message"

// Frame is the envelope of every inbound EventSub message.
type Frame struct {
	Metadata struct {
		MessageID   string `json:"message_id"`
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// sessionPayload covers both welcome and session_reconnect payloads.
type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

func parseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ChatMessage is the dispatchable content of a channel.chat.message
// notification.
type ChatMessage struct {
	Chatter     string
	Broadcaster string
	Text        string
}

// IsCommand reports whether the message text is a "!"-prefixed command.
func (m ChatMessage) IsCommand() bool {
	return strings.HasPrefix(m.Text, "!")
}

type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event struct {
		ChatterUserName     string `json:"chatter_user_name"`
		BroadcasterUserName string `json:"broadcaster_user_name"`
		Message             struct {
			Text string `json:"text"`
		} `json:"message"`
	} `json:"event"`
}

// extractChatMessage pulls the dispatchable fields out of a notification
// payload. It returns false when the notification is not a chat message or
// any required field is missing.
func extractChatMessage(payload json.RawMessage) (ChatMessage, bool) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ChatMessage{}, false
	}
	if p.Subscription.Type != SubTypeChannelChat {
		return ChatMessage{}, false
	}
	msg := ChatMessage{
		Chatter:     p.Event.ChatterUserName,
		Broadcaster: p.Event.BroadcasterUserName,
		Text:        p.Event.Message.Text,
	}
	if msg.Chatter == "" || msg.Broadcaster == "" || msg.Text == "" {
		return ChatMessage{}, false
	}
	return msg, true
}

// Handler consumes a dispatched chat message.
type Handler func(msg ChatMessage)

// Dispatcher routes chat notifications to registered handlers. The message
// handler fires for every chat message; the command handler additionally
// fires for "!"-prefixed text. Handler panics are contained and logged so a
// misbehaving handler cannot break the listen loop.
type Dispatcher struct {
	mu        sync.RWMutex
	onMessage Handler
	onCommand Handler
	logger    *slog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{logger: slog.Default().With("component", "dispatcher")}
}

// OnMessage registers the unconditional chat-message handler.
func (d *Dispatcher) OnMessage(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = h
}

// OnCommand registers the handler for "!"-prefixed messages.
func (d *Dispatcher) OnCommand(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCommand = h
}

// Dispatch extracts a chat message from a notification payload and invokes
// the handlers. Malformed notifications are dropped with a debug log.
func (d *Dispatcher) Dispatch(payload json.RawMessage) {
	msg, ok := extractChatMessage(payload)
	if !ok {
		d.logger.Debug("Dropping notification without required chat fields")
		return
	}

	d.mu.RLock()
	onMessage, onCommand := d.onMessage, d.onCommand
	d.mu.RUnlock()

	if onMessage != nil {
		d.invoke("message", onMessage, msg)
	}
	if msg.IsCommand() && onCommand != nil {
		d.invoke("command", onCommand, msg)
	}
}

func (d *Dispatcher) invoke(name string, h Handler, msg ChatMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message handler panicked", "handler", name, "panic", r)
		}
	}()
	h(msg)
}
