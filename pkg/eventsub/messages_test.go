package eventsub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatNotification(chatter, broadcaster, text string) json.RawMessage {
	p := map[string]any{
		"subscription": map[string]any{"type": SubTypeChannelChat},
		"event": map[string]any{
			"chatter_user_name":     chatter,
			"broadcaster_user_name": broadcaster,
			"message":               map[string]any{"text": text},
		},
	}
	data, _ := json.Marshal(p)
	return data
}

func TestExtractChatMessage(t *testing.T) {
	msg, ok := extractChatMessage(chatNotification("alice", "bob", "hello"))
	require.True(t, ok)
	assert.Equal(t, ChatMessage{Chatter: "alice", Broadcaster: "bob", Text: "hello"}, msg)
}

func TestExtractChatMessage_DropsIncomplete(t *testing.T) {
	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{"missing chatter", chatNotification("", "bob", "hello")},
		{"missing broadcaster", chatNotification("alice", "", "hello")},
		{"missing text", chatNotification("alice", "bob", "")},
		{"wrong subscription type", json.RawMessage(`{"subscription":{"type":"stream.online"},"event":{}}`)},
		{"malformed json", json.RawMessage(`{"subscription":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := extractChatMessage(tt.payload)
			assert.False(t, ok)
		})
	}
}

func TestDispatcher_MessageAndCommandRouting(t *testing.T) {
	d := NewDispatcher()
	var messages, commands []string
	d.OnMessage(func(m ChatMessage) { messages = append(messages, m.Text) })
	d.OnCommand(func(m ChatMessage) { commands = append(commands, m.Text) })

	d.Dispatch(chatNotification("alice", "bob", "hello"))
	d.Dispatch(chatNotification("alice", "bob", "!color red"))

	assert.Equal(t, []string{"hello", "!color red"}, messages)
	assert.Equal(t, []string{"!color red"}, commands)
}

func TestDispatcher_DropsMalformed(t *testing.T) {
	d := NewDispatcher()
	var fired int
	d.OnMessage(func(ChatMessage) { fired++ })

	d.Dispatch(json.RawMessage(`{"event":{}}`))
	assert.Zero(t, fired)
}

func TestDispatcher_HandlerPanicContained(t *testing.T) {
	d := NewDispatcher()
	var after int
	d.OnMessage(func(ChatMessage) { panic("boom") })
	d.OnCommand(func(ChatMessage) { after++ })

	assert.NotPanics(t, func() {
		d.Dispatch(chatNotification("alice", "bob", "!boom"))
	})
	// Command handler still ran after the message handler panicked.
	assert.Equal(t, 1, after)
}
