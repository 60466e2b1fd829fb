package eventsub

import (
	"errors"
	"fmt"
)

// ErrReceiveTimeout marks a bounded receive that elapsed without a frame. It
// is not a connection failure; callers feed it into the stale-connection
// heuristic.
var ErrReceiveTimeout = errors.New("websocket receive timed out")

// ErrNotConnected is returned by operations that need an open socket.
var ErrNotConnected = errors.New("websocket not connected")

// ConnectionError wraps a WebSocket failure with the operation that hit it.
type ConnectionError struct {
	Operation string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("websocket %s failed: %v", e.Operation, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError creates a ConnectionError for the given operation.
func NewConnectionError(operation string, err error) *ConnectionError {
	return &ConnectionError{Operation: operation, Err: err}
}

// AuthError reports a 401 from an EventSub API call. Two in a row on
// subscribe mark the engine's token invalid.
type AuthError struct {
	Operation string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("eventsub %s rejected: token unauthorized", e.Operation)
}

// SubscriptionError reports a non-auth subscribe/delete failure.
type SubscriptionError struct {
	ChannelID  string
	Reason     string
	StatusCode int
}

func (e *SubscriptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("subscription for channel %s failed: %s", e.ChannelID, e.Reason)
	}
	return fmt.Sprintf("subscription for channel %s failed: HTTP %d", e.ChannelID, e.StatusCode)
}
