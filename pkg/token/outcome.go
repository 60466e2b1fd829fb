// Package token implements the OAuth token lifecycle: stateless validate and
// refresh operations against the Twitch OAuth endpoint, and a per-process
// manager that keeps every user's token fresh with a drift-compensated
// background loop.
package token

import "time"

// Outcome is the coarse result of a token operation. Wire-level HTTP nuance
// stays inside this package; callers see only these four outcomes.
type Outcome int

const (
	// Valid means the token was confirmed usable without refresh.
	Valid Outcome = iota
	// Refreshed means a new access token was obtained.
	Refreshed
	// Skipped means the token had enough remaining lifetime to skip work.
	Skipped
	// Failed means the operation did not produce a usable token.
	Failed
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Refreshed:
		return "refreshed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a Failed outcome.
type ErrorKind int

const (
	// Recoverable failures (network, 429, parse, 5xx) are retried by the
	// next background iteration without side effects.
	Recoverable ErrorKind = iota
	// NonRecoverable failures (401 on refresh) mark the record expired and
	// fire invalidation hooks. The same refresh token is never retried.
	NonRecoverable
)

// String returns the lowercase kind name.
func (k ErrorKind) String() string {
	if k == NonRecoverable {
		return "non-recoverable"
	}
	return "recoverable"
}

// State is the lifecycle state of a token record.
type State int

const (
	// Fresh: the most recent successful operation was Valid, Skipped or
	// Refreshed.
	Fresh State = iota
	// Stale: the token is near or past its proactive refresh point.
	Stale
	// Expired: a non-recoverable failure invalidated the record.
	Expired
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a refresh or ensure-fresh operation.
type Result struct {
	Outcome Outcome

	// AccessToken and RefreshToken are set when Outcome is Refreshed. The
	// refresh token falls back to the previous one when the server does not
	// rotate it.
	AccessToken  string
	RefreshToken string

	// Expiry is the safety-buffered absolute expiry. Zero means unknown.
	Expiry time.Time

	// Kind qualifies a Failed outcome.
	Kind ErrorKind

	// Err is the underlying cause for a Failed outcome.
	Err error
}
