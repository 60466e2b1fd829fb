// Package config provides the environment-driven configuration surface for
// the streamhue runtime.
//
// All tunables are plain environment variables with defaults; a .env file may
// seed the environment before Load is called (cmd/streamhue does this via
// godotenv). Durations expressed by remote protocols in seconds are kept as
// integer-second variables to match the names operators already know.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the resolved runtime configuration.
type Config struct {
	Token      TokenConfig
	Breakers   BreakerConfig
	EventSub   EventSubConfig
	Cache      CacheConfig
	Supervisor SupervisorConfig
	Diag       DiagConfig
	Slack      SlackConfig
	URLs       URLConfig

	// Users seeds the managed accounts; see UserSeeds.
	Users UserSeeds `env:"STREAMHUE_USERS"`
}

// TokenConfig controls the token lifecycle manager.
type TokenConfig struct {
	// RefreshThresholdSeconds is the remaining lifetime below which a token is
	// proactively refreshed.
	RefreshThresholdSeconds int `env:"TOKEN_REFRESH_THRESHOLD_SECONDS" envDefault:"3600"`

	// SafetyBufferSeconds is subtracted from every remote expires_in so the
	// scheduled expiry lands before the real one.
	SafetyBufferSeconds int `env:"TOKEN_REFRESH_SAFETY_BUFFER_SECONDS" envDefault:"300"`

	// ValidationMinIntervalSeconds rate-limits explicit per-user validate calls.
	ValidationMinIntervalSeconds int `env:"TOKEN_MANAGER_VALIDATION_MIN_INTERVAL" envDefault:"30"`

	// BackgroundBaseSleepSeconds is the base interval of the background
	// refresh loop, before jitter.
	BackgroundBaseSleepSeconds int `env:"TOKEN_MANAGER_BACKGROUND_BASE_SLEEP" envDefault:"60"`

	// PeriodicValidationIntervalSeconds is the minimum spacing between
	// background remote validations of a healthy token.
	PeriodicValidationIntervalSeconds int `env:"TOKEN_MANAGER_PERIODIC_VALIDATION_INTERVAL" envDefault:"1800"`
}

// RefreshThreshold returns the proactive refresh threshold as a duration.
func (c TokenConfig) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdSeconds) * time.Second
}

// SafetyBuffer returns the expiry safety buffer as a duration.
func (c TokenConfig) SafetyBuffer() time.Duration {
	return time.Duration(c.SafetyBufferSeconds) * time.Second
}

// ValidationMinInterval returns the per-user validate floor as a duration.
func (c TokenConfig) ValidationMinInterval() time.Duration {
	return time.Duration(c.ValidationMinIntervalSeconds) * time.Second
}

// BackgroundBaseSleep returns the background loop base interval as a duration.
func (c TokenConfig) BackgroundBaseSleep() time.Duration {
	return time.Duration(c.BackgroundBaseSleepSeconds) * time.Second
}

// PeriodicValidationInterval returns the background validation spacing.
func (c TokenConfig) PeriodicValidationInterval() time.Duration {
	return time.Duration(c.PeriodicValidationIntervalSeconds) * time.Second
}

// BreakerConfig holds the thresholds for the two named circuit breakers.
type BreakerConfig struct {
	APIFailureThreshold int `env:"API_CB_FAILURE_THRESHOLD" envDefault:"5"`
	APIRecoverySeconds  int `env:"API_CB_RECOVERY_SECONDS" envDefault:"60"`
	APISuccessThreshold int `env:"API_CB_SUCCESS_THRESHOLD" envDefault:"3"`

	WSFailureThreshold int `env:"WS_CB_FAILURE_THRESHOLD" envDefault:"3"`
	WSRecoverySeconds  int `env:"WS_CB_RECOVERY_SECONDS" envDefault:"30"`
	WSSuccessThreshold int `env:"WS_CB_SUCCESS_THRESHOLD" envDefault:"2"`
}

// APIRecovery returns the api breaker recovery timeout.
func (c BreakerConfig) APIRecovery() time.Duration {
	return time.Duration(c.APIRecoverySeconds) * time.Second
}

// WSRecovery returns the websocket breaker recovery timeout.
func (c BreakerConfig) WSRecovery() time.Duration {
	return time.Duration(c.WSRecoverySeconds) * time.Second
}

// EventSubConfig controls per-session EventSub behavior.
type EventSubConfig struct {
	// MaxAuthFailures is the number of consecutive 401s on subscribe after
	// which the engine marks its token invalid.
	MaxAuthFailures int `env:"EVENTSUB_MAX_AUTH_FAILURES" envDefault:"2"`

	// BackoffBaseSeconds and MaxBackoffSeconds bound reconnect backoff.
	BackoffBaseSeconds int `env:"EVENTSUB_BACKOFF_BASE_SECONDS" envDefault:"2"`
	MaxBackoffSeconds  int `env:"EVENTSUB_MAX_BACKOFF_SECONDS" envDefault:"120"`

	// SubCheckIntervalSeconds is the cadence of subscription verification.
	SubCheckIntervalSeconds int `env:"EVENTSUB_SUB_CHECK_INTERVAL" envDefault:"300"`

	// MessageTimeoutSeconds bounds a single WebSocket receive.
	MessageTimeoutSeconds int `env:"WEBSOCKET_MESSAGE_TIMEOUT" envDefault:"30"`
}

// BackoffBase returns the reconnect backoff base as a duration.
func (c EventSubConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// MaxBackoff returns the reconnect backoff ceiling as a duration.
func (c EventSubConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// SubCheckInterval returns the subscription verification cadence.
func (c EventSubConfig) SubCheckInterval() time.Duration {
	return time.Duration(c.SubCheckIntervalSeconds) * time.Second
}

// MessageTimeout returns the bounded receive timeout.
func (c EventSubConfig) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutSeconds) * time.Second
}

// CacheConfig controls the broadcaster-id file cache.
type CacheConfig struct {
	// Path is the JSON snapshot file holding login → user-id mappings.
	Path string `env:"TWITCH_BROADCASTER_CACHE" envDefault:"broadcaster_cache.json"`

	// LRUSize bounds the in-memory layer in entries.
	LRUSize int `env:"BROADCASTER_CACHE_LRU_SIZE" envDefault:"1000"`
}

// SupervisorConfig controls the session health supervisor.
type SupervisorConfig struct {
	CheckIntervalSeconds int `env:"SUPERVISOR_CHECK_INTERVAL" envDefault:"60"`
}

// CheckInterval returns the supervisor probe cadence (jitter applied by the
// supervisor itself).
func (c SupervisorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// DiagConfig controls the read-only diagnostics HTTP server.
type DiagConfig struct {
	// Addr is the listen address. The sentinel "off" disables the server;
	// an empty value falls back to the default.
	Addr string `env:"DIAG_ADDR" envDefault:":8089"`
}

// Enabled reports whether the diagnostics server should run.
func (c DiagConfig) Enabled() bool {
	return c.Addr != "" && c.Addr != "off"
}

// SlackConfig controls optional operator alerting.
type SlackConfig struct {
	Token   string `env:"SLACK_BOT_TOKEN"`
	Channel string `env:"SLACK_ALERT_CHANNEL"`
}

// Enabled reports whether Slack alerting is configured.
func (c SlackConfig) Enabled() bool {
	return c.Token != "" && c.Channel != ""
}

// URLConfig holds the remote endpoints. Overridable so tests can point the
// clients at httptest servers.
type URLConfig struct {
	AuthBase   string `env:"TWITCH_AUTH_BASE_URL" envDefault:"https://id.twitch.tv/oauth2"`
	HelixBase  string `env:"TWITCH_HELIX_BASE_URL" envDefault:"https://api.twitch.tv/helix"`
	EventSubWS string `env:"TWITCH_EVENTSUB_WS_URL" envDefault:"wss://eventsub.wss.twitch.tv/ws"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.Token.RefreshThresholdSeconds <= 0 {
		return NewValidationError("token", "TOKEN_REFRESH_THRESHOLD_SECONDS", ErrNonPositive)
	}
	if c.Token.SafetyBufferSeconds < 0 {
		return NewValidationError("token", "TOKEN_REFRESH_SAFETY_BUFFER_SECONDS", ErrNegative)
	}
	if c.Token.BackgroundBaseSleepSeconds <= 0 {
		return NewValidationError("token", "TOKEN_MANAGER_BACKGROUND_BASE_SLEEP", ErrNonPositive)
	}
	if c.Breakers.APIFailureThreshold <= 0 || c.Breakers.WSFailureThreshold <= 0 {
		return NewValidationError("breakers", "failure threshold", ErrNonPositive)
	}
	if c.Breakers.APISuccessThreshold <= 0 || c.Breakers.WSSuccessThreshold <= 0 {
		return NewValidationError("breakers", "success threshold", ErrNonPositive)
	}
	if c.EventSub.BackoffBaseSeconds <= 0 || c.EventSub.MaxBackoffSeconds < c.EventSub.BackoffBaseSeconds {
		return NewValidationError("eventsub", "backoff bounds", ErrInvalidValue)
	}
	if c.EventSub.MessageTimeoutSeconds <= 0 {
		return NewValidationError("eventsub", "WEBSOCKET_MESSAGE_TIMEOUT", ErrNonPositive)
	}
	if c.Cache.LRUSize <= 0 {
		return NewValidationError("cache", "BROADCASTER_CACHE_LRU_SIZE", ErrNonPositive)
	}
	if err := c.Users.validate(); err != nil {
		return NewValidationError("users", "STREAMHUE_USERS", err)
	}
	return nil
}
