package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const clientTimeout = 30 * time.Second

// Client performs stateless OAuth operations for one client-id/secret pair.
// It holds no token state; the manager owns the records.
type Client struct {
	httpClient       *http.Client
	authBase         string
	clientID         string
	clientSecret     string
	safetyBuffer     time.Duration
	refreshThreshold time.Duration
	logger           *slog.Logger
}

// NewClient creates an OAuth client against authBase (e.g.
// "https://id.twitch.tv/oauth2").
func NewClient(authBase, clientID, clientSecret string, safetyBuffer, refreshThreshold time.Duration) *Client {
	return &Client{
		httpClient:       &http.Client{Timeout: clientTimeout},
		authBase:         strings.TrimRight(authBase, "/"),
		clientID:         clientID,
		clientSecret:     clientSecret,
		safetyBuffer:     safetyBuffer,
		refreshThreshold: refreshThreshold,
		logger:           slog.Default().With("component", "token-client"),
	}
}

// bufferedExpiry converts a raw expires_in into an absolute expiry with the
// safety buffer subtracted, floored at now.
func (c *Client) bufferedExpiry(expiresIn int) time.Time {
	d := time.Duration(expiresIn)*time.Second - c.safetyBuffer
	if d < 0 {
		d = 0
	}
	return time.Now().Add(d)
}

// Validate checks the access token against the validate endpoint.
// Returns (true, buffered expiry) on 200; (false, zero) otherwise.
func (c *Client) Validate(ctx context.Context, accessToken string) (bool, time.Time) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBase+"/validate", nil)
	if err != nil {
		return false, time.Time{}
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Validate request failed", "error", err)
		return false, time.Time{}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			ExpiresIn int `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			c.logger.Debug("Validate response unparseable", "error", err)
			return false, time.Time{}
		}
		return true, c.bufferedExpiry(body.ExpiresIn)
	case http.StatusUnauthorized:
		return false, time.Time{}
	case http.StatusTooManyRequests:
		c.logger.Warn("Validate rate-limited by auth endpoint")
		return false, time.Time{}
	default:
		c.logger.Debug("Validate returned unexpected status", "status", resp.StatusCode)
		return false, time.Time{}
	}
}

// refreshResponse is the token endpoint's 200 body.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh exchanges the refresh token for a new access token.
//
// Status policy: 200 → Refreshed (refresh token falls back to the old value
// when the server does not rotate it); 401 → Failed/NonRecoverable;
// 429 → Failed/Recoverable; any other status, network failure or parse
// failure → Failed/Recoverable.
func (c *Client) Refresh(ctx context.Context, refreshToken string) Result {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+"/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Outcome: Failed, Kind: Recoverable, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: Failed, Kind: Recoverable, Err: fmt.Errorf("refresh request: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{Outcome: Failed, Kind: Recoverable, Err: fmt.Errorf("read refresh body: %w", err)}
		}
		var body refreshResponse
		if err := json.Unmarshal(data, &body); err != nil {
			return Result{Outcome: Failed, Kind: Recoverable, Err: fmt.Errorf("parse refresh body: %w", err)}
		}
		if body.AccessToken == "" {
			return Result{Outcome: Failed, Kind: Recoverable,
				Err: fmt.Errorf("refresh response missing access_token")}
		}
		newRefresh := body.RefreshToken
		if newRefresh == "" {
			newRefresh = refreshToken
		}
		var expiry time.Time
		if body.ExpiresIn > 0 {
			expiry = c.bufferedExpiry(body.ExpiresIn)
		}
		return Result{
			Outcome:      Refreshed,
			AccessToken:  body.AccessToken,
			RefreshToken: newRefresh,
			Expiry:       expiry,
		}
	case http.StatusUnauthorized:
		return Result{Outcome: Failed, Kind: NonRecoverable,
			Err: fmt.Errorf("refresh rejected with 401")}
	case http.StatusTooManyRequests:
		return Result{Outcome: Failed, Kind: Recoverable,
			Err: fmt.Errorf("refresh rate-limited with 429")}
	default:
		return Result{Outcome: Failed, Kind: Recoverable,
			Err: fmt.Errorf("refresh returned HTTP %d", resp.StatusCode)}
	}
}

// EnsureFresh guarantees the token has more than the refresh threshold of
// remaining lifetime, refreshing when necessary.
//
// Fast path: when not forced and the known expiry is comfortably out, the
// call is Skipped without any HTTP traffic. Otherwise the token is validated
// remotely; a token that is valid and still above the threshold is Skipped
// (with the freshly observed expiry), anything else is refreshed. A needed
// refresh with no refresh token on hand is a non-recoverable failure.
func (c *Client) EnsureFresh(ctx context.Context, accessToken, refreshToken string, expiry time.Time, force bool) Result {
	if !force && !expiry.IsZero() && time.Until(expiry) > c.refreshThreshold {
		return Result{Outcome: Skipped, Expiry: expiry}
	}

	if !force {
		valid, observed := c.Validate(ctx, accessToken)
		if valid && time.Until(observed) > c.refreshThreshold {
			return Result{Outcome: Skipped, Expiry: observed}
		}
	}

	if refreshToken == "" {
		return Result{Outcome: Failed, Kind: NonRecoverable,
			Err: fmt.Errorf("refresh needed but no refresh token available")}
	}
	return c.Refresh(ctx, refreshToken)
}
