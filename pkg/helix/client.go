// Package helix provides the authenticated HTTP client for the Twitch Helix
// API and the OAuth validate endpoint. Every call is paced by the shared rate
// limiter and guarded by the "api" circuit breaker.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/ratelimit"
)

// StatusNetworkFailure is the synthetic status reported when no HTTP response
// was received at all (DNS failure, connect timeout, body read error).
const StatusNetworkFailure = 599

// BreakerOpenHeader marks a response synthesized by an open circuit breaker.
const BreakerOpenHeader = "X-Circuit-Breaker"

const requestTimeout = 30 * time.Second

// Params carries the per-request authentication and payload.
type Params struct {
	AccessToken string
	ClientID    string
	// Username keys the rate-limit bucket; empty selects the app bucket.
	Username string
	Query    url.Values
	// Body is JSON-marshaled when non-nil.
	Body any
}

// Response is the uniform result of a Helix call. Body is empty on HTTP 204,
// on breaker short-circuit, and on any failure.
type Response struct {
	Body       json.RawMessage
	StatusCode int
	Header     http.Header
}

// TokenInfo is the parsed body of a successful OAuth validate call.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Client issues authenticated requests against the Helix base URL.
type Client struct {
	httpClient *http.Client
	helixBase  string
	authBase   string
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	logger     *slog.Logger
}

// NewClient creates a Helix client. limiter and brk are shared across all
// users of the same process.
func NewClient(helixBase, authBase string, limiter *ratelimit.Limiter, brk *breaker.Breaker) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		helixBase:  strings.TrimRight(helixBase, "/"),
		authBase:   strings.TrimRight(authBase, "/"),
		limiter:    limiter,
		breaker:    brk,
		logger:     slog.Default().With("component", "helix"),
	}
}

// Request performs one Helix call.
//
// Contract: sets Authorization Bearer, Client-Id and JSON content type; an
// HTTP 204 yields an empty body without parsing; when the api breaker is open
// the call is not issued and a synthetic 503 with the X-Circuit-Breaker
// header is returned with a nil error. Network and read failures count as
// breaker failures and surface as an empty body with StatusNetworkFailure.
func (c *Client) Request(ctx context.Context, method, endpoint string, p Params) (*Response, error) {
	if err := c.limiter.Wait(ctx, endpoint, p.ClientID, p.Username, 1); err != nil {
		return &Response{StatusCode: StatusNetworkFailure, Header: http.Header{}}, err
	}

	if err := c.breaker.Allow(); err != nil {
		h := http.Header{}
		h.Set(BreakerOpenHeader, "OPEN")
		c.logger.Warn("API call short-circuited by open breaker",
			"method", method, "endpoint", endpoint)
		return &Response{StatusCode: http.StatusServiceUnavailable, Header: h}, nil
	}

	resp, err := c.do(ctx, method, endpoint, p)
	if err != nil {
		c.breaker.RecordFailure()
		return &Response{StatusCode: StatusNetworkFailure, Header: http.Header{}}, err
	}
	c.breaker.RecordSuccess()
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, p Params) (*Response, error) {
	reqURL := c.helixBase + "/" + strings.TrimLeft(endpoint, "/")
	if len(p.Query) > 0 {
		reqURL += "?" + p.Query.Encode()
	}

	var bodyReader io.Reader = http.NoBody
	if p.Body != nil {
		data, err := json.Marshal(p.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	req.Header.Set("Client-Id", p.ClientID)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer httpResp.Body.Close()

	c.limiter.Update(p.ClientID, p.Username, httpResp.StatusCode, httpResp.Header)

	out := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header}
	if httpResp.StatusCode == http.StatusNoContent {
		return out, nil
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out.Body = data
	return out, nil
}

// ValidateToken calls the OAuth validate endpoint. A 200 returns the parsed
// token info; any other status (or any failure) returns nil.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) *TokenInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBase+"/validate", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Token validation request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		c.logger.Debug("Token validation response unparseable", "error", err)
		return nil
	}
	return &info
}
