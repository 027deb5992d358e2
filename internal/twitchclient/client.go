// Package twitchclient wraps the Twitch Helix and EventSub HTTP APIs:
// app access token acquisition/refresh/persistence, user lookup, and
// EventSub subscription management. The token lifecycle and HTTP
// plumbing are generalized from itsjustintv's internal/twitch.Client;
// outbound retry/backoff is new, grounded on github.com/cenkalti/backoff/v4
// as used across the retrieved example pack's upstream clients.
package twitchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
)

// Overridable in tests so they can point at an httptest server instead
// of the real Twitch API.
var (
	helixBaseURL  = "https://api.twitch.tv/helix"
	oauthTokenURL = "https://id.twitch.tv/oauth2/token"
)

// appToken is a Twitch app access token, persisted so a restart doesn't
// need to mint a fresh one immediately.
type appToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// User is a Twitch Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Metrics records outbound Helix/EventSub API call outcomes. Implemented
// by internal/telemetry.Manager; nil is a valid no-op value.
type Metrics interface {
	RecordTwitchAPICall(ctx context.Context, endpoint string, duration time.Duration, success bool)
}

// Client is a Twitch Helix/EventSub API client bound to one app
// registration (client id/secret).
type Client struct {
	logger       *slog.Logger
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokenFile    string
	metrics      Metrics

	tokenMu sync.RWMutex
	token   *appToken
}

// SetMetrics wires a telemetry sink for outbound API calls. Optional;
// call before Start.
func (c *Client) SetMetrics(metrics Metrics) {
	c.metrics = metrics
}

func (c *Client) recordAPICall(ctx context.Context, endpoint string, start time.Time, success bool) {
	if c.metrics != nil {
		c.metrics.RecordTwitchAPICall(ctx, endpoint, time.Since(start), success)
	}
}

// New creates a Client. tokenFile may be empty, in which case the
// token is kept in memory only.
func New(logger *slog.Logger, clientID, clientSecret, tokenFile string) *Client {
	return &Client{
		logger:       logger,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenFile:    tokenFile,
	}
}

// Start loads any persisted token and ensures it (or a fresh one) is
// valid before the client serves its first request.
func (c *Client) Start(ctx context.Context) error {
	if err := c.loadToken(); err != nil && c.logger != nil {
		c.logger.Warn("failed to load existing twitch token", "error", err)
	}

	if err := c.EnsureValidToken(ctx); err != nil {
		return fmt.Errorf("failed to obtain twitch app access token: %w", err)
	}
	return nil
}

// Stop persists the current token so the next Start can reuse it.
func (c *Client) Stop() error {
	if err := c.saveToken(); err != nil {
		return fmt.Errorf("failed to save twitch token: %w", err)
	}
	return nil
}

// EnsureValidToken mints a new app access token if the current one is
// missing or within 5 minutes of expiry.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != nil && time.Now().Before(c.token.ExpiresAt.Add(-5*time.Minute)) {
		return nil
	}

	token, err := c.mintAppAccessToken(ctx)
	if err != nil {
		return err
	}
	c.token = token

	if c.logger != nil {
		c.logger.Info("obtained new twitch app access token", "expires_at", token.ExpiresAt)
	}
	return nil
}

func (c *Client) mintAppAccessToken(ctx context.Context) (*appToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAPICall(ctx, "oauth2/token", start, false)
		return nil, bridgeerr.Wrap(bridgeerr.KindNetwork, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordAPICall(ctx, "oauth2/token", start, false)
		body, _ := io.ReadAll(resp.Body)
		return nil, bridgeerr.New(bridgeerr.KindInvalidServiceCredentials,
			fmt.Sprintf("token request failed with status %d: %s", resp.StatusCode, string(body)))
	}
	c.recordAPICall(ctx, "oauth2/token", start, true)

	var token appToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	token.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	return &token, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	c.setAuthHeadersWithToken(req, "")
}

// setAuthHeadersWithToken authenticates req with userAccessToken if
// given, falling back to the client's own app access token otherwise.
// EventSub subscriptions delivered over the websocket transport must be
// created with the bot's user token rather than the app token; every
// other Helix call uses the app token exclusively.
func (c *Client) setAuthHeadersWithToken(req *http.Request, userAccessToken string) {
	if userAccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+userAccessToken)
		req.Header.Set("Client-Id", c.clientID)
		return
	}

	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	}
	req.Header.Set("Client-Id", c.clientID)
}

// GetUserByLogin resolves a Twitch login name to its numeric user id.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return c.getUser(ctx, "login", login)
}

// GetUserByID looks up a Twitch user by numeric id.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	return c.getUser(ctx, "id", id)
}

// ResolveBroadcasterID implements registry.BroadcasterResolver.
func (c *Client) ResolveBroadcasterID(ctx context.Context, login string) (string, error) {
	user, err := c.GetUserByLogin(ctx, login)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (c *Client) getUser(ctx context.Context, field, value string) (*User, error) {
	if err := c.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/users?%s=%s", helixBaseURL, field, url.QueryEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user request: %w", err)
	}
	c.setAuthHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAPICall(ctx, "helix/users", start, false)
		return nil, bridgeerr.Wrap(bridgeerr.KindNetwork, "user request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyHelixStatus(resp.StatusCode); err != nil {
		c.recordAPICall(ctx, "helix/users", start, false)
		return nil, err
	}
	c.recordAPICall(ctx, "helix/users", start, true)

	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindNotFound, "twitch user not found: "+value)
	}
	return &body.Data[0], nil
}

// chatAssets is the combined badge/emote payload attached to
// channel.chat.* fan-out envelopes.
type chatAssets struct {
	Badges json.RawMessage `json:"badges"`
	Emotes json.RawMessage `json:"emotes"`
}

// GetChannelChatAssets implements envelope.BadgeEmoteClient: it fetches
// a broadcaster's channel-specific chat badges and emotes from Helix and
// returns them as a single combined JSON blob.
func (c *Client) GetChannelChatAssets(ctx context.Context, broadcasterUserID string) (json.RawMessage, error) {
	if err := c.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	badges, err := c.getHelixData(ctx, fmt.Sprintf("%s/chat/badges?broadcaster_id=%s", helixBaseURL, url.QueryEscape(broadcasterUserID)))
	if err != nil {
		return nil, fmt.Errorf("fetch channel badges: %w", err)
	}

	emotes, err := c.getHelixData(ctx, fmt.Sprintf("%s/chat/emotes?broadcaster_id=%s", helixBaseURL, url.QueryEscape(broadcasterUserID)))
	if err != nil {
		return nil, fmt.Errorf("fetch channel emotes: %w", err)
	}

	return json.Marshal(chatAssets{Badges: badges, Emotes: emotes})
}

// getHelixData performs a GET against endpoint and returns the raw
// "data" array from the Helix envelope.
func (c *Client) getHelixData(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setAuthHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAPICall(ctx, endpoint, start, false)
		return nil, bridgeerr.Wrap(bridgeerr.KindNetwork, "helix request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyHelixStatus(resp.StatusCode); err != nil {
		c.recordAPICall(ctx, endpoint, start, false)
		return nil, err
	}
	c.recordAPICall(ctx, endpoint, start, true)

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode helix response: %w", err)
	}
	return body.Data, nil
}

func classifyHelixStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusAccepted:
		return nil
	case status == http.StatusTooManyRequests:
		return bridgeerr.New(bridgeerr.KindRateLimited, "twitch api rate limited")
	case status == http.StatusUnauthorized:
		return bridgeerr.New(bridgeerr.KindUnauthorized, "twitch api rejected credentials")
	case status >= 500:
		return bridgeerr.New(bridgeerr.KindNetwork, fmt.Sprintf("twitch api returned status %d", status))
	default:
		return bridgeerr.New(bridgeerr.KindUnknown, fmt.Sprintf("twitch api returned status %d", status))
	}
}

func (c *Client) loadToken() error {
	if c.tokenFile == "" {
		return nil
	}
	if _, err := os.Stat(c.tokenFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	var token appToken
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}

	c.tokenMu.Lock()
	c.token = &token
	c.tokenMu.Unlock()

	return nil
}

func (c *Client) saveToken() error {
	if c.tokenFile == "" {
		return nil
	}

	c.tokenMu.RLock()
	token := c.token
	c.tokenMu.RUnlock()

	if token == nil {
		return nil
	}

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return os.WriteFile(c.tokenFile, data, 0600)
}
