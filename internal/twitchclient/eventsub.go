package twitchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
)

// eventsubBaseURL is derived from helixBaseURL at call time so test
// overrides of helixBaseURL apply to EventSub calls too.
func eventsubBaseURL() string { return helixBaseURL + "/eventsub/subscriptions" }

// maxSubscriptionAttempts bounds retries for subscription creation: the
// initial attempt plus up to 2 retries.
const maxSubscriptionAttempts = 3

// SubscriptionTransport describes how Twitch should deliver
// notifications for a subscription: webhook (method/callback/secret)
// or websocket (session_id, from an already-established EventSub
// WebSocket session).
type SubscriptionTransport struct {
	Method    string `json:"method"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is a Twitch EventSub subscription resource.
type Subscription struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"`
	Type      string                 `json:"type"`
	Version   string                 `json:"version"`
	Condition map[string]string      `json:"condition"`
	Transport SubscriptionTransport  `json:"transport"`
	CreatedAt time.Time              `json:"created_at"`
	Cost      int                    `json:"cost"`
}

type subscriptionListResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
	Pagination   struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type createSubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// retryPolicy governs subscription creation (CreateSubscriptionAs):
// exponential backoff capped at 30s, retried up to maxSubscriptionAttempts
// attempts, only for errors bridgeerr classifies as Retryable.
// ListSubscriptions and DeleteSubscription are not retried.
func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(backoff.WithMaxRetries(b, maxSubscriptionAttempts-1), ctx)
}

// CreateSubscription creates a new EventSub subscription for eventType
// and condition, delivered via transport, authenticated with the app
// access token. Retries transient failures (rate limiting, network
// errors) with exponential backoff; terminal failures (missing scope,
// bad credentials) return immediately.
func (c *Client) CreateSubscription(ctx context.Context, eventType, version string, condition map[string]string, transport SubscriptionTransport) (*Subscription, error) {
	return c.CreateSubscriptionAs(ctx, eventType, version, condition, transport, "")
}

// CreateSubscriptionAs is CreateSubscription authenticated with
// userAccessToken instead of the app access token when userAccessToken
// is non-empty. Twitch requires the websocket transport's subscriptions
// to be created with the receiving bot's own user token, scoped to the
// event type, rather than the app's client-credentials token.
func (c *Client) CreateSubscriptionAs(ctx context.Context, eventType, version string, condition map[string]string, transport SubscriptionTransport, userAccessToken string) (*Subscription, error) {
	var result *Subscription

	op := func() error {
		sub, err := c.createSubscriptionOnce(ctx, eventType, version, condition, transport, userAccessToken)
		if err != nil {
			if bridgeerr.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = sub
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) createSubscriptionOnce(ctx context.Context, eventType, version string, condition map[string]string, transport SubscriptionTransport, userAccessToken string) (*Subscription, error) {
	if userAccessToken == "" {
		if err := c.EnsureValidToken(ctx); err != nil {
			return nil, err
		}
	}

	reqBody := createSubscriptionRequest{
		Type:      eventType,
		Version:   version,
		Condition: condition,
		Transport: transport,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eventsubBaseURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription request: %w", err)
	}
	c.setAuthHeadersWithToken(req, userAccessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAPICall(ctx, "eventsub/subscriptions:create", start, false)
		return nil, bridgeerr.Wrap(bridgeerr.KindNetwork, "subscription request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription response: %w", err)
	}

	if err := classifySubscriptionStatus(resp.StatusCode, body); err != nil {
		c.recordAPICall(ctx, "eventsub/subscriptions:create", start, false)
		return nil, err
	}
	c.recordAPICall(ctx, "eventsub/subscriptions:create", start, true)

	var listResp subscriptionListResponse
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription response: %w", err)
	}
	if len(listResp.Data) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindSubscriptionCreateFailed, "twitch returned no subscription data")
	}
	return &listResp.Data[0], nil
}

func classifySubscriptionStatus(status int, body []byte) error {
	switch status {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusTooManyRequests:
		return bridgeerr.New(bridgeerr.KindRateLimited, "eventsub subscription request rate limited")
	case http.StatusUnauthorized:
		return bridgeerr.New(bridgeerr.KindUnauthorized, "eventsub subscription request unauthorized")
	case http.StatusForbidden:
		return bridgeerr.New(bridgeerr.KindMissingScope, fmt.Sprintf("eventsub subscription forbidden: %s", string(body)))
	case http.StatusConflict:
		return bridgeerr.New(bridgeerr.KindDuplicateInterest, "eventsub subscription already exists")
	default:
		return bridgeerr.New(bridgeerr.KindSubscriptionCreateFailed,
			fmt.Sprintf("eventsub subscription create failed with status %d: %s", status, string(body)))
	}
}

// ListSubscriptions returns every EventSub subscription currently
// registered for this app, across pagination cursors.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	if err := c.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	var all []Subscription
	cursor := ""

	for {
		endpoint := eventsubBaseURL()
		if cursor != "" {
			endpoint = fmt.Sprintf("%s?after=%s", eventsubBaseURL(), cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build list subscriptions request: %w", err)
		}
		c.setAuthHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.recordAPICall(ctx, "eventsub/subscriptions:list", start, false)
			return nil, bridgeerr.Wrap(bridgeerr.KindNetwork, "list subscriptions request failed", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read list subscriptions response: %w", err)
		}

		if err := classifySubscriptionStatus(resp.StatusCode, body); err != nil {
			c.recordAPICall(ctx, "eventsub/subscriptions:list", start, false)
			return nil, err
		}
		c.recordAPICall(ctx, "eventsub/subscriptions:list", start, true)

		var listResp subscriptionListResponse
		if err := json.Unmarshal(body, &listResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal list subscriptions response: %w", err)
		}

		all = append(all, listResp.Data...)

		if listResp.Pagination.Cursor == "" {
			break
		}
		cursor = listResp.Pagination.Cursor
	}

	return all, nil
}

// DeleteSubscription revokes an EventSub subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	if err := c.EnsureValidToken(ctx); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s?id=%s", eventsubBaseURL(), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete subscription request: %w", err)
	}
	c.setAuthHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAPICall(ctx, "eventsub/subscriptions:delete", start, false)
		return bridgeerr.Wrap(bridgeerr.KindNetwork, "delete subscription request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		c.recordAPICall(ctx, "eventsub/subscriptions:delete", start, false)
		body, _ := io.ReadAll(resp.Body)
		return bridgeerr.New(bridgeerr.KindUnknown,
			fmt.Sprintf("delete subscription failed with status %d: %s", resp.StatusCode, string(body)))
	}
	c.recordAPICall(ctx, "eventsub/subscriptions:delete", start, true)
	return nil
}
