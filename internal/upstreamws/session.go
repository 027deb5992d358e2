// Package upstreamws maintains the bridge's single WebSocket session to
// Twitch's EventSub WebSocket transport (one process-wide connection,
// fanning in many registry.Key subscriptions). The dial/backoff/redial
// loop, with one read loop per connection generation, is grounded on the stream-manager pattern in the retrieved
// coachpo-meltica-gateway Binance WebSocket adapter, adapted from
// github.com/cenkalti/backoff/v5 to the v4 release used across the rest
// of this module's dependency set.
package upstreamws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

const (
	defaultURL          = "wss://eventsub.wss.twitch.tv/ws"
	welcomeTimeout      = 10 * time.Second
	readLimitBytes      = 1 << 20
	maxReconnectBackoff = 30 * time.Second

	// defaultKeepaliveTimeout is Twitch's fallback keepalive interval,
	// used until a session_welcome reports the negotiated one.
	defaultKeepaliveTimeout = 10 * time.Second
	// keepaliveGraceFactor is how far past the advertised keepalive
	// interval a session may go without any frame before it's treated
	// as dead and redialed.
	keepaliveGraceFactor = 1.5
)

// Handlers are the callbacks the owning SubscriptionManager registers to
// react to session lifecycle and inbound events.
type Handlers struct {
	// OnWelcome fires with the new session id every time a session
	// (re)establishes, including after a session_reconnect handoff.
	OnWelcome func(sessionID string)
	// OnNotification fires once per "notification" message.
	OnNotification func(messageID, subscriptionType, subscriptionID string, event json.RawMessage)
	// OnRevocation fires once per "revocation" message.
	OnRevocation func(subscriptionID, status string)
	// OnDisconnect fires whenever the active connection is lost, before
	// a redial is attempted.
	OnDisconnect func(err error)
}

type messageMetadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type inboundEnvelope struct {
	Metadata messageMetadata `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type reconnectPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type revocationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// Session owns the single active EventSub WebSocket connection and
// redials it under a reset-on-success exponential backoff whenever it
// drops, replaying the current session_id to callers via Handlers.
type Session struct {
	logger   *slog.Logger
	handlers Handlers
	url      string

	connMu    sync.RWMutex
	conn      *websocket.Conn
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Session that will dial url (or Twitch's default EventSub
// WebSocket endpoint if url is empty) once Start is called.
func New(logger *slog.Logger, url string, handlers Handlers) *Session {
	if url == "" {
		url = defaultURL
	}
	return &Session{
		logger:   logger,
		handlers: handlers,
		url:      url,
		done:     make(chan struct{}),
	}
}

// Start begins the connect/read/redial loop in the background and
// blocks until either the first session_welcome is received or ctx is
// done.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ready := make(chan struct{})
	var readyOnce sync.Once

	go s.run(s.ctx, func() {
		readyOnce.Do(func() { close(ready) })
	})

	select {
	case <-ready:
		return nil
	case <-time.After(welcomeTimeout * 3):
		return errors.New("timed out waiting for initial eventsub session_welcome")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears down the active connection and stops redialing.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
}

// SessionID returns the id of the currently active session, or "" if
// none is established.
func (s *Session) SessionID() string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.sessionID
}

func (s *Session) run(ctx context.Context, signalReady func()) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxReconnectBackoff
	b.MaxElapsedTime = 0 // retry forever; the bridge has no standalone-failure mode

	dialURL := s.url

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, dialURL, nil)
		if err != nil {
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(fmt.Errorf("dial %s: %w", dialURL, err))
			}
			if !s.sleepBackoff(ctx, b) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimitBytes)
		b.Reset()

		nextURL, runErr := s.serveConnection(ctx, conn, signalReady)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(runErr)
			}
		}

		if ctx.Err() != nil {
			return
		}

		if nextURL != "" {
			dialURL = nextURL
		} else {
			dialURL = s.url
			if !s.sleepBackoff(ctx, b) {
				return
			}
		}
	}
}

func (s *Session) sleepBackoff(ctx context.Context, b backoff.BackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = maxReconnectBackoff
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// serveConnection reads from conn until it closes, a session_reconnect
// hands off to a new URL, or ctx is canceled. It returns the URL to
// redial immediately (session_reconnect) or "" to fall back to the
// default URL with backoff.
func (s *Session) serveConnection(ctx context.Context, conn *websocket.Conn, signalReady func()) (nextURL string, err error) {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	keepalive := defaultKeepaliveTimeout

	for {
		readCtx, readCancel := context.WithTimeout(connCtx, time.Duration(float64(keepalive)*keepaliveGraceFactor))
		_, data, readErr := conn.Read(readCtx)
		readCancel()
		if readErr != nil {
			if ctx.Err() == nil && errors.Is(readErr, context.DeadlineExceeded) {
				return "", fmt.Errorf("no frame received within %s of keepalive timeout %s", time.Duration(float64(keepalive)*keepaliveGraceFactor), keepalive)
			}
			return "", readErr
		}

		var env inboundEnvelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			if s.logger != nil {
				s.logger.Warn("failed to unmarshal eventsub message", "error", jsonErr)
			}
			continue
		}

		switch env.Metadata.MessageType {
		case "session_welcome":
			var payload welcomePayload
			if jsonErr := json.Unmarshal(env.Payload, &payload); jsonErr != nil {
				continue
			}
			s.connMu.Lock()
			s.conn = conn
			s.sessionID = payload.Session.ID
			s.connMu.Unlock()

			if payload.Session.KeepaliveTimeoutSeconds > 0 {
				keepalive = time.Duration(payload.Session.KeepaliveTimeoutSeconds) * time.Second
			}

			if s.handlers.OnWelcome != nil {
				s.handlers.OnWelcome(payload.Session.ID)
			}
			signalReady()

		case "session_keepalive":
			// liveness only; no action required beyond having read the frame.

		case "session_reconnect":
			var payload reconnectPayload
			if jsonErr := json.Unmarshal(env.Payload, &payload); jsonErr != nil {
				continue
			}
			return payload.Session.ReconnectURL, nil

		case "notification":
			var payload notificationPayload
			if jsonErr := json.Unmarshal(env.Payload, &payload); jsonErr != nil {
				continue
			}
			if s.handlers.OnNotification != nil {
				s.handlers.OnNotification(env.Metadata.MessageID, payload.Subscription.Type, payload.Subscription.ID, payload.Event)
			}

		case "revocation":
			var payload revocationPayload
			if jsonErr := json.Unmarshal(env.Payload, &payload); jsonErr != nil {
				continue
			}
			if s.handlers.OnRevocation != nil {
				s.handlers.OnRevocation(payload.Subscription.ID, payload.Subscription.Status)
			}

		default:
			if s.logger != nil {
				s.logger.Debug("unhandled eventsub message type", "type", env.Metadata.MessageType)
			}
		}
	}
}
