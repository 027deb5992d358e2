// Package webhookingress implements the single inbound HTTP endpoint
// Twitch calls for webhook-transport EventSub subscriptions: signature
// verification, freshness checking, message-id dedupe, and dispatch by
// Twitch-Eventsub-Message-Type. Directly generalizes itsjustintv's
// internal/webhook.Validator (HMAC verification) and
// internal/server.Server.handleTwitchWebhook (header extraction,
// action dispatch by message type) from one hardcoded stream event to
// arbitrary EventSub notification types.
package webhookingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/dedupe"
	"github.com/rmoriz/eventsubbridge/internal/envelope"
)

// Path is the fixed HTTP path Twitch is configured to call.
const Path = "/webhooks/twitch/eventsub"

// FreshnessWindow bounds how far Twitch-Eventsub-Message-Timestamp may
// drift from wall-clock time before a notification is rejected as stale
// (defends against replayed requests outside Twitch's own retry window).
const FreshnessWindow = 10 * time.Minute

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

const (
	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// Router hands a routed notification to the subscription manager.
type Router interface {
	Route(ctx context.Context, subscriptionID, eventType, broadcasterUserID, messageID string, event json.RawMessage, enricher envelope.Enricher)
}

// RevocationHandler is notified when Twitch revokes a subscription on
// its own initiative (scope removed, user ban, etc).
type RevocationHandler interface {
	HandleRevocation(ctx context.Context, subscriptionID, eventType, reason string)
}

type verificationBody struct {
	Challenge    string           `json:"challenge"`
	Subscription subscriptionBody `json:"subscription"`
}

type subscriptionBody struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

type notificationBody struct {
	Subscription subscriptionBody `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

type eventBroadcaster struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// Ingress is the WebhookIngress HTTP handler.
type Ingress struct {
	logger      *slog.Logger
	secret      string
	dedupe      *dedupe.Window
	router      Router
	revocations RevocationHandler
	enricher    envelope.Enricher
	now         func() time.Time
}

// New creates a WebhookIngress. secret is the per-deployment webhook
// signing secret shared with every subscription's transport.secret.
func New(logger *slog.Logger, secret string, dedupeWindow *dedupe.Window, router Router, revocations RevocationHandler, enricher envelope.Enricher) *Ingress {
	return &Ingress{
		logger:      logger,
		secret:      secret,
		dedupe:      dedupeWindow,
		router:      router,
		revocations: revocations,
		enricher:    enricher,
		now:         time.Now,
	}
}

// ServeHTTP implements http.Handler.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	messageID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	messageType := r.Header.Get(headerMessageType)
	signature := r.Header.Get(headerMessageSignature)

	if err := in.verifySignature(messageID, timestamp, body, signature); err != nil {
		if in.logger != nil {
			in.logger.Warn("rejected webhook: invalid signature", "message_id", messageID, "error", err)
		}
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	if err := in.checkFreshness(timestamp); err != nil {
		if in.logger != nil {
			in.logger.Warn("rejected webhook: stale timestamp", "message_id", messageID, "timestamp", timestamp)
		}
		http.Error(w, "stale timestamp", http.StatusForbidden)
		return
	}

	if in.dedupe != nil && messageID != "" && !in.dedupe.Add(messageID) {
		if in.logger != nil {
			in.logger.Debug("duplicate webhook notification, acknowledging without reprocessing", "message_id", messageID)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch messageType {
	case messageTypeVerification:
		in.handleVerification(w, body)
	case messageTypeNotification:
		in.handleNotification(w, r.Context(), messageID, body)
	case messageTypeRevocation:
		in.handleRevocation(w, r.Context(), body)
	default:
		if in.logger != nil {
			in.logger.Warn("ignoring unknown webhook message type", "message_type", messageType, "message_id", messageID)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (in *Ingress) verifySignature(messageID, timestamp string, body []byte, signature string) error {
	if in.secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}

	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (in *Ingress) checkFreshness(timestamp string) error {
	if timestamp == "" {
		return fmt.Errorf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	drift := in.now().UTC().Sub(ts.UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > FreshnessWindow {
		return fmt.Errorf("timestamp outside freshness window")
	}
	return nil
}

func (in *Ingress) handleVerification(w http.ResponseWriter, body []byte) {
	var payload verificationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload.Challenge))

	if in.logger != nil {
		in.logger.Info("responded to webhook verification challenge", "subscription_id", payload.Subscription.ID, "type", payload.Subscription.Type)
	}
}

func (in *Ingress) handleNotification(w http.ResponseWriter, ctx context.Context, messageID string, body []byte) {
	var payload notificationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var broadcaster eventBroadcaster
	_ = json.Unmarshal(payload.Event, &broadcaster)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))

	in.router.Route(ctx, payload.Subscription.ID, payload.Subscription.Type, broadcaster.BroadcasterUserID, messageID, payload.Event, in.enricher)
}

func (in *Ingress) handleRevocation(w http.ResponseWriter, ctx context.Context, body []byte) {
	var payload struct {
		Subscription subscriptionBody `json:"subscription"`
	}
	_ = json.Unmarshal(body, &payload)

	w.WriteHeader(http.StatusOK)

	in.revocations.HandleRevocation(ctx, payload.Subscription.ID, payload.Subscription.Type, payload.Subscription.Status)
}
