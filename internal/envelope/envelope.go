// Package envelope builds and enriches the uniform fan-out envelope
// sent to every downstream service. The best-effort enrichment hook
// (attach optional assets without ever blocking fan-out on failure) is
// grounded on itsjustintv's internal/twitch.Enricher.EnrichPayload,
// which logs and continues on partial failure rather than erroring out.
package envelope

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Envelope is the uniform JSON wrapper fanned out to every matched
// downstream service.
type Envelope struct {
	ID             string          `json:"id"`
	Provider       string          `json:"provider"`
	Type           string          `json:"type"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	Event          json.RawMessage `json:"event"`
	ChatAssets     json.RawMessage `json:"twitch_chat_assets,omitempty"`
}

// ErrorEnvelope is the synthetic subscription.error fan-out emitted
// when an upstream subscription can't be created or maintained.
type ErrorEnvelope struct {
	Type               string `json:"type"`
	ErrorCode          string `json:"error_code"`
	Reason             string `json:"reason"`
	Hint               string `json:"hint,omitempty"`
	EventType          string `json:"event_type"`
	BroadcasterUserID  string `json:"broadcaster_user_id"`
	BotAccountID       string `json:"bot_account_id"`
	UpstreamTransport  string `json:"upstream_transport"`
}

const providerTwitch = "twitch"
const chatMessagePrefix = "channel.chat."

// Build constructs an Envelope for a single notification. event_timestamp
// is the time the bridge accepted the notification, not Twitch's send
// time (Twitch does not reliably provide the latter for all event types).
func Build(messageID, eventType string, event json.RawMessage, acceptedAt time.Time) Envelope {
	return Envelope{
		ID:             messageID,
		Provider:       providerTwitch,
		Type:           eventType,
		EventTimestamp: acceptedAt.UTC(),
		Event:          event,
	}
}

// BuildError constructs the subscription.error envelope for key/code.
func BuildError(eventType, broadcasterUserID, botAccountID, upstreamTransport, code, reason, hint string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:              "subscription.error",
		ErrorCode:         code,
		Reason:            reason,
		Hint:              hint,
		EventType:         eventType,
		BroadcasterUserID: broadcasterUserID,
		BotAccountID:      botAccountID,
		UpstreamTransport: upstreamTransport,
	}
}

// Enricher attaches optional assets to an Envelope for a given event
// type/broadcaster. Implementations must be best-effort: an error here
// never blocks fan-out, it only means the envelope ships without the
// optional field.
type Enricher interface {
	Enrich(ctx context.Context, eventType, broadcasterUserID string) (json.RawMessage, error)
}

// ApplyEnrichment attaches the enricher's result to env.ChatAssets for
// channel.chat.* event types. Failures are logged and swallowed.
func ApplyEnrichment(ctx context.Context, logger *slog.Logger, enricher Enricher, broadcasterUserID string, env *Envelope) {
	if enricher == nil || !strings.HasPrefix(env.Type, chatMessagePrefix) {
		return
	}

	assets, err := enricher.Enrich(ctx, env.Type, broadcasterUserID)
	if err != nil {
		if logger != nil {
			logger.Warn("chat asset enrichment failed, shipping envelope without it",
				"event_type", env.Type, "broadcaster_user_id", broadcasterUserID, "error", err)
		}
		return
	}
	env.ChatAssets = assets
}
