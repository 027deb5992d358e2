// Package registry implements the InterestRegistry: the in-memory
// InterestKey -> set<Interest> index, its service-id reverse index, and
// the persisted mirror. Grounded on itsjustintv's config.StreamerConfig
// map idiom, generalized into a concurrent, mutation-serialized registry,
// with the cleanup/expiry shape borrowed from internal/cache.Manager.
package registry

import "time"

// Transport is the downstream delivery transport for an Interest.
type Transport string

const (
	TransportWS      Transport = "ws"
	TransportWebhook Transport = "webhook"
)

// UpstreamTransport is how Twitch delivers notifications to the bridge.
type UpstreamTransport string

const (
	UpstreamWS      UpstreamTransport = "ws"
	UpstreamWebhook UpstreamTransport = "webhook"
)

// Key is the fan-in dimension: all downstream Interests sharing a Key
// share one upstream Twitch EventSub subscription.
type Key struct {
	BotAccountID      string
	EventType         string
	BroadcasterUserID string
}

// Interest is one downstream service's declared desire to receive a
// specific event type for a specific broadcaster via a specific
// transport.
type Interest struct {
	ID         string
	ServiceID  string
	Key        Key
	Transport  Transport
	WebhookURL string
	UpdatedAt  time.Time
}

// tupleKey is the uniqueness tuple: (service, key, transport, webhook_url).
type tupleKey struct {
	serviceID  string
	key        Key
	transport  Transport
	webhookURL string
}

func tupleOf(in Interest) tupleKey {
	return tupleKey{
		serviceID:  in.ServiceID,
		key:        in.Key,
		transport:  in.Transport,
		webhookURL: in.WebhookURL,
	}
}

// companionEventTypes are auto-created alongside any new interest on the
// same (service, bot, broadcaster). Forced to ws per SPEC_FULL.md §11 —
// the source forces ws for these and the spec preserves that default.
var companionEventTypes = []string{"stream.online", "stream.offline"}
