// Package bridgeerr defines the closed error taxonomy surfaced by the
// EventSub bridge core to its callers (HTTP gateway, CLI, upstream
// transports). Locally-recoverable conditions (unique-row races, dedupe
// hits, stale heartbeat targets) are handled internally and never reach
// this taxonomy.
package bridgeerr

import "fmt"

// Kind classifies an error into one of the categories the bridge's
// callers need to branch on (HTTP status mapping, retry eligibility,
// subscription.error emission).
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota

	// Validation errors.
	KindUnknownEventType
	KindInvalidBroadcaster
	KindWebhookURLRequired
	KindDuplicateInterest

	// Auth errors.
	KindInvalidServiceCredentials
	KindInvalidToken
	KindExpiredToken
	KindAlreadyUsed
	KindBotNotAccessible

	// Upstream permission errors.
	KindMissingScope
	KindInsufficientPermissions

	// Upstream transient errors (retry-eligible).
	KindRateLimited
	KindNetwork
	KindTimeout

	// Upstream terminal errors.
	KindUnauthorized
	KindSubscriptionCreateFailed

	// Webhook ingress errors.
	KindInvalidSignature
	KindStaleTimestamp
	KindDuplicateMessageID

	// Not found / unsupported.
	KindNotFound
	KindUnsupportedUpstream
)

func (k Kind) String() string {
	switch k {
	case KindUnknownEventType:
		return "unknown_event_type"
	case KindInvalidBroadcaster:
		return "invalid_broadcaster"
	case KindWebhookURLRequired:
		return "webhook_url_required"
	case KindDuplicateInterest:
		return "duplicate_interest"
	case KindInvalidServiceCredentials:
		return "invalid_service_credentials"
	case KindInvalidToken:
		return "invalid_token"
	case KindExpiredToken:
		return "expired_token"
	case KindAlreadyUsed:
		return "already_used"
	case KindBotNotAccessible:
		return "bot_not_accessible"
	case KindMissingScope:
		return "missing_scope"
	case KindInsufficientPermissions:
		return "insufficient_permissions"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindSubscriptionCreateFailed:
		return "subscription_create_failed"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindStaleTimestamp:
		return "stale_timestamp"
	case KindDuplicateMessageID:
		return "duplicate_message_id"
	case KindNotFound:
		return "not_found"
	case KindUnsupportedUpstream:
		return "unsupported_upstream"
	default:
		return "unknown"
	}
}

// Error is a structured bridge error. Callers type-assert to *Error and
// switch on Kind rather than matching error strings.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a bridge error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a bridge error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == kind
}

// Retryable reports whether the error kind is one the subscription
// manager's retry policy should retry with backoff.
func Retryable(err error) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	switch be.Kind {
	case KindRateLimited, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Terminal reports whether the error kind stops retry and triggers a
// subscription.error emission plus cooldown.
func Terminal(err error) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	switch be.Kind {
	case KindUnauthorized, KindSubscriptionCreateFailed, KindMissingScope, KindInsufficientPermissions:
		return true
	default:
		return false
	}
}
