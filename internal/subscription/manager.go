// Package subscription implements the SubscriptionManager: the
// reconciliation engine tying the InterestRegistry to live Twitch
// EventSub subscriptions, upstream transport selection, notification
// routing, and subscription-error fan-out. It directly generalizes
// itsjustintv's internal/twitch.SubscriptionManager (sync/create/
// background-sync loop, one stream.online row per configured streamer)
// from a single hardcoded event type to arbitrary InterestKeys across
// either upstream transport.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
	"github.com/rmoriz/eventsubbridge/internal/dedupe"
	"github.com/rmoriz/eventsubbridge/internal/envelope"
	"github.com/rmoriz/eventsubbridge/internal/registry"
	"github.com/rmoriz/eventsubbridge/internal/store"
	"github.com/rmoriz/eventsubbridge/internal/twitchclient"
)

// Status is a per-InterestKey upstream subscription state.
type Status string

const (
	StatusAbsent        Status = "absent"
	StatusPending       Status = "pending"
	StatusEnabled       Status = "enabled"
	StatusErrorCooldown Status = "error_cooldown"
	// StatusDisabled marks a key whose last create attempt failed with
	// missing_scope: the bot's token lacks a scope Twitch will never
	// grant without operator intervention, so retrying on a timer (like
	// StatusErrorCooldown) would just repeat the same failure forever.
	// Only Release (deleting every Interest backing the key) clears it.
	StatusDisabled Status = "disabled"
)

// moderatorScopedEventTypes need moderator_user_id in their condition
// alongside broadcaster_user_id, per Twitch's EventSub requirements.
var moderatorScopedEventTypes = map[string]bool{
	"channel.chat.message":      true,
	"channel.chat.notification": true,
	"channel.follow":            true,
}

// defaultEventVersions is the EventSub subscription version used per
// type when the operator config doesn't override it.
var defaultEventVersions = map[string]string{
	"channel.follow":       "2",
	"stream.online":        "1",
	"stream.offline":       "1",
	"channel.chat.message": "1",
}

// webhookOnlyEventTypes cannot be delivered over the WS transport at
// all; the spec calls this set WEBHOOK_ONLY.
var webhookOnlyEventTypes = map[string]bool{
	"drop.entitlement.grant":            true,
	"extension.bits_transaction.create": true,
	"user.authorization.grant":          true,
	"user.authorization.revoke":         true,
}

// BotAccount is the narrow projection of the external BotAccount record
// this core needs: identity under which upstream subscriptions are
// created.
type BotAccount struct {
	ID              string
	TwitchUserID    string
	UserAccessToken string
	Enabled         bool
}

// BotAccountResolver looks up a BotAccount by registry.Key.BotAccountID.
// Implemented outside core (admin CRUD of bot accounts is out of
// scope); a static config-driven implementation is provided by
// internal/config for this deployment's single-operator use case.
type BotAccountResolver interface {
	ResolveBotAccount(ctx context.Context, botAccountID string) (BotAccount, error)
}

// EventSubClient is the subset of internal/twitchclient.Client the
// SubscriptionManager drives.
type EventSubClient interface {
	CreateSubscription(ctx context.Context, eventType, version string, condition map[string]string, transport twitchclient.SubscriptionTransport) (*twitchclient.Subscription, error)
	CreateSubscriptionAs(ctx context.Context, eventType, version string, condition map[string]string, transport twitchclient.SubscriptionTransport, userAccessToken string) (*twitchclient.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]twitchclient.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// WSSession is the subset of internal/upstreamws.Session the manager
// needs to learn the active session id for ws-transport creation.
type WSSession interface {
	SessionID() string
}

// Fanout is the subset of internal/fanout.Hub the manager publishes
// through.
type Fanout interface {
	Deliver(ctx context.Context, in registry.Interest, env envelope.Envelope)
	DeliverError(in registry.Interest, errEnv envelope.ErrorEnvelope)
}

// Metrics records reconciliation and subscription-error events.
// Implemented by internal/telemetry.Manager; nil is a valid no-op value.
type Metrics interface {
	RecordReconcileCycle(ctx context.Context, trigger string)
	RecordSubscriptionError(ctx context.Context, code string)
}

// InterestLookup is the subset of internal/registry.Registry the
// manager reads from.
type InterestLookup interface {
	Lookup(key registry.Key) []registry.Interest
	AllKeys() []registry.Key
}

// Config tunes transport selection, event versions and the
// subscription.error cooldown. MaxRetryAttempts is carried but not read
// here; creation retries happen inside twitchclient.
type Config struct {
	WebhookCallbackURL string
	WebhookSecret      string
	EventVersions       map[string]string
	MaxRetryAttempts    int
	ErrorCooldown       time.Duration
}

func (c Config) versionFor(eventType string) string {
	if v, ok := c.EventVersions[eventType]; ok {
		return v
	}
	if v, ok := defaultEventVersions[eventType]; ok {
		return v
	}
	return "1"
}

type keyRecord struct {
	status         Status
	subscriptionID string
	upstream       registry.UpstreamTransport
	lastErrorCode  string
	lastErrorAt    time.Time
}

// Manager is the SubscriptionManager.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	registry InterestLookup
	bots     BotAccountResolver
	client   EventSubClient
	session  WSSession
	fanout   Fanout
	store    *store.Store
	errCool  *dedupe.Window
	metrics  Metrics

	keyLocksMu sync.Mutex
	keyLocks   map[registry.Key]*sync.Mutex

	stateMu sync.RWMutex
	states  map[registry.Key]*keyRecord
	byEvent map[string]registry.Key // subscription_id -> key
}

// New creates a SubscriptionManager.
func New(logger *slog.Logger, cfg Config, reg InterestLookup, bots BotAccountResolver, client EventSubClient, session WSSession, fanout Fanout, st *store.Store) *Manager {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		bots:     bots,
		client:   client,
		session:  session,
		fanout:   fanout,
		store:    st,
		errCool:  dedupe.New(logger, orDefault(cfg.ErrorCooldown, 60*time.Second)),
		keyLocks: make(map[registry.Key]*sync.Mutex),
		states:   make(map[registry.Key]*keyRecord),
		byEvent:  make(map[string]registry.Key),
	}
}

// SetMetrics wires a telemetry sink for reconciliation cycles and
// subscription errors. Optional; call before use.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (m *Manager) keyLock(key registry.Key) *sync.Mutex {
	m.keyLocksMu.Lock()
	defer m.keyLocksMu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

func (m *Manager) stateOf(key registry.Key) *keyRecord {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &keyRecord{status: StatusAbsent}
		m.states[key] = s
	}
	return s
}

// OnKeyBecameLive implements registry.KeyObserver.
func (m *Manager) OnKeyBecameLive(key registry.Key) {
	go func() {
		if err := m.Ensure(context.Background(), key); err != nil && m.logger != nil {
			m.logger.Error("failed to ensure upstream subscription", "key", key, "error", err)
		}
	}()
}

// OnKeyBecameEmpty implements registry.KeyObserver.
func (m *Manager) OnKeyBecameEmpty(key registry.Key) {
	go func() {
		if err := m.Release(context.Background(), key); err != nil && m.logger != nil {
			m.logger.Error("failed to release upstream subscription", "key", key, "error", err)
		}
	}()
}

// decideUpstreamTransport implements spec.md §4.2's transport-selection
// table.
func (m *Manager) decideUpstreamTransport(eventType string) (registry.UpstreamTransport, error) {
	switch {
	case webhookOnlyEventTypes[eventType]:
		if m.cfg.WebhookCallbackURL == "" {
			return "", bridgeerr.New(bridgeerr.KindUnsupportedUpstream, eventType+" requires webhook upstream but no callback url is configured")
		}
		return registry.UpstreamWebhook, nil
	case m.cfg.WebhookCallbackURL != "":
		return registry.UpstreamWebhook, nil
	default:
		return registry.UpstreamWS, nil
	}
}

// twitchTransportMethod maps the bridge's internal UpstreamTransport to
// the transport.method value Twitch's EventSub API actually expects
// ("websocket", not "ws").
func twitchTransportMethod(u registry.UpstreamTransport) string {
	if u == registry.UpstreamWS {
		return "websocket"
	}
	return "webhook"
}

func buildCondition(key registry.Key, bot BotAccount) map[string]string {
	condition := map[string]string{"broadcaster_user_id": key.BroadcasterUserID}
	if moderatorScopedEventTypes[key.EventType] {
		condition["moderator_user_id"] = bot.TwitchUserID
	}
	return condition
}

// Ensure guarantees exactly one live upstream subscription for key,
// coalescing concurrent callers through the per-key lock.
func (m *Manager) Ensure(ctx context.Context, key registry.Key) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	state := m.stateOf(key)
	if state.status == StatusEnabled || state.status == StatusPending {
		return nil
	}
	if state.status == StatusDisabled {
		return bridgeerr.New(bridgeerr.KindMissingScope, "bot account disabled for this event type pending operator action: "+key.BotAccountID)
	}
	if state.status == StatusErrorCooldown && time.Since(state.lastErrorAt) < orDefault(m.cfg.ErrorCooldown, 60*time.Second) {
		return nil
	}

	bot, err := m.bots.ResolveBotAccount(ctx, key.BotAccountID)
	if err != nil {
		return fmt.Errorf("resolve bot account: %w", err)
	}
	if !bot.Enabled {
		return bridgeerr.New(bridgeerr.KindBotNotAccessible, "bot account disabled: "+key.BotAccountID)
	}

	upstream, err := m.decideUpstreamTransport(key.EventType)
	if err != nil {
		m.recordFailure(key, bot, upstream, "unsupported_upstream", err.Error(), StatusErrorCooldown)
		return err
	}

	transport := twitchclient.SubscriptionTransport{Method: twitchTransportMethod(upstream)}
	userAccessToken := ""
	switch upstream {
	case registry.UpstreamWebhook:
		transport.Callback = m.cfg.WebhookCallbackURL
		transport.Secret = m.cfg.WebhookSecret
	case registry.UpstreamWS:
		transport.SessionID = m.session.SessionID()
		if transport.SessionID == "" {
			return bridgeerr.New(bridgeerr.KindNetwork, "no active eventsub ws session yet")
		}
		// Twitch requires websocket-transport subscriptions to be created
		// with the receiving bot's own user token, not the app token.
		userAccessToken = bot.UserAccessToken
		if userAccessToken == "" {
			return bridgeerr.New(bridgeerr.KindBotNotAccessible, "bot account has no user access token for ws upstream: "+key.BotAccountID)
		}
	}

	m.setState(key, StatusPending, "", upstream)

	sub, err := m.client.CreateSubscriptionAs(ctx, key.EventType, m.cfg.versionFor(key.EventType), buildCondition(key, bot), transport, userAccessToken)
	if err != nil {
		m.handleCreateError(key, bot, upstream, err)
		return err
	}

	m.setEnabled(key, sub.ID, upstream)

	if m.store != nil {
		_ = m.store.SaveSubscription(store.UpstreamSubscriptionState{
			SubscriptionID: sub.ID,
			Key:            key,
			Upstream:       upstream,
			Status:         "enabled",
			CreatedAt:      time.Now().UTC(),
		})
	}

	return nil
}

func (m *Manager) handleCreateError(key registry.Key, bot BotAccount, upstream registry.UpstreamTransport, err error) {
	if bridgeerr.Retryable(err) {
		m.setState(key, StatusAbsent, "", upstream)
		return
	}

	if bridgeerr.Is(err, bridgeerr.KindMissingScope) {
		m.recordFailure(key, bot, upstream, "missing_scope", err.Error(), StatusDisabled)
		return
	}

	code := "subscription_create_failed"
	switch {
	case bridgeerr.Is(err, bridgeerr.KindInsufficientPermissions):
		code = "insufficient_permissions"
	case bridgeerr.Is(err, bridgeerr.KindUnauthorized):
		code = "unauthorized"
	}

	m.recordFailure(key, bot, upstream, code, err.Error(), StatusErrorCooldown)
}

func (m *Manager) recordFailure(key registry.Key, bot BotAccount, upstream registry.UpstreamTransport, code, reason string, status Status) {
	m.stateMu.Lock()
	s := m.states[key]
	if s == nil {
		s = &keyRecord{}
		m.states[key] = s
	}
	s.status = status
	s.lastErrorCode = code
	s.lastErrorAt = time.Now()
	m.stateMu.Unlock()

	m.EmitSubscriptionError(key, bot, code, reason, upstream)
}

func (m *Manager) setState(key registry.Key, status Status, subscriptionID string, upstream registry.UpstreamTransport) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &keyRecord{}
		m.states[key] = s
	}
	s.status = status
	s.subscriptionID = subscriptionID
	s.upstream = upstream
}

func (m *Manager) setEnabled(key registry.Key, subscriptionID string, upstream registry.UpstreamTransport) {
	m.setState(key, StatusEnabled, subscriptionID, upstream)
	m.stateMu.Lock()
	m.byEvent[subscriptionID] = key
	m.stateMu.Unlock()
}

// Release tears down the upstream subscription for key, if one exists,
// and always clears any local state for key — including a
// StatusDisabled record left by a prior missing_scope failure, since
// deleting every Interest backing a key is the operator action that
// lifts a permanent disable. Idempotent.
func (m *Manager) Release(ctx context.Context, key registry.Key) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.stateMu.Lock()
	s, ok := m.states[key]
	if !ok {
		m.stateMu.Unlock()
		return nil
	}
	subID := s.subscriptionID
	if subID != "" {
		delete(m.byEvent, subID)
	}
	delete(m.states, key)
	m.stateMu.Unlock()

	if subID == "" {
		return nil
	}

	if err := m.client.DeleteSubscription(ctx, subID); err != nil && m.logger != nil {
		m.logger.Warn("failed to delete upstream subscription", "subscription_id", subID, "key", key, "error", err)
	}

	if m.store != nil {
		_ = m.store.DeleteSubscription(key)
	}

	return nil
}

// ReconcileStartup loads every live InterestKey, lists Twitch's current
// subscriptions, and reuses/creates/deletes rows so the two agree.
func (m *Manager) ReconcileStartup(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.RecordReconcileCycle(ctx, "startup")
	}

	liveKeys := m.registry.AllKeys()
	liveSet := make(map[registry.Key]bool, len(liveKeys))
	for _, k := range liveKeys {
		liveSet[k] = true
	}

	existing, err := m.client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list existing subscriptions: %w", err)
	}

	reused := 0
	for _, sub := range existing {
		key := registry.Key{EventType: sub.Type, BroadcasterUserID: sub.Condition["broadcaster_user_id"]}
		// bot_account_id cannot be recovered from Twitch's subscription
		// record; match whichever live key shares (event_type, broadcaster).
		matched, ok := m.matchLiveKey(liveSet, key)
		if !ok {
			if webhookOnlyEventTypes[sub.Type] {
				continue // permanent system subscription, never torn down
			}
			if err := m.client.DeleteSubscription(ctx, sub.ID); err != nil && m.logger != nil {
				m.logger.Warn("failed to delete orphaned subscription", "subscription_id", sub.ID, "error", err)
			}
			continue
		}

		upstream := registry.UpstreamWebhook
		if sub.Transport.Method == "websocket" {
			upstream = registry.UpstreamWS
		}
		m.setEnabled(matched, sub.ID, upstream)
		reused++
	}

	created := 0
	for _, key := range liveKeys {
		m.stateMu.RLock()
		_, already := m.states[key]
		m.stateMu.RUnlock()
		if already {
			continue
		}
		if err := m.Ensure(ctx, key); err != nil && m.logger != nil {
			m.logger.Error("failed to create subscription during reconcile", "key", key, "error", err)
			continue
		}
		created++
	}

	if m.logger != nil {
		m.logger.Info("startup reconciliation complete", "reused", reused, "created", created, "live_keys", len(liveKeys))
	}
	return nil
}

func (m *Manager) matchLiveKey(liveSet map[registry.Key]bool, partial registry.Key) (registry.Key, bool) {
	for k := range liveSet {
		if k.EventType == partial.EventType && k.BroadcasterUserID == partial.BroadcasterUserID {
			return k, true
		}
	}
	return registry.Key{}, false
}

// Route resolves the owning InterestKey for an upstream notification,
// builds the envelope, applies enrichment, and hands it to the
// FanoutHub for every matching Interest.
func (m *Manager) Route(ctx context.Context, subscriptionID, eventType, broadcasterUserID, messageID string, event json.RawMessage, enricher envelope.Enricher) {
	key, ok := m.resolveKey(subscriptionID, eventType, broadcasterUserID)
	if !ok {
		if m.logger != nil {
			m.logger.Warn("dropping notification for unknown subscription", "subscription_id", subscriptionID, "event_type", eventType)
		}
		return
	}

	env := envelope.Build(messageID, eventType, event, time.Now())
	envelope.ApplyEnrichment(ctx, m.logger, enricher, broadcasterUserID, &env)

	for _, in := range m.registry.Lookup(key) {
		m.fanout.Deliver(ctx, in, env)
	}
}

func (m *Manager) resolveKey(subscriptionID, eventType, broadcasterUserID string) (registry.Key, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	if key, ok := m.byEvent[subscriptionID]; ok {
		return key, true
	}

	for key := range m.states {
		if key.EventType == eventType && key.BroadcasterUserID == broadcasterUserID {
			return key, true
		}
	}
	return registry.Key{}, false
}

// EmitSubscriptionError synthesizes a subscription.error envelope for
// every service interested in key, rate-limited per (service, key,
// code) to once per minute.
func (m *Manager) EmitSubscriptionError(key registry.Key, bot BotAccount, code, reason string, upstream registry.UpstreamTransport) {
	if m.metrics != nil {
		m.metrics.RecordSubscriptionError(context.Background(), code)
	}
	for _, in := range m.registry.Lookup(key) {
		throttleKey := fmt.Sprintf("%s|%s|%s|%s|%s", in.ServiceID, key.BotAccountID, key.EventType, key.BroadcasterUserID, code)
		if !m.errCool.Add(throttleKey) {
			continue
		}
		errEnv := envelope.BuildError(key.EventType, key.BroadcasterUserID, key.BotAccountID, string(upstream), code, reason, hintFor(code))
		m.fanout.DeliverError(in, errEnv)
	}
}

func hintFor(code string) string {
	switch code {
	case "missing_scope":
		return "ask the broadcaster to re-authorize with the required scope"
	case "insufficient_permissions":
		return "the bot account lacks permission for this broadcaster"
	default:
		return ""
	}
}

// HandleRevocation clears local state for a subscription Twitch itself
// revoked, surfaces a subscription.error to every interested service,
// and attempts one re-Ensure: the owning InterestKey may still have
// live downstream interest, and a fresh token or re-authorized scope
// can make the retry succeed where the original grant failed.
func (m *Manager) HandleRevocation(ctx context.Context, subscriptionID, eventType, reason string) {
	m.stateMu.Lock()
	key, ok := m.byEvent[subscriptionID]
	var upstream registry.UpstreamTransport
	if ok {
		if s := m.states[key]; s != nil {
			upstream = s.upstream
		}
		delete(m.byEvent, subscriptionID)
		delete(m.states, key)
	}
	m.stateMu.Unlock()

	if !ok {
		if m.logger != nil {
			m.logger.Warn("revocation for unknown subscription", "subscription_id", subscriptionID, "event_type", eventType)
		}
		return
	}

	if m.store != nil {
		_ = m.store.DeleteSubscription(key)
	}

	if bot, err := m.bots.ResolveBotAccount(ctx, key.BotAccountID); err == nil {
		m.EmitSubscriptionError(key, bot, "revoked", reason, upstream)
	}

	if len(m.registry.Lookup(key)) > 0 {
		go func() {
			if err := m.Ensure(context.Background(), key); err != nil && m.logger != nil {
				m.logger.Warn("failed to re-ensure subscription after revocation", "key", key, "error", err)
			}
		}()
	}
}
