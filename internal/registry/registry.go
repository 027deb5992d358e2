package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
)

// BroadcasterResolver resolves a broadcaster_user_id, login, or channel
// URL into a numeric Twitch user id. Implemented by internal/twitchclient.
type BroadcasterResolver interface {
	ResolveBroadcasterID(ctx context.Context, input string) (string, error)
}

// Store is the persisted mirror of live Interests. Implemented by
// internal/store.
type Store interface {
	SaveInterest(in Interest) error
	DeleteInterest(id string) error
	LoadInterests() ([]Interest, error)
}

// KeyObserver is notified when a Key transitions to/from having zero
// live interests, so the SubscriptionManager can ensure/release the
// upstream subscription. Registered by the caller that owns reconciliation.
type KeyObserver interface {
	OnKeyBecameLive(key Key)
	OnKeyBecameEmpty(key Key)
}

// Registry maintains InterestKey -> set<Interest> and the reverse
// service_id -> set<Interest> index. All mutating operations on a given
// Key are serialized through a per-key mutex; reads (Lookup, AllKeys)
// take a shared read lock on the index.
type Registry struct {
	logger   *slog.Logger
	resolver BroadcasterResolver
	store    Store
	observer KeyObserver

	mu         sync.RWMutex
	byKey      map[Key]map[string]Interest // Key -> interest id -> Interest
	byService  map[string]map[string]Key   // service id -> interest id -> Key
	keyLocksMu sync.Mutex
	keyLocks   map[Key]*sync.Mutex
}

// New creates an empty registry.
func New(logger *slog.Logger, resolver BroadcasterResolver, store Store) *Registry {
	return &Registry{
		logger:    logger,
		resolver:  resolver,
		store:     store,
		byKey:     make(map[Key]map[string]Interest),
		byService: make(map[string]map[string]Key),
		keyLocks:  make(map[Key]*sync.Mutex),
	}
}

// LoadFromStore hydrates the in-memory index from the persistent mirror.
// Intended to be called once at boot, before any other operation.
func (r *Registry) LoadFromStore() error {
	if r.store == nil {
		return nil
	}
	interests, err := r.store.LoadInterests()
	if err != nil {
		return fmt.Errorf("load interests: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range interests {
		r.insertLocked(in)
	}

	if r.logger != nil {
		r.logger.Info("hydrated interest registry from store", "count", len(interests))
	}
	return nil
}

func (r *Registry) keyLock(key Key) *sync.Mutex {
	r.keyLocksMu.Lock()
	defer r.keyLocksMu.Unlock()

	m, ok := r.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		r.keyLocks[key] = m
	}
	return m
}

// Upsert creates or touches an Interest for (service, bot, event_type,
// broadcaster, transport, webhook_url). Two upserts of the identical
// tuple return the same Interest id. Companion stream.online/offline
// interests are created on first insert for the (service, bot,
// broadcaster) triple, with suppressed recursion.
func (r *Registry) Upsert(ctx context.Context, service, bot, eventType, broadcasterInput string, transport Transport, webhookURL string) (*Interest, error) {
	return r.upsert(ctx, service, bot, eventType, broadcasterInput, transport, webhookURL, true)
}

func (r *Registry) upsert(ctx context.Context, service, bot, eventType, broadcasterInput string, transport Transport, webhookURL string, withCompanions bool) (*Interest, error) {
	if transport == TransportWebhook && webhookURL == "" {
		return nil, bridgeerr.New(bridgeerr.KindWebhookURLRequired, "webhook transport requires webhook_url")
	}

	broadcasterID, err := r.resolveBroadcaster(ctx, broadcasterInput)
	if err != nil {
		return nil, err
	}

	key := Key{BotAccountID: bot, EventType: eventType, BroadcasterUserID: broadcasterID}
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	wasEmpty := r.keyLiveCount(key) == 0

	want := Interest{
		ServiceID:  service,
		Key:        key,
		Transport:  transport,
		WebhookURL: webhookURL,
	}

	existing, found := r.findByTuple(want)
	if found {
		existing.UpdatedAt = time.Now().UTC()
		r.mu.Lock()
		r.byKey[key][existing.ID] = existing
		r.mu.Unlock()
		r.persist(existing)
		return &existing, nil
	}

	in := want
	in.ID = uuid.NewString()
	in.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	r.insertLocked(in)
	r.mu.Unlock()
	r.persist(in)

	if wasEmpty && r.observer != nil {
		r.observer.OnKeyBecameLive(key)
	}

	if withCompanions {
		r.ensureCompanions(ctx, service, bot, eventType, broadcasterID)
	}

	return &in, nil
}

// ensureCompanions creates stream.online/stream.offline ws interests on
// the same (service, bot, broadcaster) unless the triggering event type
// already is one of them.
func (r *Registry) ensureCompanions(ctx context.Context, service, bot, eventType, broadcasterID string) {
	for _, companionType := range companionEventTypes {
		if companionType == eventType {
			continue
		}
		if _, err := r.upsert(ctx, service, bot, companionType, broadcasterID, TransportWS, "", false); err != nil && r.logger != nil {
			r.logger.Warn("failed to create companion interest",
				"service", service, "bot", bot, "companion_type", companionType, "error", err)
		}
	}
}

func (r *Registry) resolveBroadcaster(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", bridgeerr.New(bridgeerr.KindInvalidBroadcaster, "broadcaster identifier is empty")
	}

	if isNumeric(input) {
		return input, nil
	}

	login := input
	if idx := strings.LastIndex(input, "/"); idx >= 0 {
		login = input[idx+1:]
	}
	login = strings.TrimPrefix(login, "@")

	if r.resolver == nil {
		return "", bridgeerr.New(bridgeerr.KindInvalidBroadcaster, "broadcaster login requires a resolver")
	}

	id, err := r.resolver.ResolveBroadcasterID(ctx, login)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidBroadcaster, "failed to resolve broadcaster", err)
	}
	if id == "" {
		return "", bridgeerr.New(bridgeerr.KindInvalidBroadcaster, "broadcaster not found: "+login)
	}
	return id, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// findByTuple returns the existing Interest matching the unique tuple,
// if any. Caller must hold the per-key lock; this takes its own read
// lock over the map.
func (r *Registry) findByTuple(want Interest) (Interest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, in := range r.byKey[want.Key] {
		if tupleOf(in) == tupleOf(want) {
			return in, true
		}
	}
	return Interest{}, false
}

// insertLocked adds in to both indices. Caller must hold r.mu (write).
func (r *Registry) insertLocked(in Interest) {
	if _, ok := r.byKey[in.Key]; !ok {
		r.byKey[in.Key] = make(map[string]Interest)
	}
	r.byKey[in.Key][in.ID] = in

	if _, ok := r.byService[in.ServiceID]; !ok {
		r.byService[in.ServiceID] = make(map[string]Key)
	}
	r.byService[in.ServiceID][in.ID] = in.Key
}

// keyLiveCount returns how many interests currently exist for key.
// Caller need not hold the per-key lock (used to compute wasEmpty before
// acquiring it is not required since we call this after lock).
func (r *Registry) keyLiveCount(key Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

// Delete removes interest id owned by service. Returns whether it was
// found and whether its Key now has zero remaining interests across all
// services (signaling the caller to tear down the upstream subscription).
func (r *Registry) Delete(service, interestID string) (deleted bool, lastForKey bool, err error) {
	r.mu.RLock()
	key, ok := r.byService[service][interestID]
	r.mu.RUnlock()
	if !ok {
		return false, false, nil
	}

	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if _, stillThere := r.byKey[key][interestID]; !stillThere {
		r.mu.Unlock()
		return false, false, nil
	}
	delete(r.byKey[key], interestID)
	if len(r.byKey[key]) == 0 {
		delete(r.byKey, key)
	}
	delete(r.byService[service], interestID)
	if len(r.byService[service]) == 0 {
		delete(r.byService, service)
	}
	remaining := len(r.byKey[key])
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteInterest(interestID); err != nil && r.logger != nil {
			r.logger.Warn("failed to delete interest from store", "interest_id", interestID, "error", err)
		}
	}

	if remaining == 0 && r.observer != nil {
		r.observer.OnKeyBecameEmpty(key)
	}

	return true, remaining == 0, nil
}

// Heartbeat touches updated_at on every interest sharing (service, bot,
// broadcaster) with the target interest. This group heartbeat is
// intentional: downstream need only keep one interest alive to keep the
// whole cluster alive.
func (r *Registry) Heartbeat(service, interestID string) error {
	r.mu.RLock()
	key, ok := r.byService[service][interestID]
	r.mu.RUnlock()
	if !ok {
		return bridgeerr.New(bridgeerr.KindNotFound, "interest not found: "+interestID)
	}

	groupKey := groupOf(key)

	r.mu.Lock()
	now := time.Now().UTC()
	var touched []Interest
	for k, interests := range r.byKey {
		if groupOf(k) != groupKey {
			continue
		}
		for id, in := range interests {
			if in.ServiceID != service {
				continue
			}
			in.UpdatedAt = now
			interests[id] = in
			touched = append(touched, in)
		}
	}
	r.mu.Unlock()

	for _, in := range touched {
		r.persist(in)
	}

	return nil
}

type group struct {
	bot         string
	broadcaster string
}

func groupOf(k Key) group {
	return group{bot: k.BotAccountID, broadcaster: k.BroadcasterUserID}
}

// Lookup returns a snapshot of Interests sharing key.
func (r *Registry) Lookup(key Key) []Interest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Interest, 0, len(r.byKey[key]))
	for _, in := range r.byKey[key] {
		out = append(out, in)
	}
	return out
}

// AllKeys returns a snapshot of every Key with at least one live Interest.
func (r *Registry) AllKeys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}

// PruneStale removes every Interest whose UpdatedAt is older than ttl
// and returns the removed rows. Keys that become empty notify the
// registered KeyObserver so the SubscriptionManager can release them.
func (r *Registry) PruneStale(now time.Time, ttl time.Duration) []Interest {
	cutoff := now.Add(-ttl)

	var removed []Interest
	var emptied []Key

	r.mu.Lock()
	for key, interests := range r.byKey {
		for id, in := range interests {
			if in.UpdatedAt.Before(cutoff) {
				delete(interests, id)
				delete(r.byService[in.ServiceID], id)
				if len(r.byService[in.ServiceID]) == 0 {
					delete(r.byService, in.ServiceID)
				}
				removed = append(removed, in)
			}
		}
		if len(interests) == 0 {
			delete(r.byKey, key)
			emptied = append(emptied, key)
		}
	}
	r.mu.Unlock()

	for _, in := range removed {
		if r.store != nil {
			if err := r.store.DeleteInterest(in.ID); err != nil && r.logger != nil {
				r.logger.Warn("failed to delete pruned interest from store", "interest_id", in.ID, "error", err)
			}
		}
	}

	if r.observer != nil {
		for _, key := range emptied {
			r.observer.OnKeyBecameEmpty(key)
		}
	}

	if len(removed) > 0 && r.logger != nil {
		r.logger.Info("pruned stale interests", "count", len(removed))
	}

	return removed
}

// SetObserver registers the KeyObserver used by Upsert/Delete/PruneStale
// to signal liveness transitions. Must be called once during wiring,
// before the registry is exposed to request handlers.
func (r *Registry) SetObserver(observer KeyObserver) {
	r.observer = observer
}

func (r *Registry) persist(in Interest) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveInterest(in); err != nil && r.logger != nil {
		r.logger.Warn("failed to persist interest", "interest_id", in.ID, "error", err)
	}
}
