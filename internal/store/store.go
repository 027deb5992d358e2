// Package store persists the live Interest set, upstream subscription
// state, and per-service counters to a JSON file so the bridge can
// rebuild its in-memory indices on restart without re-deriving them
// from Twitch. The whole-file load-at-start/save-on-mutation shape
// follows itsjustintv's internal/cache.Manager and internal/retry.Manager.
//
// No SQL or key-value driver is grounded anywhere in the retrieved
// example pack, so this stays a flat JSON file guarded by a mutex
// rather than reaching for an unfamiliar ecosystem client.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/registry"
)

// UpstreamSubscriptionState is the persisted record of a live Twitch
// EventSub subscription backing one registry Key.
type UpstreamSubscriptionState struct {
	SubscriptionID string               `json:"subscription_id"`
	Key            registry.Key         `json:"key"`
	Upstream       registry.UpstreamTransport `json:"upstream"`
	Status         string               `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}

type document struct {
	Interests     []registry.Interest                  `json:"interests"`
	Subscriptions []UpstreamSubscriptionState           `json:"subscriptions"`
	Counters      map[string]map[string]int64          `json:"counters"`
}

// Store is the JSON-file-backed persisted mirror.
type Store struct {
	logger *slog.Logger
	path   string

	mu   sync.Mutex
	doc  document
}

// New creates a Store backed by path. The file is not read until Load
// is called.
func New(logger *slog.Logger, path string) *Store {
	return &Store{
		logger: logger,
		path:   path,
		doc: document{
			Interests:     make([]registry.Interest, 0),
			Subscriptions: make([]UpstreamSubscriptionState, 0),
			Counters:      make(map[string]map[string]int64),
		},
	}
}

// Load reads the persisted document from disk, if present. A missing
// file is not an error: the bridge simply starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal store file: %w", err)
	}

	if doc.Counters == nil {
		doc.Counters = make(map[string]map[string]int64)
	}
	s.doc = doc

	if s.logger != nil {
		s.logger.Info("loaded persisted store",
			"interests", len(doc.Interests),
			"subscriptions", len(doc.Subscriptions))
	}
	return nil
}

// save writes the current document to disk. Caller must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

// SaveInterest upserts in into the persisted interest list and flushes
// to disk. Satisfies registry.Store.
func (s *Store) SaveInterest(in registry.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.doc.Interests {
		if existing.ID == in.ID {
			s.doc.Interests[i] = in
			return s.save()
		}
	}
	s.doc.Interests = append(s.doc.Interests, in)
	return s.save()
}

// DeleteInterest removes id from the persisted interest list and
// flushes to disk. Satisfies registry.Store.
func (s *Store) DeleteInterest(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.doc.Interests {
		if existing.ID == id {
			s.doc.Interests = append(s.doc.Interests[:i], s.doc.Interests[i+1:]...)
			return s.save()
		}
	}
	return nil
}

// LoadInterests returns a snapshot of every persisted interest.
// Satisfies registry.Store.
func (s *Store) LoadInterests() ([]registry.Interest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]registry.Interest, len(s.doc.Interests))
	copy(out, s.doc.Interests)
	return out, nil
}

// SaveSubscription upserts the subscription state for key and flushes
// to disk.
func (s *Store) SaveSubscription(state UpstreamSubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.doc.Subscriptions {
		if existing.Key == state.Key {
			s.doc.Subscriptions[i] = state
			return s.save()
		}
	}
	s.doc.Subscriptions = append(s.doc.Subscriptions, state)
	return s.save()
}

// DeleteSubscription removes the persisted subscription state for key.
func (s *Store) DeleteSubscription(key registry.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.doc.Subscriptions {
		if existing.Key == key {
			s.doc.Subscriptions = append(s.doc.Subscriptions[:i], s.doc.Subscriptions[i+1:]...)
			return s.save()
		}
	}
	return nil
}

// LoadSubscriptions returns a snapshot of every persisted subscription.
func (s *Store) LoadSubscriptions() ([]UpstreamSubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UpstreamSubscriptionState, len(s.doc.Subscriptions))
	copy(out, s.doc.Subscriptions)
	return out, nil
}

// IncrCounter bumps a named per-service counter (e.g. "events_routed",
// "webhook_failures") by delta and flushes to disk.
func (s *Store) IncrCounter(serviceID, name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Counters[serviceID]; !ok {
		s.doc.Counters[serviceID] = make(map[string]int64)
	}
	s.doc.Counters[serviceID][name] += delta
	return s.save()
}

// Counters returns a snapshot of all per-service counters.
func (s *Store) Counters() map[string]map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]int64, len(s.doc.Counters))
	for service, counters := range s.doc.Counters {
		inner := make(map[string]int64, len(counters))
		for k, v := range counters {
			inner[k] = v
		}
		out[service] = inner
	}
	return out
}
