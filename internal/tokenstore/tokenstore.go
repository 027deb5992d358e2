// Package tokenstore mints and consumes short-lived, single-use
// WebSocket auth tokens for the downstream-facing /ws/events endpoint.
// The mutex-guarded map-with-expiry shape follows the same idiom as
// itsjustintv's internal/cache.Manager.
package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
)

// DefaultTTL is the lifetime of a minted token.
const DefaultTTL = 60 * time.Second

type entry struct {
	serviceID string
	expiresAt time.Time
	consumed  bool
}

// Store mints and consumes WsAuthTokens.
type Store struct {
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a token store with the given token lifetime.
func New(logger *slog.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		logger:  logger,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Mint returns a new opaque 256-bit base64url token bound to serviceID.
func (s *Store) Mint(serviceID string) (token string, expiresIn time.Duration, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", 0, err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	s.entries[token] = &entry{
		serviceID: serviceID,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Debug("minted ws auth token", "service_id", serviceID, "ttl", s.ttl)
	}

	return token, s.ttl, nil
}

// Consume atomically validates and invalidates a token, returning the
// bound service id. Each token may be consumed at most once.
func (s *Store) Consume(token string) (serviceID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return "", bridgeerr.New(bridgeerr.KindInvalidToken, "token not recognized")
	}

	if e.consumed {
		return "", bridgeerr.New(bridgeerr.KindAlreadyUsed, "token already consumed")
	}

	if time.Now().After(e.expiresAt) {
		delete(s.entries, token)
		return "", bridgeerr.New(bridgeerr.KindExpiredToken, "token expired")
	}

	e.consumed = true
	delete(s.entries, token)

	return e.serviceID, nil
}

// Sweep removes expired, unconsumed entries. Intended to be called
// periodically so the map doesn't grow unbounded under churn.
func (s *Store) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for token, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, token)
		}
	}
}

// Len reports the number of live (possibly expired) entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
