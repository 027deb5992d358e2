// Package dedupe implements the bounded-time seen-id set used to dedupe
// upstream webhook notifications, WS notifications racing a session
// switchover, and outgoing subscription.error throttling keys.
//
// The shape is lifted from itsjustintv's internal/cache.Manager: a
// mutex-guarded map of entries with an expiry, a periodic cleanup
// goroutine, and no persistence across restarts (Twitch's own retry
// window and WS replay make that an acceptable gap, see SPEC_FULL.md).
package dedupe

import (
	"log/slog"
	"sync"
	"time"
)

// Window is a TTL-bounded set of recently-seen ids. It has no size
// bound; entries leave only when they expire.
type Window struct {
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
	stopCh  chan struct{}
	stopped bool
}

// New creates a dedupe window with the given entry lifetime.
func New(logger *slog.Logger, ttl time.Duration) *Window {
	return &Window{
		logger:  logger,
		ttl:     ttl,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic cleanup routine. Safe to call at most once.
func (w *Window) Start() {
	go w.cleanupRoutine()
}

// Stop halts the cleanup routine.
func (w *Window) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
}

// Add records id as seen and reports whether it was fresh (not
// previously seen within the TTL) or a duplicate.
func (w *Window) Add(id string) (fresh bool) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if expiresAt, ok := w.entries[id]; ok && now.Before(expiresAt) {
		return false
	}

	w.entries[id] = now.Add(w.ttl)
	return true
}

// Seen reports whether id is currently tracked without recording it.
func (w *Window) Seen(id string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	expiresAt, ok := w.entries[id]
	return ok && now.Before(expiresAt)
}

// Len returns the number of tracked entries, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) cleanupRoutine() {
	interval := w.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.cleanup()
		}
	}
}

func (w *Window) cleanup() {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, expiresAt := range w.entries {
		if now.After(expiresAt) {
			delete(w.entries, id)
			removed++
		}
	}

	if removed > 0 && w.logger != nil {
		w.logger.Debug("dedupe window cleanup", "removed", removed, "remaining", len(w.entries))
	}
}
