package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BadgeEmoteClient fetches the raw channel badge/emote payload for a
// broadcaster from Twitch Helix. Implemented by internal/twitchclient.
type BadgeEmoteClient interface {
	GetChannelChatAssets(ctx context.Context, broadcasterUserID string) (json.RawMessage, error)
}

type cachedAssets struct {
	data      json.RawMessage
	expiresAt time.Time
}

// ChatAssetEnricher is the Enricher for channel.chat.* events: it
// fetches and caches per-broadcaster badges/emotes, mirroring the
// cache-then-fetch-then-cache shape of itsjustintv's
// internal/twitch.Enricher.getProfileImage, but in memory rather than
// on disk (assets are small JSON blobs, not image bytes).
type ChatAssetEnricher struct {
	logger *slog.Logger
	client BadgeEmoteClient
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedAssets
}

// NewChatAssetEnricher creates an Enricher backed by client, caching
// results per broadcaster for ttl.
func NewChatAssetEnricher(logger *slog.Logger, client BadgeEmoteClient, ttl time.Duration) *ChatAssetEnricher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ChatAssetEnricher{
		logger: logger,
		client: client,
		ttl:    ttl,
		cache:  make(map[string]cachedAssets),
	}
}

// Enrich implements envelope.Enricher.
func (e *ChatAssetEnricher) Enrich(ctx context.Context, eventType, broadcasterUserID string) (json.RawMessage, error) {
	if e.client == nil {
		return nil, fmt.Errorf("no badge/emote client configured")
	}

	e.mu.Lock()
	if cached, ok := e.cache[broadcasterUserID]; ok && time.Now().Before(cached.expiresAt) {
		e.mu.Unlock()
		return cached.data, nil
	}
	e.mu.Unlock()

	assets, err := e.client.GetChannelChatAssets(ctx, broadcasterUserID)
	if err != nil {
		return nil, fmt.Errorf("fetch chat assets: %w", err)
	}

	e.mu.Lock()
	e.cache[broadcasterUserID] = cachedAssets{data: assets, expiresAt: time.Now().Add(e.ttl)}
	e.mu.Unlock()

	return assets, nil
}
