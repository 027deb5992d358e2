package envelope

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBadgeClient struct {
	calls  int
	assets json.RawMessage
}

func (s *stubBadgeClient) GetChannelChatAssets(_ context.Context, _ string) (json.RawMessage, error) {
	s.calls++
	return s.assets, nil
}

func TestChatAssetEnricherCachesResult(t *testing.T) {
	client := &stubBadgeClient{assets: json.RawMessage(`{"emotes":["Kappa"]}`)}
	enricher := NewChatAssetEnricher(nil, client, time.Minute)

	first, err := enricher.Enrich(context.Background(), "channel.chat.message", "123")
	require.NoError(t, err)
	second, err := enricher.Enrich(context.Background(), "channel.chat.message", "123")
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, 1, client.calls, "second call should hit cache, not the client")
}

func TestChatAssetEnricherRefetchesAfterExpiry(t *testing.T) {
	client := &stubBadgeClient{assets: json.RawMessage(`{"emotes":[]}`)}
	enricher := NewChatAssetEnricher(nil, client, 5*time.Millisecond)

	_, err := enricher.Enrich(context.Background(), "channel.chat.message", "123")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = enricher.Enrich(context.Background(), "channel.chat.message", "123")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestChatAssetEnricherNoClientErrors(t *testing.T) {
	enricher := NewChatAssetEnricher(nil, nil, time.Minute)
	_, err := enricher.Enrich(context.Background(), "channel.chat.message", "123")
	require.Error(t, err)
}
