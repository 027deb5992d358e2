package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSetsProviderAndUTCTimestamp(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("test", 3600))
	env := Build("m1", "channel.follow", json.RawMessage(`{"broadcaster_user_id":"123"}`), at)

	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, "twitch", env.Provider)
	assert.Equal(t, "channel.follow", env.Type)
	assert.Equal(t, time.UTC, env.EventTimestamp.Location())
	assert.Empty(t, env.ChatAssets)
}

func TestBuildErrorEnvelope(t *testing.T) {
	errEnv := BuildError("channel.chat.message", "123", "bot-1", "ws", "insufficient_permissions", "broadcaster has not authorized this scope", "ask the broadcaster to re-auth")
	assert.Equal(t, "subscription.error", errEnv.Type)
	assert.Equal(t, "insufficient_permissions", errEnv.ErrorCode)
	assert.Equal(t, "bot-1", errEnv.BotAccountID)
}

type stubEnricher struct {
	assets json.RawMessage
	err    error
	calls  int
}

func (s *stubEnricher) Enrich(_ context.Context, _, _ string) (json.RawMessage, error) {
	s.calls++
	return s.assets, s.err
}

func TestApplyEnrichmentOnlyForChatEvents(t *testing.T) {
	enricher := &stubEnricher{assets: json.RawMessage(`{"badges":[]}`)}

	followEnv := Build("m1", "channel.follow", json.RawMessage(`{}`), time.Now())
	ApplyEnrichment(context.Background(), nil, enricher, "123", &followEnv)
	assert.Equal(t, 0, enricher.calls)
	assert.Empty(t, followEnv.ChatAssets)

	chatEnv := Build("m2", "channel.chat.message", json.RawMessage(`{}`), time.Now())
	ApplyEnrichment(context.Background(), nil, enricher, "123", &chatEnv)
	assert.Equal(t, 1, enricher.calls)
	assert.JSONEq(t, `{"badges":[]}`, string(chatEnv.ChatAssets))
}

func TestApplyEnrichmentSwallowsErrors(t *testing.T) {
	enricher := &stubEnricher{err: errors.New("helix unavailable")}

	chatEnv := Build("m3", "channel.chat.message", json.RawMessage(`{}`), time.Now())
	require.NotPanics(t, func() {
		ApplyEnrichment(context.Background(), nil, enricher, "123", &chatEnv)
	})
	assert.Empty(t, chatEnv.ChatAssets)
}

func TestApplyEnrichmentNilEnricherIsNoop(t *testing.T) {
	chatEnv := Build("m4", "channel.chat.message", json.RawMessage(`{}`), time.Now())
	ApplyEnrichment(context.Background(), nil, nil, "123", &chatEnv)
	assert.Empty(t, chatEnv.ChatAssets)
}
