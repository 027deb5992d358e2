package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadInterestsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s := New(nil, path)
	in := registry.Interest{
		ID:        "int-1",
		ServiceID: "svc-a",
		Key:       registry.Key{BotAccountID: "bot-1", EventType: "channel.follow", BroadcasterUserID: "123"},
		Transport: registry.TransportWS,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveInterest(in))

	reloaded := New(nil, path)
	require.NoError(t, reloaded.Load())

	loaded, err := reloaded.LoadInterests()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, in.ID, loaded[0].ID)
	assert.Equal(t, in.Key, loaded[0].Key)
}

func TestSaveInterestUpdatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := New(nil, path)

	in := registry.Interest{ID: "int-1", ServiceID: "svc-a", Transport: registry.TransportWS}
	require.NoError(t, s.SaveInterest(in))

	in.Transport = registry.TransportWebhook
	in.WebhookURL = "https://svc.example/hook"
	require.NoError(t, s.SaveInterest(in))

	loaded, err := s.LoadInterests()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, registry.TransportWebhook, loaded[0].Transport)
}

func TestDeleteInterestRemovesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := New(nil, path)

	require.NoError(t, s.SaveInterest(registry.Interest{ID: "int-1"}))
	require.NoError(t, s.SaveInterest(registry.Interest{ID: "int-2"}))

	require.NoError(t, s.DeleteInterest("int-1"))

	loaded, err := s.LoadInterests()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "int-2", loaded[0].ID)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s := New(nil, path)
	require.NoError(t, s.Load())

	loaded, err := s.LoadInterests()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := New(nil, path)

	key := registry.Key{BotAccountID: "bot-1", EventType: "channel.follow", BroadcasterUserID: "123"}
	state := UpstreamSubscriptionState{
		SubscriptionID: "sub-1",
		Key:            key,
		Upstream:       registry.UpstreamWS,
		Status:         "enabled",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSubscription(state))

	reloaded := New(nil, path)
	require.NoError(t, reloaded.Load())

	loaded, err := reloaded.LoadSubscriptions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sub-1", loaded[0].SubscriptionID)

	require.NoError(t, reloaded.DeleteSubscription(key))
	loaded, err = reloaded.LoadSubscriptions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestIncrCounterAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := New(nil, path)

	require.NoError(t, s.IncrCounter("svc-a", "events_routed", 3))
	require.NoError(t, s.IncrCounter("svc-a", "events_routed", 2))
	require.NoError(t, s.IncrCounter("svc-b", "webhook_failures", 1))

	counters := s.Counters()
	assert.Equal(t, int64(5), counters["svc-a"]["events_routed"])
	assert.Equal(t, int64(1), counters["svc-b"]["webhook_failures"])
}
