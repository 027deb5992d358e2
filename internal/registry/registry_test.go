package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	logins map[string]string
}

func (s *stubResolver) ResolveBroadcasterID(_ context.Context, input string) (string, error) {
	if id, ok := s.logins[input]; ok {
		return id, nil
	}
	return "", assert.AnError
}

type memStore struct {
	saved   map[string]Interest
	deletes []string
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]Interest)}
}

func (m *memStore) SaveInterest(in Interest) error {
	m.saved[in.ID] = in
	return nil
}

func (m *memStore) DeleteInterest(id string) error {
	m.deletes = append(m.deletes, id)
	delete(m.saved, id)
	return nil
}

func (m *memStore) LoadInterests() ([]Interest, error) {
	out := make([]Interest, 0, len(m.saved))
	for _, in := range m.saved {
		out = append(out, in)
	}
	return out, nil
}

type stubObserver struct {
	live  []Key
	empty []Key
}

func (o *stubObserver) OnKeyBecameLive(key Key)  { o.live = append(o.live, key) }
func (o *stubObserver) OnKeyBecameEmpty(key Key) { o.empty = append(o.empty, key) }

func newTestRegistry() (*Registry, *memStore, *stubObserver) {
	resolver := &stubResolver{logins: map[string]string{"somechannel": "123"}}
	store := newMemStore()
	r := New(nil, resolver, store)
	obs := &stubObserver{}
	r.SetObserver(obs)
	return r, store, obs
}

func TestUpsertCreatesInterestAndCompanions(t *testing.T) {
	r, store, obs := newTestRegistry()

	in, err := r.Upsert(context.Background(), "svc-a", "bot-1", "channel.chat.message", "somechannel", TransportWebhook, "https://svc.example/hook")
	require.NoError(t, err)
	assert.Equal(t, "123", in.Key.BroadcasterUserID)
	assert.Equal(t, TransportWebhook, in.Transport)

	key := Key{BotAccountID: "bot-1", EventType: "channel.chat.message", BroadcasterUserID: "123"}
	assert.Len(t, r.Lookup(key), 1)

	onlineKey := Key{BotAccountID: "bot-1", EventType: "stream.online", BroadcasterUserID: "123"}
	offlineKey := Key{BotAccountID: "bot-1", EventType: "stream.offline", BroadcasterUserID: "123"}
	require.Len(t, r.Lookup(onlineKey), 1)
	require.Len(t, r.Lookup(offlineKey), 1)
	assert.Equal(t, TransportWS, r.Lookup(onlineKey)[0].Transport)

	assert.Len(t, store.saved, 3)
	assert.Len(t, obs.live, 3)
}

func TestUpsertIsIdempotentForSameTuple(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	first, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWebhook, "https://svc.example/hook")
	require.NoError(t, err)

	second, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWebhook, "https://svc.example/hook")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	key := Key{BotAccountID: "bot-1", EventType: "channel.follow", BroadcasterUserID: "123"}
	assert.Len(t, r.Lookup(key), 1)
}

func TestUpsertWebhookRequiresURL(t *testing.T) {
	r, _, _ := newTestRegistry()

	_, err := r.Upsert(context.Background(), "svc-a", "bot-1", "channel.follow", "123", TransportWebhook, "")
	require.Error(t, err)
}

func TestUpsertRejectsUnknownBroadcaster(t *testing.T) {
	r, _, _ := newTestRegistry()

	_, err := r.Upsert(context.Background(), "svc-a", "bot-1", "channel.follow", "nosuchchannel", TransportWS, "")
	require.Error(t, err)
}

func TestUpsertAcceptsNumericBroadcasterWithoutResolver(t *testing.T) {
	r := New(nil, nil, newMemStore())

	in, err := r.Upsert(context.Background(), "svc-a", "bot-1", "channel.follow", "98765", TransportWS, "")
	require.NoError(t, err)
	assert.Equal(t, "98765", in.Key.BroadcasterUserID)
}

func TestDeleteRemovesInterestAndReportsLastForKey(t *testing.T) {
	r, store, obs := newTestRegistry()
	ctx := context.Background()

	in, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWS, "")
	require.NoError(t, err)

	deleted, last, err := r.Delete("svc-a", in.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, last)

	key := Key{BotAccountID: "bot-1", EventType: "channel.follow", BroadcasterUserID: "123"}
	assert.Empty(t, r.Lookup(key))
	assert.Contains(t, store.deletes, in.ID)
	assert.Contains(t, obs.empty, key)
}

func TestDeleteUnknownInterestIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry()

	deleted, last, err := r.Delete("svc-a", "does-not-exist")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.False(t, last)
}

func TestDeleteNotLastForKeyWhenSiblingRemains(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	a, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWS, "")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "svc-b", "bot-1", "channel.follow", "123", TransportWS, "")
	require.NoError(t, err)

	deleted, last, err := r.Delete("svc-a", a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, last)
}

func TestHeartbeatTouchesWholeGroup(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	chat, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.chat.message", "123", TransportWS, "")
	require.NoError(t, err)

	key := Key{BotAccountID: "bot-1", EventType: "channel.chat.message", BroadcasterUserID: "123"}
	before := r.Lookup(key)[0].UpdatedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("svc-a", chat.ID))

	onlineKey := Key{BotAccountID: "bot-1", EventType: "stream.online", BroadcasterUserID: "123"}
	after := r.Lookup(key)[0].UpdatedAt
	onlineAfter := r.Lookup(onlineKey)[0].UpdatedAt

	assert.True(t, after.After(before))
	assert.True(t, onlineAfter.After(before))
}

func TestHeartbeatUnknownInterest(t *testing.T) {
	r, _, _ := newTestRegistry()

	err := r.Heartbeat("svc-a", "does-not-exist")
	require.Error(t, err)
}

func TestPruneStaleRemovesOldInterestsAndNotifiesObserver(t *testing.T) {
	r, store, obs := newTestRegistry()
	ctx := context.Background()

	_, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWS, "")
	require.NoError(t, err)

	removed := r.PruneStale(time.Now().Add(time.Hour), time.Minute)
	assert.Len(t, removed, 3) // channel.follow + two companions
	assert.Empty(t, r.AllKeys())
	assert.Len(t, store.deletes, 3)
	assert.Len(t, obs.empty, 3)
}

func TestPruneStaleKeepsFreshInterests(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	_, err := r.Upsert(ctx, "svc-a", "bot-1", "channel.follow", "123", TransportWS, "")
	require.NoError(t, err)

	removed := r.PruneStale(time.Now(), time.Hour)
	assert.Empty(t, removed)
	assert.Len(t, r.AllKeys(), 3)
}

func TestLoadFromStoreHydratesIndices(t *testing.T) {
	store := newMemStore()
	seed := Interest{
		ID:        "seed-1",
		ServiceID: "svc-a",
		Key:       Key{BotAccountID: "bot-1", EventType: "channel.follow", BroadcasterUserID: "123"},
		Transport: TransportWS,
		UpdatedAt: time.Now(),
	}
	store.saved[seed.ID] = seed

	r := New(nil, nil, store)
	require.NoError(t, r.LoadFromStore())

	assert.Len(t, r.Lookup(seed.Key), 1)
}
