package twitchclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSubscriptionSuccess(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req createSubscriptionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "channel.follow", req.Type)
		assert.Equal(t, "websocket", req.Transport.Method)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(subscriptionListResponse{
			Data: []Subscription{{ID: "sub-1", Status: "enabled", Type: "channel.follow"}},
		})
	})

	sub, err := c.CreateSubscription(context.Background(), "channel.follow", "2", map[string]string{"broadcaster_user_id": "123"},
		SubscriptionTransport{Method: "websocket", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
}

func TestCreateSubscriptionAsUsesUserAccessToken(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token-1", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(subscriptionListResponse{
			Data: []Subscription{{ID: "sub-1", Status: "enabled", Type: "channel.follow"}},
		})
	})

	sub, err := c.CreateSubscriptionAs(context.Background(), "channel.follow", "2", map[string]string{"broadcaster_user_id": "123"},
		SubscriptionTransport{Method: "websocket", SessionID: "sess-1"}, "user-token-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
}

func TestCreateSubscriptionTerminalErrorDoesNotRetry(t *testing.T) {
	calls := 0
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"missing scope"}`))
	})

	_, err := c.CreateSubscription(context.Background(), "channel.follow", "2", map[string]string{"broadcaster_user_id": "123"},
		SubscriptionTransport{Method: "websocket", SessionID: "sess-1"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindMissingScope))
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestListSubscriptionsFollowsPagination(t *testing.T) {
	page := 0
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		page++
		resp := subscriptionListResponse{}
		if r.URL.Query().Get("after") == "" {
			resp.Data = []Subscription{{ID: "sub-1"}}
			resp.Pagination.Cursor = "cursor-1"
		} else {
			resp.Data = []Subscription{{ID: "sub-2"}}
		}
		json.NewEncoder(w).Encode(resp)
	})

	subs, err := c.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, 2, page)
}

func TestDeleteSubscriptionSuccess(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "sub-1", r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DeleteSubscription(context.Background(), "sub-1"))
}

func TestDeleteSubscriptionNotFoundIsNotAnError(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, c.DeleteSubscription(context.Background(), "sub-1"))
}
