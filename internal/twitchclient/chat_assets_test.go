package twitchclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetChannelChatAssetsCombinesBadgesAndEmotes(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "badges"):
			json.NewEncoder(w).Encode(struct {
				Data json.RawMessage `json:"data"`
			}{Data: json.RawMessage(`[{"set_id":"subscriber"}]`)})
		case strings.Contains(r.URL.Path, "emotes"):
			json.NewEncoder(w).Encode(struct {
				Data json.RawMessage `json:"data"`
			}{Data: json.RawMessage(`[{"name":"PogChamp"}]`)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	assets, err := c.GetChannelChatAssets(context.Background(), "123")
	require.NoError(t, err)
	assert.Contains(t, string(assets), "subscriber")
	assert.Contains(t, string(assets), "PogChamp")
}
