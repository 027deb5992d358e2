package twitchclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withStubTwitchServers(t *testing.T, oauthHandler, helixHandler http.HandlerFunc) *Client {
	t.Helper()

	oauthSrv := httptest.NewServer(oauthHandler)
	t.Cleanup(oauthSrv.Close)

	helixSrv := httptest.NewServer(helixHandler)
	t.Cleanup(helixSrv.Close)

	origOAuth, origHelix := oauthTokenURL, helixBaseURL
	oauthTokenURL = oauthSrv.URL
	helixBaseURL = helixSrv.URL
	t.Cleanup(func() {
		oauthTokenURL = origOAuth
		helixBaseURL = origHelix
	})

	return New(nil, "client-id", "client-secret", filepath.Join(t.TempDir(), "token.json"))
}

func tokenHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(appToken{
			AccessToken: "test-token",
			TokenType:   "bearer",
			ExpiresIn:   3600,
		})
	}
}

func TestEnsureValidTokenMintsAndCaches(t *testing.T) {
	calls := 0
	c := withStubTwitchServers(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		tokenHandler(t)(w, r)
	}, nil)

	require.NoError(t, c.EnsureValidToken(context.Background()))
	require.NoError(t, c.EnsureValidToken(context.Background()))

	assert.Equal(t, 1, calls, "a still-valid token must not be re-minted")
}

func TestGetUserByLogin(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "client-id", r.Header.Get("Client-Id"))
		assert.Equal(t, "somechannel", r.URL.Query().Get("login"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Data []User `json:"data"`
		}{Data: []User{{ID: "123", Login: "somechannel", DisplayName: "SomeChannel"}}})
	})

	user, err := c.GetUserByLogin(context.Background(), "somechannel")
	require.NoError(t, err)
	assert.Equal(t, "123", user.ID)
}

func TestGetUserByLoginNotFound(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Data []User `json:"data"`
		}{Data: nil})
	})

	_, err := c.GetUserByLogin(context.Background(), "nobody")
	require.Error(t, err)
}

func TestResolveBroadcasterIDDelegatesToGetUserByLogin(t *testing.T) {
	c := withStubTwitchServers(t, tokenHandler(t), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Data []User `json:"data"`
		}{Data: []User{{ID: "456", Login: "other"}}})
	})

	id, err := c.ResolveBroadcasterID(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, "456", id)
}

func TestSaveAndLoadTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	c := New(nil, "client-id", "client-secret", path)
	c.token = &appToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, c.Stop())

	reloaded := New(nil, "client-id", "client-secret", path)
	require.NoError(t, reloaded.loadToken())
	require.NotNil(t, reloaded.token)
	assert.Equal(t, "tok", reloaded.token.AccessToken)
}
