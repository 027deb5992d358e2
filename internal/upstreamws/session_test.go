package upstreamws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, messageType string, payload interface{}) {
	t.Helper()
	writeJSONWithID(t, ctx, conn, messageType, "", payload)
}

func writeJSONWithID(t *testing.T, ctx context.Context, conn *websocket.Conn, messageType, messageID string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	env := map[string]interface{}{
		"metadata": map[string]string{"message_type": messageType, "message_id": messageID},
		"payload":  json.RawMessage(raw),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestSessionReceivesWelcomeAndNotification(t *testing.T) {
	var welcomeSessionID string
	var notifMu sync.Mutex
	var gotMessageID, gotType, gotSubID string
	var gotEvent json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		writeJSON(t, ctx, conn, "session_welcome", map[string]interface{}{
			"session": map[string]interface{}{"id": "sess-1", "status": "connected"},
		})
		writeJSONWithID(t, ctx, conn, "notification", "msg-1", map[string]interface{}{
			"subscription": map[string]string{"id": "sub-1", "type": "channel.follow"},
			"event":        map[string]string{"broadcaster_user_id": "123"},
		})

		<-ctx.Done()
	}))
	defer srv.Close()

	handlers := Handlers{
		OnWelcome: func(sessionID string) { welcomeSessionID = sessionID },
		OnNotification: func(messageID, subType, subID string, event json.RawMessage) {
			notifMu.Lock()
			defer notifMu.Unlock()
			gotMessageID, gotType, gotSubID, gotEvent = messageID, subType, subID, event
		},
	}

	session := New(nil, wsURL(srv.URL), handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, session.Start(ctx))
	defer session.Stop()

	assert.Equal(t, "sess-1", welcomeSessionID)
	assert.Equal(t, "sess-1", session.SessionID())

	require.Eventually(t, func() bool {
		notifMu.Lock()
		defer notifMu.Unlock()
		return gotSubID != ""
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "msg-1", gotMessageID)
	assert.Equal(t, "channel.follow", gotType)
	assert.Equal(t, "sub-1", gotSubID)
	assert.Contains(t, string(gotEvent), "123")
}

func TestSessionHandlesRevocation(t *testing.T) {
	var gotSubID, gotStatus string
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		writeJSON(t, ctx, conn, "session_welcome", map[string]interface{}{
			"session": map[string]interface{}{"id": "sess-1"},
		})
		writeJSON(t, ctx, conn, "revocation", map[string]interface{}{
			"subscription": map[string]string{"id": "sub-1", "status": "authorization_revoked"},
		})
		close(done)

		<-ctx.Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	handlers := Handlers{
		OnRevocation: func(subID, status string) {
			mu.Lock()
			defer mu.Unlock()
			gotSubID, gotStatus = subID, status
		},
	}

	session := New(nil, wsURL(srv.URL), handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, session.Start(ctx))
	defer session.Stop()

	<-done
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotSubID != ""
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "sub-1", gotSubID)
	assert.Equal(t, "authorization_revoked", gotStatus)
}

func TestSessionRedialsOnDisconnect(t *testing.T) {
	attempts := 0
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		attempt := attempts
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)

		ctx := r.Context()
		writeJSON(t, ctx, conn, "session_welcome", map[string]interface{}{
			"session": map[string]interface{}{"id": "sess-1"},
		})

		if attempt == 1 {
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}

		<-ctx.Done()
	}))
	defer srv.Close()

	welcomes := 0
	var welcomeMu sync.Mutex
	handlers := Handlers{
		OnWelcome: func(string) {
			welcomeMu.Lock()
			welcomes++
			welcomeMu.Unlock()
		},
	}

	session := New(nil, wsURL(srv.URL), handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, session.Start(ctx))
	defer session.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 2*time.Second, 20*time.Millisecond)
}
