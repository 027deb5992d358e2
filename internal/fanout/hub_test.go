package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rmoriz/eventsubbridge/internal/envelope"
	"github.com/rmoriz/eventsubbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSecrets struct {
	secret string
}

func (s stubSecrets) ResolveSigningSecret(string) (string, error) { return s.secret, nil }

func wsDial(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return conn
}

func TestHubDeliversToOpenWSConnection(t *testing.T) {
	hub := New(nil, 1, stubSecrets{})
	hub.Start(context.Background())
	defer hub.Stop(time.Second)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.ServeConnection("svc-1", conn)
	}))
	defer srv.Close()

	conn := wsDial(t, srv.URL)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectionCount("svc-1") == 1 }, time.Second, 10*time.Millisecond)

	in := registry.Interest{ID: "i1", ServiceID: "svc-1", Transport: registry.TransportWS}
	env := envelope.Build("msg-1", "stream.online", json.RawMessage(`{"broadcaster_user_id":"123"}`), time.Now())
	hub.Deliver(context.Background(), in, env)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "notification", msg.Kind)
}

func TestHubDeliverToWebhookInterestSkipsWSPath(t *testing.T) {
	hub := New(nil, 1, stubSecrets{})
	hub.Start(context.Background())
	defer hub.Stop(time.Second)

	// No WS connection registered for svc-2; delivering to a
	// webhook-transport interest must not panic or block on sendToService.
	in := registry.Interest{ID: "i2", ServiceID: "svc-2", Transport: registry.TransportWebhook, WebhookURL: "http://127.0.0.1:0/unreachable"}
	env := envelope.Build("msg-2", "stream.online", json.RawMessage(`{}`), time.Now())
	hub.Deliver(context.Background(), in, env)

	assert.Equal(t, 0, hub.ConnectionCount("svc-2"))
}

func TestHubDropsSlowConnection(t *testing.T) {
	hub := New(nil, 1, stubSecrets{})

	// Register a client directly with a send channel that nothing ever
	// drains, so sendToService's overflow path is exercised without
	// depending on real TCP/OS write-buffer timing.
	c := &client{hub: hub, conn: nil, send: make(chan []byte, clientSendBuffer), serviceID: "svc-3"}
	hub.mu.Lock()
	hub.clients["svc-3"] = map[*client]bool{c: true}
	hub.mu.Unlock()

	for i := 0; i < clientSendBuffer+10; i++ {
		hub.sendToService("svc-3", []byte(`{"kind":"notification"}`))
	}

	assert.Equal(t, 0, hub.ConnectionCount("svc-3"), "overflowing connection should have been dropped")
}
