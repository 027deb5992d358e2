// Package fanout implements the FanoutHub: delivery of envelopes to
// every downstream service interested in a notification, over either
// transport a service's Interests name. The WS side (per-service
// client registry, buffered per-connection send queue, drop-on-overflow,
// ping/pong keepalive) is grounded on streamspace-dev-streamspace's
// internal/websocket Hub/Client, adapted from org-scoped to
// service-scoped broadcast. The webhook side is grounded on
// itsjustintv's internal/webhook.Dispatcher HMAC-signed POST idiom,
// wrapped in a bounded worker pool since the teacher dispatches
// synchronously and this bridge must not let one slow webhook endpoint
// stall delivery to every other interest.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rmoriz/eventsubbridge/internal/envelope"
	"github.com/rmoriz/eventsubbridge/internal/registry"
)

// clientSendBuffer bounds how many queued outbound messages a single WS
// connection may hold before it's treated as slow and dropped.
const clientSendBuffer = 256

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wireMessage is the envelope shape written to every downstream WS
// connection, tagging the payload kind so a service can demux a single
// connection carrying both notifications and subscription errors.
type wireMessage struct {
	Kind  string      `json:"kind"`
	Event interface{} `json:"event"`
}

// client is one service's open downstream WebSocket connection.
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	serviceID string
}

// Metrics records fan-out delivery outcomes. Implemented by
// internal/telemetry.Manager; nil is a valid no-op value.
type Metrics interface {
	RecordFanoutDelivery(ctx context.Context, transport string, success bool, duration time.Duration)
}

// Hub is the FanoutHub: it owns every open downstream WS connection and
// a bounded worker pool that delivers to webhook-transport Interests.
// Implements subscription.Fanout.
type Hub struct {
	logger  *slog.Logger
	metrics Metrics

	mu      sync.RWMutex
	clients map[string]map[*client]bool // serviceID -> set of connections

	webhook *webhookDispatcher
}

// SetMetrics wires a telemetry sink for delivery outcomes. Optional; call
// before Start.
func (h *Hub) SetMetrics(m Metrics) {
	h.metrics = m
	h.webhook.metrics = m
}

// New creates a Hub. webhookWorkers bounds the outbound webhook delivery
// worker pool (0 uses the default of 32). secrets resolves a service's
// HMAC signing secret for outbound webhook delivery.
func New(logger *slog.Logger, webhookWorkers int, secrets SigningSecretResolver) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[string]map[*client]bool),
	}
	h.webhook = newWebhookDispatcher(logger, webhookWorkers, secrets)
	return h
}

// Start begins the webhook delivery worker pool. Call once before the
// first Deliver/DeliverError.
func (h *Hub) Start(ctx context.Context) {
	h.webhook.start(ctx)
}

// Stop drains the webhook delivery worker pool, waiting up to deadline
// for in-flight deliveries to finish.
func (h *Hub) Stop(deadline time.Duration) {
	h.webhook.stop(deadline)
}

// ServeConnection adopts an already-upgraded WebSocket connection for
// serviceID and blocks (spawning read/write pumps) until it closes.
// Callers run this in its own goroutine per accepted connection.
func (h *Hub) ServeConnection(serviceID string, conn *websocket.Conn) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientSendBuffer), serviceID: serviceID}

	h.mu.Lock()
	set, ok := h.clients[serviceID]
	if !ok {
		set = make(map[*client]bool)
		h.clients[serviceID] = set
	}
	set[c] = true
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.Info("downstream ws connection registered", "service_id", serviceID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	wg.Wait()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.serviceID]
	if !ok {
		return
	}
	if _, present := set[c]; present {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.serviceID)
	}
}

// ConnectionCount returns how many open downstream WS connections a
// service currently holds.
func (h *Hub) ConnectionCount(serviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[serviceID])
}

func (h *Hub) sendToService(serviceID string, data []byte) {
	h.mu.RLock()
	set := h.clients[serviceID]
	toClose := make([]*client, 0)
	for c := range set {
		select {
		case c.send <- data:
		default:
			toClose = append(toClose, c)
		}
	}
	h.mu.RUnlock()

	if len(toClose) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range toClose {
		if set := h.clients[c.serviceID]; set != nil {
			if _, ok := set[c]; ok {
				delete(set, c)
				close(c.send)
				if h.logger != nil {
					h.logger.Warn("downstream ws connection too slow, dropping", "service_id", c.serviceID)
				}
			}
		}
	}
	h.mu.Unlock()
}

// Deliver implements subscription.Fanout: fan the envelope out to in's
// transport (ws broadcasts to every open connection for in.ServiceID;
// webhook enqueues a signed POST to in.WebhookURL).
func (h *Hub) Deliver(ctx context.Context, in registry.Interest, env envelope.Envelope) {
	switch in.Transport {
	case registry.TransportWS:
		start := time.Now()
		data, err := json.Marshal(wireMessage{Kind: "notification", Event: env})
		if err != nil {
			if h.logger != nil {
				h.logger.Error("failed to marshal notification envelope", "error", err)
			}
			return
		}
		h.sendToService(in.ServiceID, data)
		if h.metrics != nil {
			h.metrics.RecordFanoutDelivery(ctx, "ws", true, time.Since(start))
		}
	case registry.TransportWebhook:
		h.webhook.enqueue(ctx, in, wireMessage{Kind: "notification", Event: env})
	}
}

// DeliverError implements subscription.Fanout for subscription.error
// signals.
func (h *Hub) DeliverError(in registry.Interest, errEnv envelope.ErrorEnvelope) {
	switch in.Transport {
	case registry.TransportWS:
		data, err := json.Marshal(wireMessage{Kind: "subscription_error", Event: errEnv})
		if err != nil {
			if h.logger != nil {
				h.logger.Error("failed to marshal error envelope", "error", err)
			}
			return
		}
		h.sendToService(in.ServiceID, data)
	case registry.TransportWebhook:
		h.webhook.enqueue(context.Background(), in, wireMessage{Kind: "subscription_error", Event: errEnv})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Downstream connections are receive-only from the bridge's
		// perspective; any inbound frame is read only to drive the pong
		// handler and detect disconnects.
	}
}
