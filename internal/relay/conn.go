// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// defaultMaxMessageBytes bounds inbound frames when no limit is
	// configured.
	defaultMaxMessageBytes = 64 * 1024
)

// connSeqCounter assigns monotonically increasing sequence numbers so
// room delivery can iterate connections in a stable order.
var connSeqCounter atomic.Uint64

// EventHandler processes one decoded inbound event for a connection.
// Implemented by *Session.
type EventHandler interface {
	HandleEvent(ctx context.Context, conn *Conn, env models.Envelope)
}

// Conn is one authenticated websocket connection bound to a principal.
// Events addressed to the principal's identity are fanned in through the
// buffered send channel; the write pump drains it.
type Conn struct {
	seq       uint64
	id        string
	registry  *Registry
	ws        *websocket.Conn
	principal auth.Principal
	identity  models.Identity
	handler   EventHandler

	maxMessageBytes int64

	send chan models.OutEnvelope

	// sendMu guards closed so the registry can close the send channel
	// during shutdown while the read pump is still producing acks.
	sendMu sync.Mutex
	closed bool
}

// ConnOptions configures per-connection limits.
type ConnOptions struct {
	// SendBuffer is the outbound queue depth (default 256).
	SendBuffer int

	// MaxMessageBytes bounds inbound frame size (default 64 KB).
	MaxMessageBytes int64
}

// NewConn wraps an upgraded websocket connection. The connection does not
// join its room until Start is called.
func NewConn(registry *Registry, ws *websocket.Conn, principal auth.Principal, handler EventHandler, opts ConnOptions) *Conn {
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Conn{
		seq:             connSeqCounter.Add(1),
		id:              logging.GenerateCorrelationID(),
		registry:        registry,
		ws:              ws,
		principal:       principal,
		identity:        principal.Identity(),
		handler:         handler,
		maxMessageBytes: maxBytes,
		send:            make(chan models.OutEnvelope, buffer),
	}
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string {
	return c.id
}

// Principal returns the identity label bound at the handshake.
func (c *Conn) Principal() auth.Principal {
	return c.principal
}

// Identity returns the connection's room key.
func (c *Conn) Identity() models.Identity {
	return c.identity
}

// Start registers the connection and begins its read and write pumps.
func (c *Conn) Start(ctx context.Context) {
	c.registry.Register <- c
	go c.writePump()
	go c.readPump(ctx)
}

// Send enqueues an event directly on this connection, bypassing room
// addressing. Used for acks and pongs, which belong to the connection
// that sent the triggering event, not to every connection of the identity.
func (c *Conn) Send(event models.OutEnvelope) {
	if c.enqueue(event) {
		metrics.EventsDelivered.WithLabelValues(event.Type).Inc()
	}
}

// enqueue offers an event to the send buffer without blocking. A full
// buffer drops the event; the connection stays up.
func (c *Conn) enqueue(event models.OutEnvelope) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- event:
		return true
	default:
		metrics.EventsDropped.WithLabelValues(event.Type, "send_buffer_full").Inc()
		logging.Warn().
			Str("connection_id", c.id).
			Str("event_type", event.Type).
			Msg("send buffer full, dropping event")
		return false
	}
}

// closeSend closes the send channel exactly once. Only the registry loop
// calls this, when the connection leaves its room or during shutdown.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// readPump reads inbound frames, decodes the event envelope, and hands
// each event to the dispatcher. Exiting the loop unregisters the
// connection and closes the socket.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.registry.Unregister <- c
		_ = c.ws.Close()
	}()

	ctx = logging.ContextWithConnectionID(ctx, c.id)

	c.ws.SetReadLimit(c.maxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Ctx(ctx).Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.EventsReceived.WithLabelValues("malformed", "rejected").Inc()
			c.Send(models.OutEnvelope{
				Type: models.EventAck,
				Data: models.Ack{OK: false, Code: models.CodeBadRequest, Error: "malformed event frame"},
			})
			continue
		}

		c.handler.HandleEvent(ctx, c, env)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The registry closed the channel.
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to marshal outbound event")
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to write event")
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
