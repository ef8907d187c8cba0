// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package relay owns the realtime side of Fleetglass: the connection
// registry that maps identities to their live websocket connections, the
// connection read/write pumps, and the event dispatcher.
package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

// ShutdownReason identifies why the registry is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// multicastMessage addresses one event at every live connection of an
// identity.
type multicastMessage struct {
	identity models.Identity
	event    models.OutEnvelope
}

// Registry maintains the identity rooms: each identity maps to the set of
// its live connections. One identity may hold several connections (a user
// on two devices) and every one of them receives each event addressed to
// the identity. An identity with zero connections is simply absent; events
// addressed to it are dropped silently, delivery is not guaranteed.
//
// The registry is an instance with an explicit lifecycle, created in main
// and run under the supervision tree. Nothing about it is global.
type Registry struct {
	rooms map[models.Identity]map[*Conn]bool

	multicast  chan multicastMessage
	Register   chan *Conn
	Unregister chan *Conn
	mu         sync.RWMutex
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[models.Identity]map[*Conn]bool),
		multicast:  make(chan multicastMessage, 256),
		Register:   make(chan *Conn),
		Unregister: make(chan *Conn),
	}
}

// RunWithContext runs the registry loop until the context is canceled.
// Designed for suture supervision: on cancellation all connections are
// closed and ctx.Err() is returned so the supervisor sees a clean stop.
//
// Selection is priority based so behavior stays predictable when multiple
// channels are ready at once: shutdown first, then connection lifecycle,
// then multicast delivery.
func (r *Registry) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown (non-blocking check).
		select {
		case <-ctx.Done():
			r.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: connection lifecycle (non-blocking check).
		select {
		case conn := <-r.Register:
			r.add(conn)
			continue
		case conn := <-r.Unregister:
			r.remove(conn)
			continue
		default:
		}

		// Priority 3: block until anything happens.
		select {
		case <-ctx.Done():
			r.logGracefulShutdown(ctx)
			return ctx.Err()

		case conn := <-r.Register:
			r.add(conn)

		case conn := <-r.Unregister:
			r.remove(conn)

		case msg := <-r.multicast:
			r.deliver(msg)
		}
	}
}

// Multicast enqueues an event for every live connection of an identity.
// Never blocks: if the registry loop has fallen behind and the multicast
// channel is full, the event is dropped and counted.
func (r *Registry) Multicast(identity models.Identity, event models.OutEnvelope) {
	select {
	case r.multicast <- multicastMessage{identity: identity, event: event}:
	default:
		metrics.EventsDropped.WithLabelValues(event.Type, "registry_backlog").Inc()
		logging.Warn().
			Str("identity", string(identity)).
			Str("event_type", event.Type).
			Msg("multicast channel full, dropping event")
	}
}

// add joins a connection to its identity's room.
func (r *Registry) add(conn *Conn) {
	r.mu.Lock()
	room, ok := r.rooms[conn.identity]
	if !ok {
		room = make(map[*Conn]bool)
		r.rooms[conn.identity] = room
	}
	room[conn] = true
	total := r.totalLocked()
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(conn.principal.Role)).Inc()
	logging.Info().
		Str("identity", string(conn.identity)).
		Str("connection_id", conn.id).
		Int("total_connections", total).
		Msg("connection registered")
}

// remove leaves a connection's room and closes its send channel. Removing
// a connection that already left is a no-op, so the read and write pumps
// can both trigger unregistration without coordination.
func (r *Registry) remove(conn *Conn) {
	r.mu.Lock()
	room, ok := r.rooms[conn.identity]
	if ok {
		if _, member := room[conn]; member {
			delete(room, conn)
			conn.closeSend()
		} else {
			ok = false
		}
		if len(room) == 0 {
			delete(r.rooms, conn.identity)
		}
	}
	total := r.totalLocked()
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.ConnectionsActive.WithLabelValues(string(conn.principal.Role)).Dec()
	logging.Info().
		Str("identity", string(conn.identity)).
		Str("connection_id", conn.id).
		Int("total_connections", total).
		Msg("connection unregistered")
}

// deliver fans one event out to every connection in the identity's room,
// in connection ID order so delivery order is reproducible. A connection
// whose send buffer is full gets the event dropped; the connection stays
// up and later events are attempted normally.
func (r *Registry) deliver(msg multicastMessage) {
	r.mu.RLock()
	room := r.rooms[msg.identity]
	conns := make([]*Conn, 0, len(room))
	for conn := range room {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })

	for _, conn := range conns {
		if conn.enqueue(msg.event) {
			metrics.EventsDelivered.WithLabelValues(msg.event.Type).Inc()
		}
	}
}

// RoomSize returns the number of live connections for an identity.
func (r *Registry) RoomSize(identity models.Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[identity])
}

// ConnectionCount returns the number of live connections across all rooms.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalLocked()
}

func (r *Registry) totalLocked() int {
	total := 0
	for _, room := range r.rooms {
		total += len(room)
	}
	return total
}

// logGracefulShutdown closes every connection and logs the stop with
// structured fields. ctx.Err() is not logged as an error because
// cancellation is the expected shutdown trigger.
func (r *Registry) logGracefulShutdown(ctx context.Context) {
	r.mu.Lock()
	closed := 0
	for identity, room := range r.rooms {
		conns := make([]*Conn, 0, len(room))
		for conn := range room {
			conns = append(conns, conn)
		}
		sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
		for _, conn := range conns {
			conn.closeSend()
			metrics.ConnectionsActive.WithLabelValues(string(conn.principal.Role)).Dec()
			closed++
		}
		delete(r.rooms, identity)
	}
	r.mu.Unlock()

	logging.Info().
		Str("component", "relay-registry").
		Str("reason", string(shutdownReason(ctx))).
		Int("connections_closed", closed).
		Msg("connection registry stopped")
}

func shutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}
