// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/history"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/models"
	"github.com/fleetglass/fleetglass/internal/permission"
	"github.com/fleetglass/fleetglass/internal/relay"
)

// Handler carries the services behind the HTTP surface.
type Handler struct {
	// baseCtx outlives individual requests; websocket pumps inherit it so
	// a finished handshake request does not cancel the connection.
	baseCtx context.Context

	gate     *auth.Gate
	registry *relay.Registry
	session  *relay.Session
	history  *history.Query
	perms    *permission.Service
	store    *docstore.Store

	connOpts relay.ConnOptions
	upgrader websocket.Upgrader
}

// HandlerOptions configures the HTTP handler set.
type HandlerOptions struct {
	// ConnOptions are the per-connection relay limits.
	ConnOptions relay.ConnOptions

	// AllowedOrigins restricts websocket handshake origins. Empty or
	// containing "*" allows any origin.
	AllowedOrigins []string
}

// NewHandler wires the handler set.
func NewHandler(baseCtx context.Context, gate *auth.Gate, registry *relay.Registry, session *relay.Session, hq *history.Query, perms *permission.Service, store *docstore.Store, opts HandlerOptions) *Handler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	h := &Handler{
		baseCtx:  baseCtx,
		gate:     gate,
		registry: registry,
		session:  session,
		history:  hq,
		perms:    perms,
		store:    store,
		connOpts: opts.ConnOptions,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker builds the handshake origin policy.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return origin == "" || set[origin]
	}
}

// credentialFrom extracts the handshake credential: Authorization bearer
// token first, then the token query parameter (browser websocket clients
// cannot set headers).
func credentialFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// WebSocket authenticates the handshake and upgrades the connection. A
// failed credential is rejected with 401 before the upgrade; no connection
// state is created for it.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.gate.Verify(credentialFrom(r))
	if err != nil {
		NewResponseWriter(w, r).Unauthorized("handshake credential rejected")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := relay.NewConn(h.registry, ws, principal, h.session, h.connOpts)
	conn.Start(h.baseCtx)

	logging.Ctx(r.Context()).Info().
		Str("identity", string(principal.Identity())).
		Str("connection_id", conn.ID()).
		Bool("unsigned", principal.Unsigned).
		Msg("websocket connection established")
}

// Authenticate guards the pull endpoints with the same gate as the
// realtime handshake.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.gate.Verify(credentialFrom(r)); err != nil {
			NewResponseWriter(w, r).Unauthorized("credential rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// History answers GET /api/v1/vehicles/{vehicleId}/history?from=&to=.
// Bounds are inclusive millisecond epochs; either may be omitted.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	vehicleID := chi.URLParam(r, "vehicleId")
	if vehicleID == "" {
		rw.BadRequest("vehicleId is required")
		return
	}

	from, err := optionalInt64(r, "from")
	if err != nil {
		rw.BadRequest("from must be a millisecond epoch integer")
		return
	}
	to, err := optionalInt64(r, "to")
	if err != nil {
		rw.BadRequest("to must be a millisecond epoch integer")
		return
	}
	if from != nil && to != nil && *from > *to {
		rw.BadRequest("from must not exceed to")
		return
	}

	reports, err := h.history.Positions(r.Context(), vehicleID, from, to)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("vehicle_id", vehicleID).Msg("history query failed")
		rw.InternalError("history query failed")
		return
	}

	rw.History(reports)
}

// Current answers GET /api/v1/vehicles/{vehicleId}/current with the
// latest position, or 404 when the vehicle has never reported.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	vehicleID := chi.URLParam(r, "vehicleId")
	if vehicleID == "" {
		rw.BadRequest("vehicleId is required")
		return
	}

	report, found := h.history.Current(r.Context(), vehicleID)
	if !found {
		rw.NotFound("no current position for vehicle")
		return
	}

	rw.Success(report)
}

// Permissions answers GET /api/v1/permissions/{kind}/{id} with the
// identity's permission document. An identity with no recorded state
// yields the empty document, not 404.
func (h *Handler) Permissions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	if id == "" {
		rw.BadRequest("identity id is required")
		return
	}

	doc, err := h.perms.Snapshot(r.Context(), kind, id)
	if err != nil {
		rw.BadRequest("kind must be user or vehicle")
		return
	}

	rw.Success(doc)
}

// healthStatus is the health endpoint payload.
type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Store       string `json:"store"`
}

// Health answers GET /api/v1/health with a composite status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:      "ok",
		Connections: h.registry.ConnectionCount(),
		Store:       "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Store = "unavailable"
	}

	NewResponseWriter(w, r).Success(status)
}

// HealthLive answers the liveness probe: the process is serving.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// HealthReady answers the readiness probe: the store answers reads.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		NewResponseWriter(w, r).Error(http.StatusServiceUnavailable, models.CodeStoreFailure, "document store unavailable")
		return
	}
	NewResponseWriter(w, r).Success(map[string]string{"status": "ready"})
}

// optionalInt64 parses an optional integer query parameter.
func optionalInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
