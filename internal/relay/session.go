// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/ingest"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

// Reporter is the location ingest pipeline. Satisfied by *ingest.Service.
type Reporter interface {
	Report(ctx context.Context, sender auth.Principal, update models.LocationUpdate) (models.PositionReport, error)
}

// Permissions is the consent state machine. Satisfied by
// *permission.Service.
type Permissions interface {
	Request(ctx context.Context, vehicleID, userID string) error
	Grant(ctx context.Context, vehicleID, userID string) error
}

// Session dispatches inbound events to the services behind them. Every
// client-originated event is answered with an ack on the originating
// connection; pushes triggered by the event go to the addressed identity's
// room. A failed event never tears the connection down, the failure rides
// back in the ack.
type Session struct {
	registry *Registry
	reporter Reporter
	perms    Permissions

	// now stamps permission-request pushes; injectable for tests.
	now func() time.Time
}

// NewSession creates the event dispatcher.
func NewSession(registry *Registry, reporter Reporter, perms Permissions) *Session {
	return &Session{
		registry: registry,
		reporter: reporter,
		perms:    perms,
		now:      time.Now,
	}
}

// HandleEvent routes one decoded event by type.
func (s *Session) HandleEvent(ctx context.Context, conn *Conn, env models.Envelope) {
	switch env.Type {
	case models.EventPing:
		metrics.EventsReceived.WithLabelValues(env.Type, "accepted").Inc()
		conn.Send(models.OutEnvelope{Type: models.EventPong})

	case models.EventLocationUpdate:
		s.handleLocationUpdate(ctx, conn, env)

	case models.EventLocationRequest:
		s.handleLocationRequest(ctx, conn, env)

	case models.EventPermissionGranted:
		s.handlePermissionGranted(ctx, conn, env)

	default:
		metrics.EventsReceived.WithLabelValues("unknown", "rejected").Inc()
		s.nack(conn, env.Type, models.CodeBadRequest, "unknown event type")
	}
}

// handleLocationUpdate runs a device position report through the ingest
// pipeline and acks with the server-stamped report.
func (s *Session) handleLocationUpdate(ctx context.Context, conn *Conn, env models.Envelope) {
	var update models.LocationUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeValidationFailed, "malformed location payload")
		return
	}

	// A bare payload reports for the connection's own vehicle.
	if update.VehicleID == "" && conn.principal.Role == models.RoleDevice {
		update.VehicleID = conn.principal.Subject
	}

	if _, err := s.reporter.Report(ctx, conn.principal, update); err != nil {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, ingestErrorCode(err), err.Error())
		return
	}

	metrics.EventsReceived.WithLabelValues(env.Type, "accepted").Inc()
	conn.Send(models.OutEnvelope{
		Type: models.EventAck,
		Data: models.Ack{Event: env.Type, OK: true},
	})
}

// handleLocationRequest records a viewer's interest in a vehicle and pushes
// the pending request to the vehicle's live connections.
func (s *Session) handleLocationRequest(ctx context.Context, conn *Conn, env models.Envelope) {
	if conn.principal.Role != models.RoleUser {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeRoleViolation, "only user connections may request locations")
		return
	}

	var req models.LocationRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.VehicleID == "" {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeValidationFailed, "location request requires a vehicleId")
		return
	}

	userID := conn.principal.Subject
	if err := s.perms.Request(ctx, req.VehicleID, userID); err != nil {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeStoreFailure, "permission request could not be recorded")
		logging.Ctx(ctx).Error().Err(err).
			Str("vehicle_id", req.VehicleID).
			Str("user_id", userID).
			Msg("permission request failed")
		return
	}

	metrics.EventsReceived.WithLabelValues(env.Type, "accepted").Inc()

	// Notify the device. If it is offline the push is dropped; the pending
	// request survives in the store and shows up on the pull surface.
	s.registry.Multicast(models.VehicleIdentity(req.VehicleID), models.OutEnvelope{
		Type: models.EventPermissionRequest,
		Data: models.PermissionRequestPush{
			UserID:    userID,
			VehicleID: req.VehicleID,
			Timestamp: s.now().UnixMilli(),
		},
	})

	conn.Send(models.OutEnvelope{
		Type: models.EventAck,
		Data: models.Ack{Event: env.Type, OK: true, Msg: "request recorded"},
	})
}

// handlePermissionGranted applies a device's grant and pushes the outcome
// to the granted user's live connections.
func (s *Session) handlePermissionGranted(ctx context.Context, conn *Conn, env models.Envelope) {
	if conn.principal.Role != models.RoleDevice {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeRoleViolation, "only device connections may grant permissions")
		return
	}

	var grant models.PermissionGrant
	if err := json.Unmarshal(env.Data, &grant); err != nil || grant.UserID == "" {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeValidationFailed, "grant requires a userId")
		return
	}

	// A device grants access to itself only.
	vehicleID := conn.principal.Subject
	if grant.VehicleID != "" && grant.VehicleID != vehicleID {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeRoleViolation, "a device may only grant access to its own location")
		return
	}

	if err := s.perms.Grant(ctx, vehicleID, grant.UserID); err != nil {
		metrics.EventsReceived.WithLabelValues(env.Type, "rejected").Inc()
		s.nack(conn, env.Type, models.CodeStoreFailure, "grant could not be recorded")
		logging.Ctx(ctx).Error().Err(err).
			Str("vehicle_id", vehicleID).
			Str("user_id", grant.UserID).
			Msg("permission grant failed")
		return
	}

	metrics.EventsReceived.WithLabelValues(env.Type, "accepted").Inc()

	s.registry.Multicast(models.UserIdentity(grant.UserID), models.OutEnvelope{
		Type: models.EventPermissionGranted,
		Data: models.PermissionGrantedPush{
			VehicleID: vehicleID,
			UserID:    grant.UserID,
		},
	})

	conn.Send(models.OutEnvelope{
		Type: models.EventAck,
		Data: models.Ack{Event: env.Type, OK: true},
	})
}

// nack sends a failure ack for an event.
func (s *Session) nack(conn *Conn, event, code, msg string) {
	conn.Send(models.OutEnvelope{
		Type: models.EventAck,
		Data: models.Ack{Event: event, OK: false, Code: code, Error: msg},
	})
}

// ingestErrorCode maps ingest pipeline errors onto ack codes.
func ingestErrorCode(err error) string {
	switch {
	case errors.Is(err, ingest.ErrRoleViolation):
		return models.CodeRoleViolation
	case errors.Is(err, ingest.ErrValidation):
		return models.CodeValidationFailed
	case errors.Is(err, ingest.ErrRateLimited):
		return models.CodeRateLimited
	default:
		return models.CodeStoreFailure
	}
}
