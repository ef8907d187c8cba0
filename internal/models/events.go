// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package models

import "github.com/goccy/go-json"

// Event types exchanged on the realtime channel.
const (
	// Client -> server
	EventLocationUpdate  = "location:update"
	EventLocationRequest = "location:request"
	EventPing            = "ping"

	// Bidirectional: a device sends it to grant, the server pushes it to
	// the granted user.
	EventPermissionGranted = "permission:granted"

	// Server -> client pushes
	EventLocationLive      = "location:live"
	EventPermissionRequest = "user:locationPermission"
	EventPong              = "pong"
	EventAck               = "ack"
)

// Envelope is the wire frame for every realtime message. Data is kept raw
// on ingest so each event type decodes its own payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutEnvelope is the outbound counterpart; Data is marshaled with the frame.
type OutEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// LocationUpdate is the device-originated position payload. The server
// stamps the timestamp; any ts supplied here is ignored.
type LocationUpdate struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Speed     float64 `json:"speed"`
}

// LocationRequest asks for permission to view a vehicle's location.
type LocationRequest struct {
	VehicleID string `json:"vehicleId"`
}

// PermissionGrant is sent by a device to accept a viewer.
type PermissionGrant struct {
	UserID    string `json:"userId"`
	VehicleID string `json:"vehicleId"`
}

// PermissionRequestPush notifies a device that a user asked to view it.
type PermissionRequestPush struct {
	UserID    string `json:"userId"`
	VehicleID string `json:"vehicleId"`
	Timestamp int64  `json:"ts"`
}

// PermissionGrantedPush notifies a user that a device accepted them.
type PermissionGrantedPush struct {
	VehicleID string `json:"vehicleId"`
	UserID    string `json:"userId"`
}

// Ack is the server's response to a client-originated event.
type Ack struct {
	Event string `json:"event"`
	OK    bool   `json:"ok"`
	Msg   string `json:"msg,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}
