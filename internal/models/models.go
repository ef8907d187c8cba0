// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package models defines the data shapes shared across Fleetglass:
// position reports, permission documents, identities, and the realtime
// event envelope.
package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Role identifies what kind of principal a connection is bound to.
type Role string

const (
	// RoleUser is a viewer: receives location:live pushes, issues
	// location:request events.
	RoleUser Role = "user"

	// RoleDevice is a tracked vehicle: sends location:update, grants
	// permissions.
	RoleDevice Role = "device"
)

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleDevice
}

// Identity is a role-qualified addressing key ("user:<id>" or
// "vehicle:<id>") used for connection rooms and permission documents.
type Identity string

// UserIdentity builds the identity key for a user ID.
func UserIdentity(userID string) Identity {
	return Identity("user:" + userID)
}

// VehicleIdentity builds the identity key for a vehicle ID.
func VehicleIdentity(vehicleID string) Identity {
	return Identity("vehicle:" + vehicleID)
}

// IdentityFor maps a principal role and subject to its identity key.
func IdentityFor(role Role, subject string) Identity {
	if role == RoleDevice {
		return VehicleIdentity(subject)
	}
	return UserIdentity(subject)
}

// ParseIdentity splits an identity key into its kind and bare ID.
func ParseIdentity(id Identity) (kind, bare string, err error) {
	kind, bare, ok := strings.Cut(string(id), ":")
	if !ok || bare == "" || (kind != "user" && kind != "vehicle") {
		return "", "", fmt.Errorf("malformed identity %q", id)
	}
	return kind, bare, nil
}

// PositionReport is one positional telemetry sample for a vehicle.
// The server stamps Timestamp at ingest; client-supplied time is ignored.
// History copies are immutable; the current copy is overwritten per vehicle.
type PositionReport struct {
	VehicleID string  `json:"vehicleId" validate:"required"`
	Lat       float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng       float64 `json:"lng" validate:"gte=-180,lte=180"`
	Speed     float64 `json:"speed" validate:"gte=0"`
	Timestamp int64   `json:"ts"`
}

// PermissionDocument holds the pairwise consent state for one identity.
// Two mirrored documents exist per (vehicle, user) pair: one keyed by the
// vehicle, one by the user, each listing counterpart IDs. Membership of a
// pair must be identical across both documents.
type PermissionDocument struct {
	Pending  []string `json:"pending"`
	Accepted []string `json:"accepted"`
}

// NewPermissionDocument returns the default (empty) document shape used
// when an identity has no prior permission state.
func NewPermissionDocument() PermissionDocument {
	return PermissionDocument{Pending: []string{}, Accepted: []string{}}
}

// HasPending reports whether id is in the pending set.
func (d *PermissionDocument) HasPending(id string) bool {
	return contains(d.Pending, id)
}

// HasAccepted reports whether id is in the accepted set.
func (d *PermissionDocument) HasAccepted(id string) bool {
	return contains(d.Accepted, id)
}

// AddPending adds id to the pending set if absent.
// Returns true if the document changed.
func (d *PermissionDocument) AddPending(id string) bool {
	if contains(d.Pending, id) {
		return false
	}
	d.Pending = append(d.Pending, id)
	return true
}

// Accept moves id from pending (if present) into accepted.
// Returns true if the document changed.
func (d *PermissionDocument) Accept(id string) bool {
	changed := false
	if i := index(d.Pending, id); i >= 0 {
		d.Pending = append(d.Pending[:i], d.Pending[i+1:]...)
		changed = true
	}
	if !contains(d.Accepted, id) {
		d.Accepted = append(d.Accepted, id)
		changed = true
	}
	return changed
}

// Normalize ensures both sets are non-nil so the document always
// serializes as arrays, never null.
func (d *PermissionDocument) Normalize() {
	if d.Pending == nil {
		d.Pending = []string{}
	}
	if d.Accepted == nil {
		d.Accepted = []string{}
	}
}

func contains(set []string, id string) bool {
	return index(set, id) >= 0
}

func index(set []string, id string) int {
	for i, v := range set {
		if v == id {
			return i
		}
	}
	return -1
}

// validate is the shared validator instance for payload bounds checking.
var validate = validator.New()

// ValidateReport checks a position report's required fields and coordinate
// bounds. Returns a descriptive error naming the first offending field.
func ValidateReport(r *PositionReport) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if ok := isValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid position report: field %s failed %s", f.Field(), f.Tag())
		}
		return fmt.Errorf("invalid position report: %w", err)
	}
	return nil
}

// isValidationErrors unwraps validator.ValidationErrors without panicking
// on other error kinds (validator returns *InvalidValidationError for
// non-struct inputs).
func isValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint // validator returns this concrete type
	if ok {
		*out = verrs
	}
	return ok
}
