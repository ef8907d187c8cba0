// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package permission maintains the pairwise (vehicle, user) consent state
// machine: Unknown -> Pending -> Accepted, with Accepted terminal.
//
// State is persisted symmetrically in two documents per pair, one keyed by
// the vehicle and one by the user. The invariant is that a pair's
// membership is identical across both documents: both pending, both
// accepted, or absent from both. Transitions serialize through striped
// identity locks, so the two-document write pair is atomic with respect to
// every other transition touching either identity. A write failure after
// the first of the two writes still leaves the pair visible on one side
// only; the error surfaces to the caller and the next successful
// transition repairs the pair, since both transitions are idempotent
// set operations.
package permission

import (
	"context"
	"fmt"

	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/models"
)

// Service is the permission state machine over the document store.
type Service struct {
	store *docstore.Store
	locks *stripedLocks
}

// NewService creates a permission service backed by store.
func NewService(store *docstore.Store) *Service {
	return &Service{
		store: store,
		locks: newStripedLocks(),
	}
}

// Request transitions a pair Unknown|Pending -> Pending. Idempotent: a
// repeated request leaves both documents unchanged. A pair that is already
// Accepted stays Accepted; re-requesting never demotes it (Accepted is
// terminal and the pair must never sit in pending and accepted at once).
func (s *Service) Request(ctx context.Context, vehicleID, userID string) error {
	if vehicleID == "" || userID == "" {
		return fmt.Errorf("request requires vehicle and user ids")
	}

	unlock := s.locks.lockPair(string(models.VehicleIdentity(vehicleID)), string(models.UserIdentity(userID)))
	defer unlock()

	vehicleDoc, userDoc := s.loadPair(ctx, vehicleID, userID)

	if vehicleDoc.HasAccepted(userID) || userDoc.HasAccepted(vehicleID) {
		logging.Ctx(ctx).Debug().
			Str("vehicle_id", vehicleID).
			Str("user_id", userID).
			Msg("permission request ignored, pair already accepted")
		return nil
	}

	changedVehicle := vehicleDoc.AddPending(userID)
	changedUser := userDoc.AddPending(vehicleID)
	if !changedVehicle && !changedUser {
		return nil
	}

	return s.storePair(ctx, vehicleID, userID, vehicleDoc, userDoc)
}

// Grant transitions a pair to Accepted: the pair is removed from both
// pending sets and added to both accepted sets. Idempotent. A grant for a
// pair that was never requested still succeeds: the device is the
// consenting party, so its grant is valid consent on its own.
func (s *Service) Grant(ctx context.Context, vehicleID, userID string) error {
	if vehicleID == "" || userID == "" {
		return fmt.Errorf("grant requires vehicle and user ids")
	}

	unlock := s.locks.lockPair(string(models.VehicleIdentity(vehicleID)), string(models.UserIdentity(userID)))
	defer unlock()

	vehicleDoc, userDoc := s.loadPair(ctx, vehicleID, userID)

	changedVehicle := vehicleDoc.Accept(userID)
	changedUser := userDoc.Accept(vehicleID)
	if !changedVehicle && !changedUser {
		return nil
	}

	return s.storePair(ctx, vehicleID, userID, vehicleDoc, userDoc)
}

// AcceptedViewers returns the user IDs currently accepted to view a
// vehicle's location: a direct read of the vehicle document's accepted
// set. A read failure is absorbed as an empty set, so a transiently
// unavailable store fans out to nobody rather than erring the ingest path.
func (s *Service) AcceptedViewers(ctx context.Context, vehicleID string) []string {
	doc := models.NewPermissionDocument()
	s.store.Get(ctx, docstore.VehiclePermissionKey(vehicleID), &doc)
	doc.Normalize()
	return doc.Accepted
}

// Snapshot returns the permission document for an identity. kind is
// "user" or "vehicle".
func (s *Service) Snapshot(ctx context.Context, kind, id string) (models.PermissionDocument, error) {
	var key string
	switch kind {
	case "vehicle":
		key = docstore.VehiclePermissionKey(id)
	case "user":
		key = docstore.UserPermissionKey(id)
	default:
		return models.PermissionDocument{}, fmt.Errorf("unknown identity kind %q", kind)
	}

	doc := models.NewPermissionDocument()
	s.store.Get(ctx, key, &doc)
	doc.Normalize()
	return doc, nil
}

// loadPair reads both documents for a pair, substituting empty documents
// for missing or unreadable ones (the store absorbs read failures).
func (s *Service) loadPair(ctx context.Context, vehicleID, userID string) (vehicleDoc, userDoc models.PermissionDocument) {
	vehicleDoc = models.NewPermissionDocument()
	userDoc = models.NewPermissionDocument()
	s.store.Get(ctx, docstore.VehiclePermissionKey(vehicleID), &vehicleDoc)
	s.store.Get(ctx, docstore.UserPermissionKey(userID), &userDoc)
	vehicleDoc.Normalize()
	userDoc.Normalize()
	return vehicleDoc, userDoc
}

// storePair writes both documents back. The writes are not transactional;
// if the second fails the first stands, the error surfaces, and the next
// successful transition converges the pair again.
func (s *Service) storePair(ctx context.Context, vehicleID, userID string, vehicleDoc, userDoc models.PermissionDocument) error {
	if err := s.store.Put(ctx, docstore.VehiclePermissionKey(vehicleID), &vehicleDoc); err != nil {
		return fmt.Errorf("store vehicle permission document: %w", err)
	}
	if err := s.store.Put(ctx, docstore.UserPermissionKey(userID), &userDoc); err != nil {
		return fmt.Errorf("store user permission document: %w", err)
	}
	return nil
}
