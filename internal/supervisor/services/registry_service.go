// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package services

import (
	"context"
)

// ContextRunner matches *relay.Registry's RunWithContext method. The
// interface keeps this package free of a relay import.
type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// RegistryService wraps the connection registry as a supervised service.
// The registry's RunWithContext already implements the suture.Service
// pattern, so this wrapper delegates and names the service for logging.
type RegistryService struct {
	registry ContextRunner
	name     string
}

// NewRegistryService creates the wrapper.
func NewRegistryService(registry ContextRunner) *RegistryService {
	return &RegistryService{
		registry: registry,
		name:     "relay-registry",
	}
}

// Serve implements suture.Service. Returns ctx.Err() on normal shutdown.
func (s *RegistryService) Serve(ctx context.Context) error {
	return s.registry.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
func (s *RegistryService) String() string {
	return s.name
}
