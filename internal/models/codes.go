// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package models

// Error codes shared by realtime acks and HTTP error envelopes.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRoleViolation    = "ROLE_VIOLATION"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeStoreFailure     = "STORE_FAILURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
)
