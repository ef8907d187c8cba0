// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package docstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Storage key layout. The year/month/day segments partition a vehicle's
// history log by UTC date; they are a key-naming convention, not an index.
//
//	vehicles/{vehicleId}/current
//	vehicles/{vehicleId}/history/{year}/{month}/{day}/{ts}
//	permissions/vehicle/{vehicleId}
//	permissions/user/{userId}

// CurrentPositionKey addresses a vehicle's latest position document.
func CurrentPositionKey(vehicleID string) string {
	return "vehicles/" + vehicleID + "/current"
}

// HistoryPrefix addresses the root of a vehicle's position history.
func HistoryPrefix(vehicleID string) string {
	return "vehicles/" + vehicleID + "/history/"
}

// HistoryKey addresses one immutable history record. ts is milliseconds
// since epoch and appears both in the key and inside the stored record.
func HistoryKey(vehicleID string, ts int64) string {
	t := time.UnixMilli(ts).UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%d", HistoryPrefix(vehicleID), t.Year(), int(t.Month()), t.Day(), ts)
}

// ParseHistoryTimestamp extracts the trailing timestamp from a history
// record key. Returns false for keys that do not match the expected
// layout, so foreign objects under the history prefix are tolerated.
func ParseHistoryTimestamp(key string) (int64, bool) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 || idx == len(key)-1 {
		return 0, false
	}
	ts, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	return ts, true
}

// VehiclePermissionKey addresses the vehicle-keyed permission document.
func VehiclePermissionKey(vehicleID string) string {
	return "permissions/vehicle/" + vehicleID
}

// UserPermissionKey addresses the user-keyed permission document.
func UserPermissionKey(userID string) string {
	return "permissions/user/" + userID
}
