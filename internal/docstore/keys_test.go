// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package docstore

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestHistoryKeyLayout(t *testing.T) {
	// 2026-03-07 09:15:00 UTC
	ts := time.Date(2026, 3, 7, 9, 15, 0, 0, time.UTC).UnixMilli()

	key := HistoryKey("car-1", ts)
	want := fmt.Sprintf("vehicles/car-1/history/2026/03/07/%d", ts)
	if key != want {
		t.Errorf("HistoryKey = %q, want %q", key, want)
	}
	if !strings.HasPrefix(key, HistoryPrefix("car-1")) {
		t.Errorf("key %q does not start with its own prefix %q", key, HistoryPrefix("car-1"))
	}
}

func TestHistoryKeyZeroPadding(t *testing.T) {
	ts := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	key := HistoryKey("car-1", ts)
	if !strings.Contains(key, "/2026/01/02/") {
		t.Errorf("month and day must be zero padded, got %q", key)
	}
}

func TestParseHistoryTimestamp(t *testing.T) {
	ts := time.Now().UnixMilli()
	key := HistoryKey("car-1", ts)

	got, ok := ParseHistoryTimestamp(key)
	if !ok {
		t.Fatalf("ParseHistoryTimestamp(%q) not ok", key)
	}
	if got != ts {
		t.Errorf("ParseHistoryTimestamp = %d, want %d", got, ts)
	}
}

func TestParseHistoryTimestampRejectsForeignKeys(t *testing.T) {
	cases := []string{
		"vehicles/car-1/history/2026/03/07/not-a-number",
		"vehicles/car-1/history/2026/03/07/-5",
		"vehicles/car-1/current",
		"",
	}
	for _, key := range cases {
		if _, ok := ParseHistoryTimestamp(key); ok {
			t.Errorf("ParseHistoryTimestamp(%q) should not parse", key)
		}
	}
}

func TestPermissionKeys(t *testing.T) {
	if got := VehiclePermissionKey("car-1"); got != "permissions/vehicle/car-1" {
		t.Errorf("VehiclePermissionKey = %q", got)
	}
	if got := UserPermissionKey("alice"); got != "permissions/user/alice" {
		t.Errorf("UserPermissionKey = %q", got)
	}
	if got := CurrentPositionKey("car-1"); got != "vehicles/car-1/current" {
		t.Errorf("CurrentPositionKey = %q", got)
	}
}
