// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeViewers returns a fixed accepted set.
type fakeViewers struct {
	viewers map[string][]string
}

func (f *fakeViewers) AcceptedViewers(_ context.Context, vehicleID string) []string {
	return f.viewers[vehicleID]
}

// captureCaster records every multicast it receives.
type captureCaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	identity models.Identity
	event    models.OutEnvelope
}

func (c *captureCaster) Multicast(identity models.Identity, event models.OutEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{identity: identity, event: event})
}

func (c *captureCaster) captured() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	backend, err := docstore.Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	store := docstore.New(backend, docstore.Options{OpTimeout: 5 * time.Second})
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func devicePrincipal(vehicleID string) auth.Principal {
	return auth.Principal{Role: models.RoleDevice, Subject: vehicleID}
}

func validUpdate(vehicleID string) models.LocationUpdate {
	return models.LocationUpdate{VehicleID: vehicleID, Lat: 52.37, Lng: 4.89, Speed: 12.5}
}

func TestReportRejectsNonDeviceRole(t *testing.T) {
	store := newTestStore(t)
	caster := &captureCaster{}
	svc := New(store, &fakeViewers{}, caster, Options{})

	_, err := svc.Report(context.Background(),
		auth.Principal{Role: models.RoleUser, Subject: "alice"},
		validUpdate("car-1"))
	if !errors.Is(err, ErrRoleViolation) {
		t.Errorf("err = %v, want ErrRoleViolation", err)
	}
	if len(caster.captured()) != 0 {
		t.Error("rejected report must not fan out")
	}
}

func TestReportRejectsForeignVehicle(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{})

	_, err := svc.Report(context.Background(), devicePrincipal("car-1"), validUpdate("car-2"))
	if !errors.Is(err, ErrRoleViolation) {
		t.Errorf("err = %v, want ErrRoleViolation", err)
	}
}

func TestReportValidation(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{})
	ctx := context.Background()

	cases := []struct {
		name   string
		update models.LocationUpdate
	}{
		{"missing vehicle id", models.LocationUpdate{Lat: 1, Lng: 2}},
		{"lat out of range", models.LocationUpdate{VehicleID: "car-1", Lat: 91}},
		{"lng out of range", models.LocationUpdate{VehicleID: "car-1", Lng: -181}},
		{"negative speed", models.LocationUpdate{VehicleID: "car-1", Speed: -3}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			principal := devicePrincipal(c.update.VehicleID)
			if c.update.VehicleID == "" {
				principal = devicePrincipal("")
			}
			_, err := svc.Report(ctx, principal, c.update)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestReportStampsServerTime(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{})

	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	report, err := svc.Report(context.Background(), devicePrincipal("car-1"), validUpdate("car-1"))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.Timestamp != fixed.UnixMilli() {
		t.Errorf("Timestamp = %d, want server-stamped %d", report.Timestamp, fixed.UnixMilli())
	}
}

func TestReportPersistsCurrentAndHistory(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{})
	ctx := context.Background()

	report, err := svc.Report(ctx, devicePrincipal("car-1"), validUpdate("car-1"))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	var current models.PositionReport
	if !store.Get(ctx, docstore.CurrentPositionKey("car-1"), &current) {
		t.Fatal("current document missing")
	}
	if current != report {
		t.Errorf("current = %+v, want %+v", current, report)
	}

	var historic models.PositionReport
	if !store.Get(ctx, docstore.HistoryKey("car-1", report.Timestamp), &historic) {
		t.Fatal("history record missing")
	}
	if historic != report {
		t.Errorf("history = %+v, want %+v", historic, report)
	}
}

func TestReportFanOutExactness(t *testing.T) {
	store := newTestStore(t)
	caster := &captureCaster{}
	viewers := &fakeViewers{viewers: map[string][]string{
		"car-1": {"alice", "bob"},
	}}
	svc := New(store, viewers, caster, Options{})

	report, err := svc.Report(context.Background(), devicePrincipal("car-1"), validUpdate("car-1"))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	events := caster.captured()
	if len(events) != 2 {
		t.Fatalf("fanned out to %d identities, want exactly 2", len(events))
	}

	got := map[models.Identity]bool{}
	for _, e := range events {
		got[e.identity] = true
		if e.event.Type != models.EventLocationLive {
			t.Errorf("event type = %q, want %q", e.event.Type, models.EventLocationLive)
		}
		if r, ok := e.event.Data.(models.PositionReport); !ok || r != report {
			t.Errorf("event data = %+v, want the stored report", e.event.Data)
		}
	}
	if !got[models.UserIdentity("alice")] || !got[models.UserIdentity("bob")] {
		t.Errorf("fan-out identities = %v, want alice and bob", got)
	}
	if got[models.UserIdentity("carol")] {
		t.Error("carol must not receive the report")
	}
}

func TestReportNoViewersNoFanOut(t *testing.T) {
	store := newTestStore(t)
	caster := &captureCaster{}
	svc := New(store, &fakeViewers{}, caster, Options{})

	if _, err := svc.Report(context.Background(), devicePrincipal("car-1"), validUpdate("car-1")); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(caster.captured()) != 0 {
		t.Error("report with no accepted viewers must not fan out")
	}
}

func TestReportRateLimitPerVehicle(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{
		ReportRate:  1,
		ReportBurst: 2,
	})
	ctx := context.Background()

	// The burst admits the first two reports; the third exceeds it.
	for i := 0; i < 2; i++ {
		if _, err := svc.Report(ctx, devicePrincipal("car-1"), validUpdate("car-1")); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	if _, err := svc.Report(ctx, devicePrincipal("car-1"), validUpdate("car-1")); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}

	// Another vehicle has its own budget.
	if _, err := svc.Report(ctx, devicePrincipal("car-2"), validUpdate("car-2")); err != nil {
		t.Errorf("other vehicle should not be limited: %v", err)
	}
}

func TestReportZeroRateDisablesLimiting(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &fakeViewers{}, &captureCaster{}, Options{})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := svc.Report(ctx, devicePrincipal("car-1"), validUpdate("car-1")); err != nil {
			t.Fatalf("report %d should not be limited: %v", i, err)
		}
	}
}
