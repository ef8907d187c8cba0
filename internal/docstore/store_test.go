// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package docstore

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// newTestStore opens an in-memory store for one test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	store := New(backend, Options{OpTimeout: 5 * time.Second})
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestStorePutGetRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := testDoc{Name: "car-1", Count: 3}
	if err := store.Put(ctx, "vehicles/car-1/current", &in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out testDoc
	if !store.Get(ctx, "vehicles/car-1/current", &out) {
		t.Fatal("Get should find the document")
	}
	if out != in {
		t.Errorf("Get = %+v, want %+v", out, in)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	var out testDoc
	if store.Get(context.Background(), "vehicles/ghost/current", &out) {
		t.Error("Get should report found=false for a missing key")
	}
	if out != (testDoc{}) {
		t.Errorf("out should stay zero, got %+v", out)
	}
}

func TestStorePutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "k", &testDoc{Name: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "k", &testDoc{Name: "second"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out testDoc
	if !store.Get(ctx, "k", &out) {
		t.Fatal("Get should find the document")
	}
	if out.Name != "second" {
		t.Errorf("Put should overwrite unconditionally, got %q", out.Name)
	}
}

func TestStoreListCursorPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const total = 12
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("vehicles/car-1/history/2026/01/01/%03d", i)
		if err := store.Put(ctx, key, &testDoc{Count: i}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// A neighbor under a different prefix must not leak into the listing.
	if err := store.Put(ctx, "vehicles/car-2/history/2026/01/01/000", &testDoc{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		keys, next, err := store.List(ctx, "vehicles/car-1/history/", cursor, 5)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		all = append(all, keys...)
		pages++
		if next == "" {
			break
		}
		cursor = next
		if pages > 10 {
			t.Fatal("listing did not terminate")
		}
	}

	if len(all) != total {
		t.Fatalf("drained %d keys, want %d", len(all), total)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1] >= all[i] {
			t.Errorf("keys out of order: %q before %q", all[i-1], all[i])
		}
	}
	seen := make(map[string]bool, len(all))
	for _, key := range all {
		if seen[key] {
			t.Errorf("duplicate key %q across pages", key)
		}
		seen[key] = true
	}
}

func TestStoreListEmptyPrefix(t *testing.T) {
	store := newTestStore(t)

	keys, next, err := store.List(context.Background(), "vehicles/ghost/history/", "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 || next != "" {
		t.Errorf("List = (%v, %q), want empty", keys, next)
	}
}

func TestStorePing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping on healthy store: %v", err)
	}
}

func TestStoreBreakerTreatsMissAsSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Repeated misses must never trip the breaker.
	var out testDoc
	for i := 0; i < 50; i++ {
		store.Get(ctx, "missing/key", &out)
	}
	if err := store.Put(ctx, "k", &testDoc{Name: "ok"}); err != nil {
		t.Fatalf("Put after misses should still work: %v", err)
	}
}
