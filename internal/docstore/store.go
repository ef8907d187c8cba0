// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package docstore provides the document store: JSON-shaped records
// addressed by hierarchical string keys over BadgerDB.
//
// The store performs no validation of document contents; callers own
// schema invariants. Reads that fail for any reason are absorbed by Get
// (found=false) so "no document yet" and "backing store unavailable" are
// indistinguishable to callers; write and listing failures surface.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
)

// ErrNotFound reports a key with no document.
var ErrNotFound = errors.New("docstore: key not found")

// ErrTimeout reports a store call that exceeded its per-op bound.
var ErrTimeout = errors.New("docstore: operation timed out")

// Backend is the raw keyed-document contract. BadgerBackend implements it;
// the Store wrapper layers timeouts, the circuit breaker, and the
// absorb-read-failures policy on top.
type Backend interface {
	// Get unmarshals the document at key into out.
	// Returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string, out interface{}) error

	// Put marshals doc and writes it at key, unconditionally overwriting
	// any prior value. No compare-and-swap, no versioning.
	Put(ctx context.Context, key string, doc interface{}) error

	// List returns up to limit keys under prefix in lexicographic order,
	// starting strictly after cursor (empty cursor starts at the prefix).
	// next is the continuation cursor; empty means the listing is
	// exhausted.
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)

	// Close releases the backing store.
	Close() error
}

// BadgerBackend stores documents in BadgerDB.
type BadgerBackend struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB-backed document store at path.
// An empty path opens an in-memory store, suitable only for tests.
func Open(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logger is line-oriented; route it through zerolog.
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// NewBadgerBackend wraps an already-open badger database.
func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, key string, out interface{}) error {
	return b.bounded(ctx, func() error {
		return b.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, out)
			})
		})
	})
}

// Put implements Backend.
func (b *BadgerBackend) Put(ctx context.Context, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.bounded(ctx, func() error {
		return b.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), data)
		})
	})
}

// List implements Backend.
func (b *BadgerBackend) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	var keys []string

	err := b.bounded(ctx, func() error {
		return b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			pfx := []byte(prefix)
			start := pfx
			if cursor != "" {
				// Seek just past the cursor key.
				start = append([]byte(cursor), 0x00)
			}

			for it.Seek(start); it.ValidForPrefix(pfx); it.Next() {
				keys = append(keys, string(it.Item().KeyCopy(nil)))
				if len(keys) >= limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("list %s: %w", prefix, err)
	}

	next := ""
	if len(keys) == limit {
		// A full page may have more behind it; hand back the last key as
		// the continuation cursor. The next call returns zero keys if the
		// page boundary happened to be the end.
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// bounded runs fn, giving up when ctx expires. Badger transactions are
// synchronous, so the call keeps running in its goroutine after a timeout;
// the caller is unblocked and the result discarded.
func (b *BadgerBackend) bounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// badgerLogger adapts badger's logger interface to zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

// Store is the document store used by the rest of the server. It wraps a
// Backend with per-op timeouts, a circuit breaker, and the read-absorption
// policy from the error design.
type Store struct {
	backend   Backend
	breaker   *storeBreaker
	opTimeout time.Duration
}

// Options configures a Store.
type Options struct {
	// OpTimeout bounds every backend call. Zero means 5s.
	OpTimeout time.Duration

	// DisableBreaker turns off the circuit breaker.
	DisableBreaker bool
}

// New wraps backend with the configured operational policy.
func New(backend Backend, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	var br *storeBreaker
	if !opts.DisableBreaker {
		br = newStoreBreaker()
	}
	return &Store{
		backend:   backend,
		breaker:   br,
		opTimeout: opts.OpTimeout,
	}
}

// Get reads the document at key into out. Any failure (missing key, open
// breaker, timeout, backend error) yields found=false and leaves out
// untouched beyond what unmarshaling wrote; the caller's default shape
// stands. Failures other than a plain miss are logged.
func (s *Store) Get(ctx context.Context, key string, out interface{}) bool {
	start := time.Now()
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.backend.Get(ctx, key, out)
	})

	switch {
	case err == nil:
		metrics.ObserveStoreOp("get", start, "")
		return true
	case errors.Is(err, ErrNotFound):
		metrics.ObserveStoreOp("get", start, "")
		return false
	default:
		metrics.ObserveStoreOp("get", start, errType(err))
		metrics.StoreAbsorbedReads.Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("store read failed, substituting default document")
		return false
	}
}

// Put writes the document at key, overwriting any prior value.
func (s *Store) Put(ctx context.Context, key string, doc interface{}) error {
	start := time.Now()
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.backend.Put(ctx, key, doc)
	})
	metrics.ObserveStoreOp("put", start, errType(err))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// List returns up to limit keys under prefix starting after cursor.
// Unlike Get, listing failures surface: a partial listing would corrupt
// history query results.
func (s *Store) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	start := time.Now()
	var keys []string
	var next string
	err := s.execute(ctx, func(ctx context.Context) error {
		var lerr error
		keys, next, lerr = s.backend.List(ctx, prefix, cursor, limit)
		return lerr
	})
	metrics.ObserveStoreOp("list", start, errType(err))
	if err != nil {
		return nil, "", err
	}
	return keys, next, nil
}

// Ping verifies the backend answers reads. A missing probe key is a
// healthy outcome; timeouts, an open breaker, and backend errors are not.
// Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var probe struct{}
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.backend.Get(ctx, "health/probe", &probe)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// execute applies the op timeout and circuit breaker around one backend call.
func (s *Store) execute(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.execute(func() error { return fn(ctx) })
}

// errType classifies an error for metrics labels; empty for nil.
func errType(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	default:
		return "backend"
	}
}
