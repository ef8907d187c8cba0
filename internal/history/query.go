// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package history reconstructs ordered, time-bounded sequences of a
// vehicle's past positions from the partitioned document store.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

// DefaultMaxResults caps a query to the most recent entries when more
// match the requested bounds.
const DefaultMaxResults = 2000

// Query answers time-range questions over a vehicle's position history.
type Query struct {
	store      *docstore.Store
	maxResults int
	pageSize   int
}

// Options configures a Query.
type Options struct {
	// MaxResults caps results to the most recent N (default 2000).
	MaxResults int

	// PageSize is the listing page size used while draining the key
	// cursor (default 500).
	PageSize int
}

// New creates a history query service over store.
func New(store *docstore.Store, opts Options) *Query {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	return &Query{
		store:      store,
		maxResults: opts.MaxResults,
		pageSize:   opts.PageSize,
	}
}

// Positions returns the vehicle's history records with from <= ts <= to,
// ascending by timestamp, capped to the most recent maxResults entries
// (the tail of the sorted sequence, never the head). Nil bounds are
// unbounded on that side.
//
// The key listing follows continuation cursors to exhaustion before any
// filtering; a listing failure aborts the whole query rather than
// returning a partial result. Keys that do not match the history layout
// are skipped, tolerating foreign objects under the prefix. Each retained
// record costs one store read; this is O(matching keys) round-trips.
func (q *Query) Positions(ctx context.Context, vehicleID string, from, to *int64) ([]models.PositionReport, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("history query requires a vehicle id")
	}

	start := time.Now()
	prefix := docstore.HistoryPrefix(vehicleID)

	type match struct {
		key string
		ts  int64
	}
	var matches []match

	cursor := ""
	for {
		keys, next, err := q.store.List(ctx, prefix, cursor, q.pageSize)
		if err != nil {
			return nil, fmt.Errorf("history listing failed: %w", err)
		}

		for _, key := range keys {
			ts, ok := docstore.ParseHistoryTimestamp(key)
			if !ok {
				logging.Ctx(ctx).Debug().Str("key", key).Msg("skipping foreign object under history prefix")
				continue
			}
			if from != nil && ts < *from {
				continue
			}
			if to != nil && ts > *to {
				continue
			}
			matches = append(matches, match{key: key, ts: ts})
		}

		if next == "" {
			break
		}
		cursor = next
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ts < matches[j].ts })

	// Keep the most recent entries: the tail of the ascending sequence.
	if len(matches) > q.maxResults {
		matches = matches[len(matches)-q.maxResults:]
	}

	reports := make([]models.PositionReport, 0, len(matches))
	for _, m := range matches {
		var report models.PositionReport
		if !q.store.Get(ctx, m.key, &report) {
			logging.Ctx(ctx).Warn().Str("key", m.key).Msg("history record unreadable, skipping")
			continue
		}
		reports = append(reports, report)
	}

	metrics.HistoryQueryDuration.Observe(time.Since(start).Seconds())
	metrics.HistoryQueryRecords.Observe(float64(len(reports)))

	return reports, nil
}

// Current returns the vehicle's latest position, or found=false when no
// current document exists (or the store is unavailable).
func (q *Query) Current(ctx context.Context, vehicleID string) (models.PositionReport, bool) {
	var report models.PositionReport
	found := q.store.Get(ctx, docstore.CurrentPositionKey(vehicleID), &report)
	return report, found
}
