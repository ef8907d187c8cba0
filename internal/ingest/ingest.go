// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package ingest accepts device-originated position reports, persists the
// current and history copies, and fans the report out to accepted viewers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

// ErrRoleViolation reports a position update from a non-device connection.
// The event is rejected via its ack; the connection stays open.
var ErrRoleViolation = errors.New("ingest: only device connections may report positions")

// ErrValidation reports a payload with missing or out-of-range fields.
var ErrValidation = errors.New("ingest: invalid position report")

// ErrRateLimited reports a vehicle exceeding its report budget.
var ErrRateLimited = errors.New("ingest: report rate exceeded")

// Multicaster delivers an event to every live connection of an identity.
// Satisfied by *relay.Registry.
type Multicaster interface {
	Multicast(identity models.Identity, event models.OutEnvelope)
}

// ViewerSource yields the accepted viewer set for a vehicle.
// Satisfied by *permission.Service.
type ViewerSource interface {
	AcceptedViewers(ctx context.Context, vehicleID string) []string
}

// Service is the location ingest pipeline.
type Service struct {
	store   *docstore.Store
	viewers ViewerSource
	caster  Multicaster

	// now is injectable for tests; reports are stamped with server time,
	// never client time.
	now func() time.Time

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Options configures the ingest service.
type Options struct {
	// ReportRate and ReportBurst bound reports per vehicle. A zero rate
	// disables limiting.
	ReportRate  float64
	ReportBurst int
}

// New creates the ingest service.
func New(store *docstore.Store, viewers ViewerSource, caster Multicaster, opts Options) *Service {
	burst := opts.ReportBurst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		store:    store,
		viewers:  viewers,
		caster:   caster,
		now:      time.Now,
		limit:    rate.Limit(opts.ReportRate),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Report processes one position update from sender.
//
// The pipeline is: role check, payload validation, per-vehicle rate
// limit, server timestamping, current-document overwrite, history-record
// append, accepted-viewer fan-out. The two writes are independent and
// non-transactional: a crash between them leaves the current copy updated
// with the history sample missing. That window is an accepted property of
// the single-key store, not something this path hides by reordering or
// retrying.
//
// The stored report is returned so callers can echo it in the ack.
func (s *Service) Report(ctx context.Context, sender auth.Principal, update models.LocationUpdate) (models.PositionReport, error) {
	if sender.Role != models.RoleDevice {
		metrics.ReportsRejected.WithLabelValues("role").Inc()
		return models.PositionReport{}, ErrRoleViolation
	}

	report := models.PositionReport{
		VehicleID: update.VehicleID,
		Lat:       update.Lat,
		Lng:       update.Lng,
		Speed:     update.Speed,
	}
	if err := models.ValidateReport(&report); err != nil {
		metrics.ReportsRejected.WithLabelValues("validation").Inc()
		return models.PositionReport{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// A device reports its own position only.
	if report.VehicleID != sender.Subject {
		metrics.ReportsRejected.WithLabelValues("role").Inc()
		return models.PositionReport{}, fmt.Errorf("%w: vehicle %q cannot report for %q", ErrRoleViolation, sender.Subject, report.VehicleID)
	}

	if !s.allow(report.VehicleID) {
		metrics.ReportsRejected.WithLabelValues("rate_limited").Inc()
		return models.PositionReport{}, ErrRateLimited
	}

	report.Timestamp = s.now().UnixMilli()

	if err := s.store.Put(ctx, docstore.CurrentPositionKey(report.VehicleID), &report); err != nil {
		metrics.ReportsRejected.WithLabelValues("store").Inc()
		return models.PositionReport{}, fmt.Errorf("store current position: %w", err)
	}
	if err := s.store.Put(ctx, docstore.HistoryKey(report.VehicleID, report.Timestamp), &report); err != nil {
		metrics.ReportsRejected.WithLabelValues("store").Inc()
		return models.PositionReport{}, fmt.Errorf("store history record: %w", err)
	}

	metrics.ReportsIngested.Inc()

	viewers := s.viewers.AcceptedViewers(ctx, report.VehicleID)
	metrics.FanoutViewers.Observe(float64(len(viewers)))

	event := models.OutEnvelope{Type: models.EventLocationLive, Data: report}
	for _, userID := range viewers {
		s.caster.Multicast(models.UserIdentity(userID), event)
	}

	logging.Ctx(ctx).Debug().
		Str("vehicle_id", report.VehicleID).
		Int64("ts", report.Timestamp).
		Int("viewers", len(viewers)).
		Msg("position report relayed")

	return report, nil
}

// allow checks the per-vehicle report limiter, creating it on first use.
func (s *Service) allow(vehicleID string) bool {
	if s.limit <= 0 {
		return true
	}

	s.mu.Lock()
	lim, ok := s.limiters[vehicleID]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		s.limiters[vehicleID] = lim
	}
	s.mu.Unlock()

	return lim.Allow()
}
