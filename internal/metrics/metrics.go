// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package metrics registers the Prometheus collectors for Fleetglass:
// store access, realtime connections and fan-out, ingest, and the HTTP API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Document store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_op_duration_seconds",
			Help:    "Duration of document store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // "get", "put", "list"
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_op_errors_total",
			Help: "Total number of document store operation errors",
		},
		[]string{"op", "error_type"}, // error_type: "timeout", "breaker_open", "backend"
	)

	StoreAbsorbedReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_absorbed_reads_total",
			Help: "Reads that failed and were absorbed as missing documents",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// Realtime relay metrics
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently open websocket connections by role",
		},
		[]string{"role"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Client events received by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: "accepted", "rejected"
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Events delivered to client connections",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events dropped instead of delivered",
		},
		[]string{"type", "reason"}, // reason: "send_buffer_full", "registry_backlog"
	)

	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_rejections_total",
			Help: "Handshake credentials rejected before role binding",
		},
		[]string{"reason"}, // "bad_token", "bad_role", "missing_subject"
	)

	// Ingest metrics
	ReportsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_reports_total",
			Help: "Position reports accepted and persisted",
		},
	)

	ReportsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_reports_rejected_total",
			Help: "Position reports rejected before persistence",
		},
		[]string{"reason"}, // "role", "validation", "rate_limited", "store"
	)

	FanoutViewers = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_fanout_viewers",
			Help:    "Accepted viewer count per ingested report",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// History query metrics
	HistoryQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "history_query_duration_seconds",
			Help:    "Duration of history queries in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	HistoryQueryRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "history_query_records",
			Help:    "Records returned per history query",
			Buckets: []float64{0, 10, 50, 100, 500, 1000, 2000},
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveStoreOp records one store operation's duration, and its error
// class when err is non-nil.
func ObserveStoreOp(op string, start time.Time, errType string) {
	StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errType != "" {
		StoreOpErrors.WithLabelValues(op, errType).Inc()
	}
}

// ObserveAPIRequest records one HTTP request.
func ObserveAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
