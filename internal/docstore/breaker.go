// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package docstore

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
)

// ErrBreakerOpen reports a store call rejected because the circuit is open.
var ErrBreakerOpen = errors.New("docstore: circuit breaker open")

// storeBreaker wraps store access with a circuit breaker so a wedged
// backing store sheds load quickly instead of stacking up timed-out calls.
//
// Settings:
//   - max 3 concurrent probes in half-open state
//   - 1 minute measurement window in closed state
//   - 30 second timeout before open -> half-open
//   - opens at >= 60% failures with at least 10 requests
type storeBreaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

func newStoreBreaker() *storeBreaker {
	metrics.BreakerState.Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Uint32("requests", counts.Requests).
					Msg("document store circuit opening")
				return true
			}
			return false
		},

		// A missing document is an answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},

		OnStateChange: func(_ string, from, to gobreaker.State) {
			logging.Info().
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("document store circuit state change")
			metrics.BreakerState.Set(stateToFloat(to))
			metrics.BreakerTransitions.WithLabelValues(stateToString(from), stateToString(to)).Inc()
		},
	})

	return &storeBreaker{cb: cb}
}

// execute runs fn under the breaker. Rejections map to ErrBreakerOpen.
func (b *storeBreaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
