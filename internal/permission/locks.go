// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package permission

import (
	"hash/fnv"
	"sync"
)

// stripeCount is the number of lock stripes. A power of two keeps the
// modulo cheap; 64 stripes keep unrelated identities concurrent while the
// lock table stays fixed-size regardless of fleet size.
const stripeCount = 64

// stripedLocks serializes document read-modify-write cycles per identity
// key. Every permission transition touches two documents (vehicle-keyed
// and user-keyed), so callers lock both identities; lockPair acquires the
// stripes in index order to rule out lock-order inversion.
type stripedLocks struct {
	stripes [stripeCount]sync.Mutex
}

func newStripedLocks() *stripedLocks {
	return &stripedLocks{}
}

// stripeFor hashes an identity key onto its stripe index.
func stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// lockPair locks the stripes for both identity keys and returns an unlock
// function. When both keys hash to the same stripe only one lock is taken.
func (l *stripedLocks) lockPair(a, b string) func() {
	ia, ib := stripeFor(a), stripeFor(b)
	if ia > ib {
		ia, ib = ib, ia
	}

	l.stripes[ia].Lock()
	if ib != ia {
		l.stripes[ib].Lock()
	}

	return func() {
		if ib != ia {
			l.stripes[ib].Unlock()
		}
		l.stripes[ia].Unlock()
	}
}
