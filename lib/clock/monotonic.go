// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "sync"

// Monotonic issues strictly increasing Unix millisecond timestamps. It
// follows the wall clock while the wall clock moves forward and counts
// up by one from the last issued value otherwise.
type Monotonic struct {
	clock Clock

	mu   sync.Mutex
	last int64
}

// NewMonotonic returns a timestamp source over clock.
func NewMonotonic(clock Clock) *Monotonic {
	return &Monotonic{clock: clock}
}

// Next returns a timestamp greater than every value previously returned
// or passed to Observe.
func (m *Monotonic) Next() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UnixMilli()
	if now <= m.last {
		now = m.last + 1
	}
	m.last = now
	return now
}

// Observe raises the floor so later Next values exceed timestamp. Stores
// call it with timestamps loaded from persistence or accepted from peers
// for the local actor, so a restarted process with a lagging clock does
// not issue a write that loses to its own earlier one.
func (m *Monotonic) Observe(timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timestamp > m.last {
		m.last = timestamp
	}
}
