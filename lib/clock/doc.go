// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides injectable time for the replication stores.
//
// Stores need time for two things: stamping local writes, and pacing
// periodic re-advertisement and reconnect backoff. Both go through a
// [Clock] so tests can drive them with [Fake] instead of sleeping.
//
// Write timestamps come from a [Monotonic] source layered on a Clock.
// Record convergence is last-write-wins by timestamp, so a wall clock
// stepping backwards must never produce a timestamp at or below one
// already issued; Monotonic hands out strictly increasing millisecond
// values even then.
//
// A goroutine waiting on a Fake clock registers a pending timer. Tests
// call WaitForTimers before Advance so the advance cannot race the
// registration:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go reconciler.Run(ctx)
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
package clock
