// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use it for secret paths, context
// secrets and peer names that must not collide across tests sharing a
// network or persistence store.
//
//	path := testutil.UniqueID("path")       // "path-1", "path-2", ...
//	team := testutil.UniqueID("team-x")     // "team-x-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
