// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"time"
)

// Settler is anything that can block until its pending work drains.
type Settler interface {
	Settle(ctx context.Context) error
}

// Settle waits for settler to drain within five seconds, or fails the
// test.
func Settle(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, settler Settler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:realclock test hang prevention
	defer cancel()
	if err := settler.Settle(ctx); err != nil {
		t.Fatalf("waiting for pending deliveries: %v", err)
	}
}
