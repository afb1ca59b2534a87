// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"

	"github.com/bureau-foundation/tessera/lib/actor"
)

// NewKeyring returns a keyring holding one generated actor, which is
// also its current actor.
func NewKeyring(t *testing.T) (*actor.Keyring, actor.ID) {
	t.Helper()
	keyring := actor.NewKeyring()
	t.Cleanup(func() { keyring.Close() })
	id, err := keyring.Generate()
	if err != nil {
		t.Fatalf("generating actor: %v", err)
	}
	return keyring, id
}
