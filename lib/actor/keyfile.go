// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/bureau-foundation/tessera/lib/sealed"
	"github.com/bureau-foundation/tessera/lib/secret"
)

// GenerateKeyFile creates a new actor and writes its seed to path,
// sealed under passphrase. The file is created with 0600 permissions
// and must not already exist.
func GenerateKeyFile(path, passphrase string, workFactor int) (ID, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	defer secret.Zero(private)

	armored, err := sealed.SealPassphrase(private.Seed(), passphrase, workFactor)
	if err != nil {
		return "", err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("creating key file: %w", err)
	}
	if _, err := file.Write(armored); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing key file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing key file: %w", err)
	}
	return IDFromPublicKey(public), nil
}

// LoadKeyFile opens a sealed key file and adds its actor to the keyring.
func (k *Keyring) LoadKeyFile(path, passphrase string) (ID, error) {
	armored, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	seed, err := sealed.OpenPassphrase(armored, passphrase)
	if err != nil {
		return "", fmt.Errorf("opening key file %s: %w", path, err)
	}
	return k.AddSeed(seed)
}
