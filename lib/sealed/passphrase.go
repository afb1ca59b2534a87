// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/tessera/lib/secret"
)

// DefaultWorkFactor is the scrypt work factor (log2 N) for new key files.
const DefaultWorkFactor = 18

// SealPassphrase encrypts plaintext to an age scrypt recipient and
// returns the ASCII-armored result. workFactor <= 0 selects
// DefaultWorkFactor.
func SealPassphrase(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed: passphrase is empty")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt recipient: %w", err)
	}
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	recipient.SetWorkFactor(workFactor)

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// OpenPassphrase decrypts an armored age scrypt file. The plaintext is
// returned in protected memory; the caller closes it.
func OpenPassphrase(ciphertext []byte, passphrase string) (*secret.Buffer, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt identity: %w", err)
	}
	// Accept files sealed with a higher work factor than the default, up
	// to a bound that keeps a hostile file from pinning the CPU.
	identity.SetMaxWorkFactor(DefaultWorkFactor + 4)

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return secret.NewFromBytes(plaintext)
}
