// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadPassphrase returns the passphrase protecting a key file. A
// non-empty path other than "-" is read from disk with trailing
// newlines stripped; otherwise the terminal is prompted with echo
// disabled. With confirm the prompt asks twice and requires a match.
func ReadPassphrase(path string, confirm bool) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading passphrase file: %w", err)
		}
		passphrase := strings.TrimRight(string(data), "\r\n")
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file %s is empty", path)
		}
		return passphrase, nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return "", errors.New("no terminal available for passphrase prompt (use --passphrase-file)")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("passphrase must not be empty")
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}
