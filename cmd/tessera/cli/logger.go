// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/tessera/lib/config"
)

// NewCommandLogger creates a logger for one-shot commands. When stderr
// is a terminal it writes text; otherwise JSON.
func NewCommandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// NewLogger builds the node logger described by the log section of the
// configuration.
func NewLogger(w io.Writer, logConfig config.LogConfig) (*slog.Logger, error) {
	level, err := logConfig.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if logConfig.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}
