// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listener accepts inbound connections from peer nodes. A Mesh calls
// Serve with a function that authenticates each connection and attaches
// it to the topic mux.
type Listener interface {
	// Serve accepts connections and calls handle for each one on its
	// own goroutine. handle owns the connection. Blocks until ctx is
	// cancelled or Close is called. Returns nil on clean shutdown.
	Serve(ctx context.Context, handle func(net.Conn)) error

	// Address returns the address peers dial to reach this node. The
	// format is transport-specific ("192.168.1.10:7891" for TCP, the
	// node's peer id for WebRTC).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens connections to peer nodes.
type Dialer interface {
	// DialContext opens a connection to the peer at address. The
	// address format matches what the peer's Listener.Address()
	// returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
