// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections from peer nodes. This is
// the same-LAN transport: it requires direct TCP reachability between
// nodes. For NAT traversal, use WebRTCTransport.
type TCPListener struct {
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

// NewTCPListener creates a TCP listener on the specified address (e.g.,
// ":7891" or "192.168.1.10:7891"). Use ":0" for a random available
// port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts TCP connections and hands each to handle on its own
// goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Temporary accept failures (EMFILE and friends) back off
			// instead of spinning.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		go handle(conn)
	}
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.listener.Close() })
	return l.closeErr
}

// TCPDialer opens TCP connections to peer nodes.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
