// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

const (
	// dataChannelChunk caps one SCTP message. Browsers and pion both
	// accept 16 KiB messages without negotiation.
	dataChannelChunk = 16 * 1024

	// dataChannelReadBuffer must hold the largest message the remote
	// side sends. Detached channels fail a Read into a shorter buffer
	// with io.ErrShortBuffer.
	dataChannelReadBuffer = 64 * 1024
)

// DataChannelConn adapts a detached pion data channel to a net.Conn.
// A detached channel is message-oriented: every Write is one SCTP
// message and every Read returns at most one. DataChannelConn splits
// writes into bounded chunks and buffers partial reads, so mesh framing
// can treat it as an ordinary byte stream.
//
// Deadlines use timer-based cancellation: when a deadline fires, the
// underlying channel is closed, causing any blocked Read or Write to
// return an error. This matches the pattern used by net.Pipe.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	readMu  sync.Mutex
	pending []byte
	scratch []byte

	writeMu sync.Mutex

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached data channel. localLabel and
// peerLabel name the endpoints in LocalAddr and RemoteAddr.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
	}
}

// Read copies buffered bytes from the last message, reading a new
// message only when the buffer is empty.
func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(buffer) == 0 {
		return 0, nil
	}
	if len(c.pending) == 0 {
		if c.scratch == nil {
			c.scratch = make([]byte, dataChannelReadBuffer)
		}
		count, err := c.rwc.Read(c.scratch)
		if count == 0 {
			return 0, err
		}
		c.pending = c.scratch[:count]
	}
	copied := copy(buffer, c.pending)
	c.pending = c.pending[copied:]
	return copied, nil
}

// Write sends buffer as one or more messages of at most 16 KiB.
func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	written := 0
	for written < len(buffer) {
		chunk := buffer[written:min(written+dataChannelChunk, len(buffer))]
		count, err := c.rwc.Write(chunk)
		written += count
		if err != nil {
			return written, err
		}
		if count < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	alreadyClosed := c.deadlineClosed
	c.deadlineClosed = true
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	return c.rwc.Close()
}

// LocalAddr returns a synthetic address naming the local endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address naming the remote endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears
// them.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// SetReadDeadline sets the read deadline. When it fires, the channel
// is closed and pending reads fail.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. When it fires, the channel
// is closed and pending writes fail.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces timer with one firing at deadline, or with nil
// when deadline is zero. A deadline already in the past closes the
// channel immediately.
func (c *DataChannelConn) armLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.closeFromDeadlineLocked()
		return nil
	}
	return time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

// Must be called with c.mu held.
func (c *DataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
