// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestDataChannelConn_ReadWrite(t *testing.T) {
	// io.Pipe delivers each Write to a single Read when the reader's
	// buffer is large enough, like a detached channel.
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	clientStream := &pipeReadWriteCloser{Reader: clientReader, Writer: clientWriter}
	serverStream := &pipeReadWriteCloser{Reader: serverReader, Writer: serverWriter}

	clientConn := NewDataChannelConn(clientStream, "client/dc-1", "server/dc-1")
	serverConn := NewDataChannelConn(serverStream, "server/dc-1", "client/dc-1")
	defer clientConn.Close()
	defer serverConn.Close()

	// Write from client, read from server.
	message := []byte("hello from client")
	go func() {
		if _, err := clientConn.Write(message); err != nil {
			t.Errorf("Write error: %v", err)
		}
	}()

	buffer := make([]byte, 256)
	bytesRead, err := serverConn.Read(buffer)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(buffer[:bytesRead]) != "hello from client" {
		t.Errorf("read = %q, want %q", string(buffer[:bytesRead]), "hello from client")
	}
}

func TestDataChannelConn_Addresses(t *testing.T) {
	stream := newMessageChannel()
	conn := NewDataChannelConn(stream, "local/dc-1", "remote/dc-1")

	if conn.LocalAddr().Network() != "webrtc" {
		t.Errorf("LocalAddr().Network() = %q, want %q", conn.LocalAddr().Network(), "webrtc")
	}
	if conn.LocalAddr().String() != "local/dc-1" {
		t.Errorf("LocalAddr().String() = %q, want %q", conn.LocalAddr().String(), "local/dc-1")
	}
	if conn.RemoteAddr().Network() != "webrtc" {
		t.Errorf("RemoteAddr().Network() = %q, want %q", conn.RemoteAddr().Network(), "webrtc")
	}
	if conn.RemoteAddr().String() != "remote/dc-1" {
		t.Errorf("RemoteAddr().String() = %q, want %q", conn.RemoteAddr().String(), "remote/dc-1")
	}
}

func TestDataChannelConn_ImplementsNetConn(t *testing.T) {
	stream := newMessageChannel()
	conn := NewDataChannelConn(stream, "a", "b")
	var _ net.Conn = conn
	conn.Close()
}

func TestDataChannelConn_DeadlineClosesStream(t *testing.T) {
	reader, writer := io.Pipe()
	stream := &pipeReadWriteCloser{Reader: reader, Writer: writer}
	conn := NewDataChannelConn(stream, "local", "remote")

	// Set a deadline that fires immediately.
	conn.SetReadDeadline(time.Now().Add(-1 * time.Second))

	// The underlying pipe should be closed, causing reads to fail.
	buffer := make([]byte, 10)
	_, err := conn.Read(buffer)
	if err == nil {
		t.Fatal("expected error from Read after expired deadline, got nil")
	}
}

func TestDataChannelConn_ClearDeadline(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	clientStream := &pipeReadWriteCloser{Reader: clientReader, Writer: clientWriter}
	serverStream := &pipeReadWriteCloser{Reader: serverReader, Writer: serverWriter}

	clientConn := NewDataChannelConn(clientStream, "client", "server")
	serverConn := NewDataChannelConn(serverStream, "server", "client")
	defer clientConn.Close()
	defer serverConn.Close()

	// Set and then clear a deadline. The clear (zero time) should prevent
	// the deadline from firing.
	clientConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	clientConn.SetReadDeadline(time.Time{})

	// Wait past the original deadline.
	time.Sleep(100 * time.Millisecond)

	// The connection should still be alive.
	message := []byte("still alive")
	go func() {
		serverConn.Write(message)
	}()

	buffer := make([]byte, 256)
	bytesRead, err := clientConn.Read(buffer)
	if err != nil {
		t.Fatalf("Read error after clearing deadline: %v", err)
	}
	if string(buffer[:bytesRead]) != "still alive" {
		t.Errorf("read = %q, want %q", string(buffer[:bytesRead]), "still alive")
	}
}

func TestDataChannelConn_CloseStopsTimers(t *testing.T) {
	reader, writer := io.Pipe()
	stream := &pipeReadWriteCloser{Reader: reader, Writer: writer}
	conn := NewDataChannelConn(stream, "local", "remote")

	// Set a future deadline, then close. The timer should be cleaned up.
	conn.SetDeadline(time.Now().Add(1 * time.Hour))
	conn.Close()

	// After close, the underlying pipe should be closed.
	_, err := reader.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected error after Close, got nil")
	}
}

func TestDataChannelConn_WriteChunksLargeBuffers(t *testing.T) {
	channel := newMessageChannel()
	conn := NewDataChannelConn(channel, "local", "remote")
	defer conn.Close()

	payload := bytes.Repeat([]byte("tessera!"), 5000) // 40000 bytes
	written, err := conn.Write(payload)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if written != len(payload) {
		t.Fatalf("Write = %d, want %d", written, len(payload))
	}

	messages := channel.sent()
	if len(messages) != 3 {
		t.Fatalf("sent %d messages, want 3", len(messages))
	}
	for index, message := range messages {
		if len(message) > dataChannelChunk {
			t.Errorf("message %d is %d bytes, want at most %d", index, len(message), dataChannelChunk)
		}
	}
	if !bytes.Equal(bytes.Join(messages, nil), payload) {
		t.Error("chunks do not reassemble to the written payload")
	}
}

func TestDataChannelConn_ReadBuffersPartialMessages(t *testing.T) {
	channel := newMessageChannel()
	channel.deliver([]byte("0123456789"))
	channel.deliver([]byte("abc"))
	conn := NewDataChannelConn(channel, "local", "remote")
	defer conn.Close()

	var collected []byte
	buffer := make([]byte, 4)
	for len(collected) < 13 {
		count, err := conn.Read(buffer)
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if count > len(buffer) {
			t.Fatalf("Read = %d, larger than buffer", count)
		}
		collected = append(collected, buffer[:count]...)
	}
	if string(collected) != "0123456789abc" {
		t.Errorf("read = %q, want %q", collected, "0123456789abc")
	}
}

func TestDataChannelConn_ReadFullAcrossMessages(t *testing.T) {
	channel := newMessageChannel()
	channel.deliver([]byte("len"))
	channel.deliver([]byte("gth-prefixed"))
	conn := NewDataChannelConn(channel, "local", "remote")
	defer conn.Close()

	buffer := make([]byte, 15)
	if _, err := io.ReadFull(conn, buffer); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if string(buffer) != "length-prefixed" {
		t.Errorf("read = %q, want %q", buffer, "length-prefixed")
	}
}

func TestDataChannelConn_CloseIsIdempotent(t *testing.T) {
	channel := newMessageChannel()
	conn := NewDataChannelConn(channel, "local", "remote")
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if channel.closeCount() != 1 {
		t.Errorf("underlying Close called %d times, want 1", channel.closeCount())
	}
}

// messageChannel imitates a detached data channel: each Write is one
// message and each Read returns exactly one message.
type messageChannel struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closes   int
}

func newMessageChannel() *messageChannel {
	return &messageChannel{inbound: make(chan []byte, 16)}
}

func (m *messageChannel) deliver(message []byte) { m.inbound <- message }

func (m *messageChannel) Read(buffer []byte) (int, error) {
	message, ok := <-m.inbound
	if !ok {
		return 0, io.EOF
	}
	if len(message) > len(buffer) {
		return 0, io.ErrShortBuffer
	}
	return copy(buffer, message), nil
}

func (m *messageChannel) Write(buffer []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closes > 0 {
		return 0, errors.New("channel closed")
	}
	m.outbound = append(m.outbound, bytes.Clone(buffer))
	return len(buffer), nil
}

func (m *messageChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *messageChannel) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound
}

func (m *messageChannel) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// pipeReadWriteCloser combines separate io.Reader and io.Writer into an
// io.ReadWriteCloser. Closing closes the reader (if closable) and writer
// (if closable).
type pipeReadWriteCloser struct {
	io.Reader
	io.Writer
	closed bool
}

func (p *pipeReadWriteCloser) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var firstError error
	if closer, ok := p.Reader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			firstError = err
		}
	}
	if closer, ok := p.Writer.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}
