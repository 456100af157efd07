// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package channel provides message-oriented links to a test fixture.
//
// A Link delivers whole inbound buffers and accepts whole outbound buffers.
// Byte-stream transports (serial) are framed underneath; message transports
// (BLE notifications, WebSocket messages) map one buffer to one message.
package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Dial when no matching device answers
	ErrNotFound = errors.New("device not found")
	// ErrClosed is returned by Send after the link has dropped or been closed
	ErrClosed = errors.New("link closed")
	// ErrDisconnected is the drop reason when the device ends the connection
	ErrDisconnected = errors.New("device disconnected")
)

// inboundBuffer is the depth of a link's message queue
const inboundBuffer = 64

// Selector identifies the fixture to connect to.
// Target is interpreted by the dialer: a serial port path, a WebSocket URL,
// or a BLE local name prefix. An empty Target lets the dialer pick.
type Selector struct {
	Target string
}

// Link is an open message channel to a fixture
type Link interface {
	// Handle names the remote end for logs and UIs
	Handle() string
	// Send writes one buffer. It may fail transiently.
	Send(ctx context.Context, buf []byte) error
	// Messages yields inbound buffers and is closed when the link drops
	Messages() <-chan []byte
	// Err reports why the link dropped, nil while it is up or after Close
	Err() error
	// Close shuts the link down. It is safe to call more than once.
	Close() error
}

// Dialer opens links
type Dialer interface {
	Dial(ctx context.Context, sel Selector) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, sel Selector) (Link, error)

// Dial calls f(ctx, sel)
func (f DialerFunc) Dial(ctx context.Context, sel Selector) (Link, error) {
	return f(ctx, sel)
}

// inbox is the inbound half shared by every link implementation.
// Any number of goroutines may deliver; drop closes the message channel once.
type inbox struct {
	handle string
	msgs   chan []byte
	done   chan struct{}

	once   sync.Once
	mu     sync.RWMutex
	closed bool
	err    error
}

func newInbox(handle string) *inbox {
	return &inbox{
		handle: handle,
		msgs:   make(chan []byte, inboundBuffer),
		done:   make(chan struct{}),
	}
}

func (b *inbox) Handle() string {
	return b.handle
}

func (b *inbox) Messages() <-chan []byte {
	return b.msgs
}

func (b *inbox) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// deliver queues a buffer, blocking while the queue is full.
// It returns false once the link is down.
func (b *inbox) deliver(buf []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.msgs <- buf:
		return true
	case <-b.done:
		return false
	}
}

// drop marks the link down. The first call wins; err is nil for a local close.
func (b *inbox) drop(err error) {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		b.err = err
		close(b.msgs)
		b.mu.Unlock()
	})
}

func (b *inbox) isDown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
