// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInjected is the default error returned by injected send failures
var ErrInjected = errors.New("injected write failure")

// MemoryLink is an in-process link. The host side is the Link; the fixture
// side is reached through Peer.
type MemoryLink struct {
	*inbox

	mu        sync.Mutex
	sent      [][]byte
	sendCalls int
	failures  []error

	toPeer chan []byte
	peer   *MemoryPeer
}

// MemoryPeer is the fixture end of a MemoryLink
type MemoryPeer struct {
	link *MemoryLink
}

// NewMemoryLink creates a connected in-process link
func NewMemoryLink(handle string) *MemoryLink {
	l := &MemoryLink{
		inbox:  newInbox(handle),
		toPeer: make(chan []byte, inboundBuffer),
	}
	l.peer = &MemoryPeer{link: l}
	return l
}

// Send records the buffer and hands it to the peer, unless a failure was injected
func (l *MemoryLink) Send(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.sendCalls++
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if l.isDown() {
		return ErrClosed
	}

	cp := append([]byte(nil), buf...)
	select {
	case l.toPeer <- cp:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.sent = append(l.sent, cp)
	l.mu.Unlock()
	return nil
}

// Close shuts the link down without an error
func (l *MemoryLink) Close() error {
	l.drop(nil)
	return nil
}

// FailSends makes the next n Send calls fail with err (ErrInjected when nil)
func (l *MemoryLink) FailSends(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures = append(l.failures, err)
	}
}

// SendCalls counts every Send call, failed or not
func (l *MemoryLink) SendCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendCalls
}

// Sent returns the buffers that were delivered to the peer
func (l *MemoryLink) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Peer returns the fixture end
func (l *MemoryLink) Peer() *MemoryPeer {
	return l.peer
}

// Commands yields buffers the host sent. It is never closed; watch Done.
func (p *MemoryPeer) Commands() <-chan []byte {
	return p.link.toPeer
}

// Done is closed when the link goes down
func (p *MemoryPeer) Done() <-chan struct{} {
	return p.link.done
}

// Notify delivers a buffer to the host. It reports false once the link is down.
func (p *MemoryPeer) Notify(buf []byte) bool {
	return p.link.deliver(append([]byte(nil), buf...))
}

// Drop simulates the fixture vanishing
func (p *MemoryPeer) Drop(err error) {
	if err == nil {
		err = fmt.Errorf("%s: peer dropped", p.link.handle)
	}
	p.link.drop(err)
}

// MemoryDialer hands out links from a function, counting dials
type MemoryDialer struct {
	mu    sync.Mutex
	dials int
	fn    func(attempt int, sel Selector) (Link, error)
}

// NewMemoryDialer creates a dialer; fn receives the 1-based dial count
func NewMemoryDialer(fn func(attempt int, sel Selector) (Link, error)) *MemoryDialer {
	return &MemoryDialer{fn: fn}
}

// Dial invokes the dial function
func (d *MemoryDialer) Dial(ctx context.Context, sel Selector) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.fn(n, sel)
}

// Dials returns how many times Dial was called
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
