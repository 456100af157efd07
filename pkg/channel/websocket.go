// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens links to a fixture bridge over WebSocket with optional HTTP Basic auth
type WebSocketDialer struct {
	Username         string
	Password         string
	SkipTLSVerify    bool
	HandshakeTimeout time.Duration
}

// WebSocketLink maps one WebSocket message to one buffer
type WebSocketLink struct {
	*inbox
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to the ws:// or wss:// URL in sel.Target
func (d *WebSocketDialer) Dial(ctx context.Context, sel Selector) (Link, error) {
	u, err := url.Parse(sel.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %q (use ws:// or wss://)", u.Scheme)
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: d.SkipTLSVerify,
		}
	}

	headers := http.Header{}
	if d.Username != "" && d.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, sel.Target, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, sel.Target)
			}
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	l := &WebSocketLink{
		inbox: newInbox("ws:" + u.Host + u.Path),
		conn:  conn,
	}
	go l.readLoop()
	return l, nil
}

func (l *WebSocketLink) readLoop() {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.isDown() {
				return
			}
			l.drop(fmt.Errorf("websocket read: %w", err))
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if !l.deliver(data) {
			return
		}
	}
}

// Send writes one buffer as a text message when it is valid UTF-8, binary otherwise
func (l *WebSocketLink) Send(ctx context.Context, buf []byte) error {
	if l.isDown() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messageType := websocket.BinaryMessage
	if utf8.Valid(buf) {
		messageType = websocket.TextMessage
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	if err := l.conn.WriteMessage(messageType, buf); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection
func (l *WebSocketLink) Close() error {
	if l.isDown() {
		return nil
	}
	l.drop(nil)
	l.writeMu.Lock()
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}
