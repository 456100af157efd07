// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session keeps one logical connection to a fixture alive over an
// unreliable link: bounded connect, heartbeat liveness, and bounded
// automatic reconnection after drops the user did not ask for.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Session errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrManagerClosed      = errors.New("session manager closed")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
	ErrLinkDropped        = errors.New("link dropped")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
)

// State represents the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Session is a read-only snapshot of the connection
type Session struct {
	Handle          string
	State           State
	Attempt         int // reconnection attempt, 1-based while Reconnecting
	LastHeartbeatAt time.Time
}

// Transition is one observed state change
type Transition struct {
	From    State
	To      State
	Attempt int
	Handle  string
	// Err is the cause of a drop or failed connect, nil otherwise
	Err error
	// User is set when the transition came from Disconnect
	User bool
	At   time.Time
}

func (t Transition) String() string {
	s := fmt.Sprintf("%s -> %s", t.From, t.To)
	if t.To == StateReconnecting {
		s += fmt.Sprintf(" (attempt %d)", t.Attempt)
	}
	if t.Err != nil {
		s += ": " + t.Err.Error()
	}
	return s
}

// ConnectErrorKind classifies connect failures
type ConnectErrorKind uint8

const (
	ConnectNotFound ConnectErrorKind = iota + 1
	ConnectTimeout
	ConnectUserCancelled
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectNotFound:
		return "not found"
	case ConnectTimeout:
		return "timeout"
	case ConnectUserCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Manager.Connect
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "connect " + e.Kind.String()
	}
	return fmt.Sprintf("connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
