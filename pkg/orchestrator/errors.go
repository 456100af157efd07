// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

var (
	ErrRunActive      = errors.New("a run is already active")
	ErrNoRun          = errors.New("no active run")
	ErrNoPrompt       = errors.New("no prompt is waiting for confirmation")
	ErrStopped        = errors.New("orchestrator stopped")
	ErrAlreadyRunning = errors.New("orchestrator loop already running")
)

// RunErrorKind classifies why a run was aborted
type RunErrorKind uint8

const (
	RunDeviceReported RunErrorKind = iota + 1
	RunLinkLost
	RunCancelled
	RunTimeout
)

func (k RunErrorKind) String() string {
	switch k {
	case RunDeviceReported:
		return "device_reported"
	case RunLinkLost:
		return "link_lost"
	case RunCancelled:
		return "cancelled"
	case RunTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RunError aborts a run. Aborted runs are never persisted.
type RunError struct {
	Kind    RunErrorKind
	Message string
	Err     error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case RunDeviceReported:
		return fmt.Sprintf("fixture reported an error: %s", e.Message)
	case RunLinkLost:
		if e.Err != nil {
			return fmt.Sprintf("link lost during run: %v", e.Err)
		}
		return "link lost during run"
	case RunTimeout:
		return fmt.Sprintf("fixture did not respond: %s", e.Message)
	case RunCancelled:
		if e.Message != "" {
			return "run cancelled: " + e.Message
		}
		return "run cancelled"
	}
	return "run aborted"
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ProtocolErrorKind classifies protocol faults
type ProtocolErrorKind uint8

const (
	ProtocolMalformed ProtocolErrorKind = iota + 1
	ProtocolUnexpected
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ProtocolMalformed:
		return "malformed"
	case ProtocolUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// ProtocolError reports an event the run could not consume. Unexpected
// events abort the run; malformed input is dropped by the transport and
// never reaches the orchestrator.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Event  jigproto.Event
	State  State
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s event", e.Kind)
	if e.Event != nil {
		msg = fmt.Sprintf("%s %s event", e.Kind, e.Event.Kind())
	}
	msg += " in state " + e.State.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
