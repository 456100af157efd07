// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import "fmt"

// CommandKind identifies a host command
type CommandKind uint8

const (
	CmdStartCalibration CommandKind = iota + 1
	CmdStartVerification
	CmdConfirmStep
	CmdSetTerminalCount
	CmdCustom
)

// Command is a host → fixture command. Build it with the New* functions
// and treat it as immutable.
type Command struct {
	Kind          CommandKind
	TerminalCount int
	Payload       []byte // CmdCustom only, sent verbatim
}

// NewStartCommand creates the start command for an operation
func NewStartCommand(op Operation, terminalCount int) (Command, error) {
	switch op {
	case OperationCalibrate:
		return Command{Kind: CmdStartCalibration, TerminalCount: terminalCount}, nil
	case OperationVerify:
		return Command{Kind: CmdStartVerification, TerminalCount: terminalCount}, nil
	}
	return Command{}, fmt.Errorf("no start command for %s", op)
}

// NewConfirmStep creates the operator confirmation command
func NewConfirmStep() Command {
	return Command{Kind: CmdConfirmStep}
}

// NewSetTerminalCount tells the fixture how many contacts the relay under test has
func NewSetTerminalCount(n int) Command {
	return Command{Kind: CmdSetTerminalCount, TerminalCount: n}
}

// NewCustomCommand wraps a raw payload. The payload is copied.
func NewCustomCommand(payload []byte) Command {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Command{Kind: CmdCustom, Payload: p}
}

func (k CommandKind) String() string {
	switch k {
	case CmdStartCalibration:
		return "START_CALIBRATION"
	case CmdStartVerification:
		return "START_VERIFICATION"
	case CmdConfirmStep:
		return "CONFIRM_STEP"
	case CmdSetTerminalCount:
		return "SET_TERMINAL_COUNT"
	case CmdCustom:
		return "CUSTOM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}
