// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"fmt"
	"strings"
)

// Operation is the kind of run the fixture performs
type Operation uint8

const (
	OperationCalibrate Operation = iota + 1
	OperationVerify
)

func (o Operation) String() string {
	switch o {
	case OperationCalibrate:
		return "calibrate"
	case OperationVerify:
		return "verify"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// ParseOperation parses an operation name
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "calibrate", "calibration", "calibracao", "calibração":
		return OperationCalibrate, nil
	case "verify", "verification", "verificacao", "verificação":
		return OperationVerify, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ContactState is the coil state a reading was taken in
type ContactState uint8

const (
	StateUnknown  ContactState = iota
	StateRepouso               // de-energized
	StateAcionado              // energized
)

func (s ContactState) String() string {
	switch s {
	case StateRepouso:
		return "REPOUSO"
	case StateAcionado:
		return "ACIONADO"
	default:
		return "UNKNOWN"
	}
}

// ParseContactState accepts the firmware's Portuguese names, English aliases
// and the numeric CBOR form.
func ParseContactState(s string) ContactState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REPOUSO", "DEENERGIZED", "DE-ENERGIZED", "REST", "OFF", "1":
		return StateRepouso
	case "ACIONADO", "ENERGIZED", "ACTIVE", "ON", "2":
		return StateAcionado
	}
	return StateUnknown
}

// Role is the contact's normal position
type Role uint8

const (
	RoleNone Role = iota // measure-only, no classification
	RoleNF               // normally closed (normalmente fechado)
	RoleNA               // normally open (normalmente aberto)
)

func (r Role) String() string {
	switch r {
	case RoleNF:
		return "NF"
	case RoleNA:
		return "NA"
	default:
		return "-"
	}
}

// ExpectedClass is the resistance class a reading should fall in
type ExpectedClass uint8

const (
	ExpectAny ExpectedClass = iota
	ExpectClosed
	ExpectOpen
)

func (e ExpectedClass) String() string {
	switch e {
	case ExpectClosed:
		return "CLOSED"
	case ExpectOpen:
		return "OPEN"
	default:
		return "ANY"
	}
}

// ParseExpectedClass accepts English and Portuguese class names
func ParseExpectedClass(s string) ExpectedClass {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLOSED", "FECHADO", "LOW", "1":
		return ExpectClosed
	case "OPEN", "ABERTO", "HIGH", "2":
		return ExpectOpen
	}
	return ExpectAny
}

// Verdict is the final classification of a sealed run
type Verdict uint8

const (
	VerdictPending Verdict = iota
	VerdictPassed
	VerdictFailed
	VerdictMeasured
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "PASSED"
	case VerdictFailed:
		return "FAILED"
	case VerdictMeasured:
		return "MEASURED"
	default:
		return "PENDING"
	}
}

// Thresholds classify a raw resistance reading
type Thresholds struct {
	ClosedMax float64 // readings at or below are a closed contact
	OpenMin   float64 // readings at or above are an open contact
}

// DefaultThresholds returns the fixture's factory thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{ClosedMax: DefaultClosedMax, OpenMin: DefaultOpenMin}
}

// Classify returns the class of a reading, or ExpectAny when it falls between the thresholds
func (t Thresholds) Classify(resistance float64) ExpectedClass {
	switch {
	case resistance <= t.ClosedMax:
		return ExpectClosed
	case resistance >= t.OpenMin:
		return ExpectOpen
	default:
		return ExpectAny
	}
}
