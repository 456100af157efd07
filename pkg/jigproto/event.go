// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

// EventKind discriminates decoded protocol events
type EventKind uint8

const (
	EventHeartbeat EventKind = iota + 1
	EventPrompt
	EventStepReady
	EventMeasurement
	EventCalibrationValue
	EventRunComplete
	EventDeviceError
	EventNotice
)

// Event is a decoded notification from the fixture
type Event interface {
	Kind() EventKind
}

// Heartbeat is the firmware's liveness beacon
type Heartbeat struct {
	Uptime uint64 // milliseconds, zero when the firmware does not report it
}

// Prompt asks the operator to act before the run can continue
type Prompt struct {
	Message string
}

// StepReady announces the step the firmware is about to measure
type StepReady struct {
	Step  int
	Phase ContactState
}

// MeasurementResult is one reading, indexed by firmware step
type MeasurementResult struct {
	Index      int           `json:"index"`
	State      ContactState  `json:"state"`
	Resistance float64       `json:"resistance"`
	Expected   ExpectedClass `json:"expected"`
	Passed     bool          `json:"passed"`
}

// CalibrationValue is a per-contact calibration reading
type CalibrationValue struct {
	Contact int     `json:"contact"`
	Value   float64 `json:"value"`
}

// RunComplete marks the end of a run
type RunComplete struct{}

// DeviceError is a fault reported by the firmware
type DeviceError struct {
	Message string
}

// Notice is free text from the fixture for the operator. It needs no answer.
type Notice struct {
	Message string
}

func (Heartbeat) Kind() EventKind         { return EventHeartbeat }
func (Prompt) Kind() EventKind            { return EventPrompt }
func (StepReady) Kind() EventKind         { return EventStepReady }
func (MeasurementResult) Kind() EventKind { return EventMeasurement }
func (CalibrationValue) Kind() EventKind  { return EventCalibrationValue }
func (RunComplete) Kind() EventKind       { return EventRunComplete }
func (DeviceError) Kind() EventKind       { return EventDeviceError }
func (Notice) Kind() EventKind            { return EventNotice }

func (k EventKind) String() string {
	switch k {
	case EventHeartbeat:
		return "heartbeat"
	case EventPrompt:
		return "prompt"
	case EventStepReady:
		return "step_ready"
	case EventMeasurement:
		return "measurement"
	case EventCalibrationValue:
		return "calibration"
	case EventRunComplete:
		return "run_complete"
	case EventDeviceError:
		return "device_error"
	case EventNotice:
		return "notice"
	default:
		return "unknown"
	}
}
