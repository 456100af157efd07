// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"fmt"
	"math"
)

// AnomalyType represents different types of measurement anomalies
type AnomalyType int

const (
	AnomalyInvalidValue AnomalyType = iota
	AnomalyExpectedMismatch
	AnomalyStateMismatch
	AnomalyVerdictMismatch
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyInvalidValue:
		return "invalid_value"
	case AnomalyExpectedMismatch:
		return "expected_mismatch"
	case AnomalyStateMismatch:
		return "state_mismatch"
	case AnomalyVerdictMismatch:
		return "verdict_mismatch"
	default:
		return "unknown"
	}
}

// ValidationError represents a measurement that disagrees with the plan or itself
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMeasurement cross-checks a firmware reading against the planned step
// and the host's own thresholds. Returns a slice of anomalies (empty if consistent).
// Anomalies are diagnostics; the firmware's pass/fail stays authoritative.
func ValidateMeasurement(m MeasurementResult, step Step, t Thresholds) []ValidationError {
	errors := []ValidationError{}

	if math.IsNaN(m.Resistance) || math.IsInf(m.Resistance, 0) || m.Resistance < 0 {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid resistance %v at step %d", m.Resistance, m.Index),
			Details: map[string]interface{}{"resistance": m.Resistance, "step": m.Index},
		}}
	}

	if m.State != StateUnknown && m.State != step.State {
		errors = append(errors, ValidationError{
			Type:    AnomalyStateMismatch,
			Message: fmt.Sprintf("Step %d measured in %s, planned %s", m.Index, m.State, step.State),
			Details: map[string]interface{}{"state": m.State.String(), "planned": step.State.String()},
		})
	}

	if m.Expected != ExpectAny && step.Expected != ExpectAny && m.Expected != step.Expected {
		errors = append(errors, ValidationError{
			Type:    AnomalyExpectedMismatch,
			Message: fmt.Sprintf("Step %d firmware expects %s, planned %s", m.Index, m.Expected, step.Expected),
			Details: map[string]interface{}{"expected": m.Expected.String(), "planned": step.Expected.String()},
		})
	}

	if step.Expected != ExpectAny {
		class := t.Classify(m.Resistance)
		if class != ExpectAny && (class == step.Expected) != m.Passed {
			errors = append(errors, ValidationError{
				Type: AnomalyVerdictMismatch,
				Message: fmt.Sprintf("Step %d reads %s (%s) but firmware reported passed=%t",
					m.Index, FormatResistance(m.Resistance), class, m.Passed),
				Details: map[string]interface{}{"resistance": m.Resistance, "class": class.String(), "passed": m.Passed},
			})
		}
	}

	return errors
}
