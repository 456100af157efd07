// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package recorder persists sealed test runs.
//
// Records are append-only: a run is written once when it completes and can
// later be deleted, but never updated.
package recorder

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("record already exists")
	ErrInvalidRecord = errors.New("invalid record")
	ErrClosed        = errors.New("recorder closed")
)

// Record is the persisted form of a sealed run.
// CBOR encoding uses integer keys for compactness.
type Record struct {
	ID            string                       `cbor:"1,keyasint" json:"id"`
	Subject       string                       `cbor:"2,keyasint,omitempty" json:"subject,omitempty"`
	Device        string                       `cbor:"3,keyasint,omitempty" json:"device,omitempty"`
	Operation     jigproto.Operation           `cbor:"4,keyasint" json:"operation"`
	TerminalCount int                          `cbor:"5,keyasint" json:"terminal_count"`
	Verdict       jigproto.Verdict             `cbor:"6,keyasint" json:"verdict"`
	Incomplete    bool                         `cbor:"7,keyasint,omitempty" json:"incomplete,omitempty"`
	Results       []jigproto.MeasurementResult `cbor:"8,keyasint,omitempty" json:"results,omitempty"`
	Calibration   []jigproto.CalibrationValue  `cbor:"9,keyasint,omitempty" json:"calibration,omitempty"`
	Summary       Summary                      `cbor:"10,keyasint" json:"summary"`
	StartedAt     time.Time                    `cbor:"11,keyasint" json:"started_at"`
	FinishedAt    time.Time                    `cbor:"12,keyasint" json:"finished_at"`
}

// Summary condenses a run's readings.
// Non-finite readings (open circuits) are left out of Mean, Min and Max.
type Summary struct {
	Mean            float64 `cbor:"1,keyasint" json:"mean"` // closed-expected readings, or all readings when none are classified
	Min             float64 `cbor:"2,keyasint" json:"min"`
	Max             float64 `cbor:"3,keyasint" json:"max"`
	Passed          int     `cbor:"4,keyasint" json:"passed"`
	Failed          int     `cbor:"5,keyasint" json:"failed"`
	CalibrationMean float64 `cbor:"6,keyasint,omitempty" json:"calibration_mean,omitempty"`
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	Subject   string
	Operation jigproto.Operation
	Limit     int
}

func (f Filter) matches(r *Record) bool {
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Operation != 0 && r.Operation != f.Operation {
		return false
	}
	return true
}

// Recorder stores sealed runs
type Recorder interface {
	Append(ctx context.Context, rec Record) error
	// Query returns matching records, newest first
	Query(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Validate reports whether rec may be persisted
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing id"))
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return errors.Join(ErrInvalidRecord, err)
	}
	if r.Verdict == jigproto.VerdictPending {
		return errors.Join(ErrInvalidRecord, errors.New("run is not sealed"))
	}
	if r.Operation != jigproto.OperationCalibrate && r.Operation != jigproto.OperationVerify {
		return errors.Join(ErrInvalidRecord, errors.New("unknown operation"))
	}
	return nil
}

// Summarize computes the summary for a run's readings
func Summarize(results []jigproto.MeasurementResult, calibration []jigproto.CalibrationValue) Summary {
	var s Summary
	var closedSum, allSum float64
	var closedN, allN int
	first := true

	for _, m := range results {
		if m.Passed {
			s.Passed++
		} else if m.Expected != jigproto.ExpectAny {
			s.Failed++
		}

		r := m.Resistance
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		if first {
			s.Min, s.Max = r, r
			first = false
		}
		s.Min = math.Min(s.Min, r)
		s.Max = math.Max(s.Max, r)
		allSum += r
		allN++
		if m.Expected == jigproto.ExpectClosed {
			closedSum += r
			closedN++
		}
	}

	switch {
	case closedN > 0:
		s.Mean = closedSum / float64(closedN)
	case allN > 0:
		s.Mean = allSum / float64(allN)
	}

	var calSum float64
	var calN int
	for _, c := range calibration {
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			continue
		}
		calSum += c.Value
		calN++
	}
	if calN > 0 {
		s.CalibrationMean = calSum / float64(calN)
	}
	return s
}
