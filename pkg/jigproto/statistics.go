// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks inbound message statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalMessages   uint64
	ValidMessages   uint64
	Heartbeats      uint64
	Malformed       uint64
	AnomalousValues uint64
	InvalidValues   uint64
	Mismatches      uint64

	// Rates (calculated)
	MessageRate float64 // messages/sec
	ErrorRate   float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a decoded event and its anomalies
func (s *Statistics) Update(e Event, decodeErr error, anomalies []ValidationError) {
	s.TotalMessages++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrMalformed) {
			s.Malformed++
		}
		return
	}

	if _, ok := e.(Heartbeat); ok {
		s.Heartbeats++
	}

	if len(anomalies) == 0 {
		s.ValidMessages++
		return
	}
	s.AnomalousValues++
	for _, a := range anomalies {
		if a.Type == AnomalyInvalidValue {
			s.InvalidValues++
		} else {
			s.Mismatches++
		}
	}
}

// CalculateRates calculates message and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.MessageRate = float64(s.TotalMessages) / elapsed
		s.ErrorRate = float64(s.Malformed+s.AnomalousValues) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, malformedPercent, anomalousPercent float64
	if s.TotalMessages > 0 {
		validPercent = float64(s.ValidMessages) * 100.0 / float64(s.TotalMessages)
		malformedPercent = float64(s.Malformed) * 100.0 / float64(s.TotalMessages)
		anomalousPercent = float64(s.AnomalousValues) * 100.0 / float64(s.TotalMessages)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Messages:  %8d\n", s.TotalMessages)
	result += fmt.Sprintf("Valid Messages:  %8d (%.1f%%)\n", s.ValidMessages, validPercent)
	result += fmt.Sprintf("Heartbeats:      %8d\n", s.Heartbeats)

	if s.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.Malformed, malformedPercent)
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, anomalousPercent)
		if s.InvalidValues > 0 {
			result += fmt.Sprintf("  Invalid Values:   %5d\n", s.InvalidValues)
		}
		if s.Mismatches > 0 {
			result += fmt.Sprintf("  Mismatches:       %5d\n", s.Mismatches)
		}
	}

	result += fmt.Sprintf("Message Rate:    %8.1f msgs/sec\n", s.MessageRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
