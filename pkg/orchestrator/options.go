// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package orchestrator

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/metrics"
)

// DefaultStepTimeout bounds the wait for the firmware's next event
const DefaultStepTimeout = 60 * time.Second

// Config holds the orchestrator configuration.
type Config struct {
	// StepTimeout aborts a run when the firmware goes quiet for this long.
	// It never runs while a prompt waits on the operator. Zero disables it.
	StepTimeout time.Duration

	// Thresholds are the host-side classes used to cross-check readings
	Thresholds jigproto.Thresholds

	// Subject names the unit under test in persisted records (optional)
	Subject string

	// Logger is used for logging operations (optional)
	Logger logrus.FieldLogger

	// Metrics receives run counters (optional)
	Metrics *metrics.Metrics
}

func defaultConfig() Config {
	return Config{
		StepTimeout: DefaultStepTimeout,
		Thresholds:  jigproto.DefaultThresholds(),
	}
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Config)

// WithStepTimeout sets the per-step firmware timeout. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StepTimeout = d
	}
}

// WithThresholds sets the resistance classes used for anomaly checks.
func WithThresholds(t jigproto.Thresholds) Option {
	return func(c *Config) {
		c.Thresholds = t
	}
}

// WithSubject tags persisted records with the unit under test.
//
// Example:
//
//	orch := orchestrator.New(tr, mgr, store, ui,
//	    orchestrator.WithSubject("relay-0042"),
//	)
func WithSubject(subject string) Option {
	return func(c *Config) {
		c.Subject = subject
	}
}

// WithLogger sets a logger for run progress and protocol anomalies.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithMetrics reports run outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}
