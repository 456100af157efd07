// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes jigstat counters to Prometheus.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "jigstat"

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	SessionState   prometheus.Gauge
	Transitions    *prometheus.CounterVec
	Heartbeats     prometheus.Counter
	EventsDecoded  *prometheus.CounterVec
	Malformed      prometheus.Counter
	CommandsSent   *prometheus.CounterVec
	SendRetries    prometheus.Counter
	SendExhausted  prometheus.Counter
	RunsFinished   *prometheus.CounterVec
	RunsAborted    *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	StepDuration   prometheus.Histogram
	RecordsWritten *prometheus.CounterVec
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"to"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from the fixture",
		}),
		EventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Protocol events decoded by kind",
		}, []string{"kind"}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound buffers that could not be decoded",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Commands delivered to the fixture by kind",
		}, []string{"kind"}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Transient send failures that were retried",
		}),
		SendExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_exhausted_total",
			Help:      "Commands given up on after the retry bound",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Sealed runs by operation and verdict",
		}, []string{"operation", "verdict"}),
		RunsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_aborted_total",
			Help:      "Aborted runs by reason",
		}, []string{"reason"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurement_anomalies_total",
			Help:      "Measurements that disagree with the step plan",
		}, []string{"type"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time from step start to its measurement, operator time excluded",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Result records appended by outcome",
		}, []string{"outcome"}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current goroutine count",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated",
		}),
	}

	m.registry.MustRegister(
		m.SessionState,
		m.Transitions,
		m.Heartbeats,
		m.EventsDecoded,
		m.Malformed,
		m.CommandsSent,
		m.SendRetries,
		m.SendExhausted,
		m.RunsFinished,
		m.RunsAborted,
		m.Anomalies,
		m.StepDuration,
		m.RecordsWritten,
		m.GoroutineCount,
		m.MemoryUsage,
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server until ctx ends
func (m *Metrics) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartRuntimeMonitor samples goroutine and heap gauges until ctx ends
func (m *Metrics) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			m.sampleRuntime()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Metrics) sampleRuntime() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsage.Set(float64(memStats.Alloc))
}

// ObserveTransition records a session state change
func (m *Metrics) ObserveTransition(to string, state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
	m.Transitions.WithLabelValues(to).Inc()
}

// ObserveHeartbeat counts a heartbeat
func (m *Metrics) ObserveHeartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

// ObserveEvent counts a decoded event
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsDecoded.WithLabelValues(kind).Inc()
}

// ObserveMalformed counts an undecodable buffer
func (m *Metrics) ObserveMalformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}

// ObserveSend counts a delivered command
func (m *Metrics) ObserveSend(kind string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(kind).Inc()
}

// ObserveRetry counts a retried send
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.SendRetries.Inc()
}

// ObserveExhausted counts a command that ran out of retries
func (m *Metrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.SendExhausted.Inc()
}

// ObserveRunFinished counts a sealed run
func (m *Metrics) ObserveRunFinished(operation, verdict string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(operation, verdict).Inc()
}

// ObserveRunAborted counts an aborted run
func (m *Metrics) ObserveRunAborted(reason string) {
	if m == nil {
		return
	}
	m.RunsAborted.WithLabelValues(reason).Inc()
}

// ObserveAnomaly counts a measurement anomaly
func (m *Metrics) ObserveAnomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

// ObserveStep records how long the fixture took to measure a step
func (m *Metrics) ObserveStep(d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.Observe(d.Seconds())
}

// ObserveRecord counts a recorder append
func (m *Metrics) ObserveRecord(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RecordsWritten.WithLabelValues(outcome).Inc()
}
