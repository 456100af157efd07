// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport turns commands into bytes and bytes into events.
//
// Sends retry a bounded number of times on write failures. Decoding never
// fails: malformed buffers are logged, counted and dropped. Heartbeats are
// routed to the session's liveness tracker and never published.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/metrics"
)

// Defaults for Config fields left at zero
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 200 * time.Millisecond
)

const eventBuffer = 32

// Session is the part of the session manager the transport uses
type Session interface {
	Send(ctx context.Context, buf []byte) error
	Heartbeat()
	Messages() <-chan []byte
}

// SendErrorKind classifies send failures
type SendErrorKind uint8

const (
	SendTransient SendErrorKind = iota + 1
	SendExhausted
)

func (k SendErrorKind) String() string {
	switch k {
	case SendTransient:
		return "transient"
	case SendExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// SendError reports a failed write. Transient errors are only passed to
// the retry callback; Exhausted is returned once the bound is hit.
type SendError struct {
	Kind    SendErrorKind
	Command jigproto.CommandKind
	Attempt int
	Err     error
}

func (e *SendError) Error() string {
	if e.Kind == SendExhausted {
		return fmt.Sprintf("send %s failed after %d attempts: %v", e.Command, e.Attempt, e.Err)
	}
	return fmt.Sprintf("send %s attempt %d failed: %v", e.Command, e.Attempt, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Config tunes a Transport
type Config struct {
	Encoding    jigproto.Encoding
	MaxAttempts int
	RetryDelay  time.Duration
	Log         logrus.FieldLogger
	Metrics     *metrics.Metrics
}

// Transport encodes commands onto a session and decodes what comes back
type Transport struct {
	sess    Session
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	events chan jigproto.Event

	mu      sync.Mutex
	onRetry func(*SendError)
	stats   *jigproto.Statistics
}

// New creates a transport on sess
func New(sess Session, cfg Config) *Transport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		sess:    sess,
		cfg:     cfg,
		log:     log.WithField("component", "transport"),
		metrics: cfg.Metrics,
		events:  make(chan jigproto.Event, eventBuffer),
		stats:   jigproto.NewStatistics(),
	}
}

// OnRetry registers a callback for transient send failures
func (t *Transport) OnRetry(fn func(*SendError)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRetry = fn
}

// Events yields decoded non-heartbeat events. It is closed when Run returns.
func (t *Transport) Events() <-chan jigproto.Event {
	return t.events
}

// Statistics returns a copy of the inbound message counters
func (t *Transport) Statistics() jigproto.Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stats
}

// Send encodes cmd and writes it, retrying write failures with a fixed
// delay. It returns a *SendError of kind SendExhausted after MaxAttempts.
func (t *Transport) Send(ctx context.Context, cmd jigproto.Command) error {
	buf, err := jigproto.EncodeCommand(t.cfg.Encoding, cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Kind, err)
	}

	log := t.log.WithField("command", jigproto.FormatCommand(cmd))
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(t.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = t.sess.Send(ctx, buf)
		if lastErr == nil {
			log.WithField("attempt", attempt).Debug("Command sent")
			t.metrics.ObserveSend(cmd.Kind.String())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt < t.cfg.MaxAttempts {
			serr := &SendError{Kind: SendTransient, Command: cmd.Kind, Attempt: attempt, Err: lastErr}
			log.WithError(lastErr).WithField("attempt", attempt).Warn("Send failed, retrying")
			t.metrics.ObserveRetry()
			t.mu.Lock()
			fn := t.onRetry
			t.mu.Unlock()
			if fn != nil {
				fn(serr)
			}
		}
	}

	t.metrics.ObserveExhausted()
	log.WithError(lastErr).Error("Send exhausted retries")
	return &SendError{Kind: SendExhausted, Command: cmd.Kind, Attempt: t.cfg.MaxAttempts, Err: lastErr}
}

// Decode parses a buffer carrying exactly one event. Malformed input
// yields (nil, false) and never an error.
func (t *Transport) Decode(buf []byte) (jigproto.Event, bool) {
	events := t.decode(buf)
	if len(events) != 1 {
		return nil, false
	}
	return events[0], true
}

// decode parses every event in buf, logging and counting failures
func (t *Transport) decode(buf []byte) []jigproto.Event {
	events, err := jigproto.DecodeEvents(buf)

	t.mu.Lock()
	if err != nil {
		t.stats.Update(nil, err, nil)
	}
	for _, e := range events {
		t.stats.Update(e, nil, nil)
	}
	t.mu.Unlock()

	if err != nil {
		t.metrics.ObserveMalformed()
		t.log.WithError(err).WithField("bytes", len(buf)).Debug("Dropping malformed message")
		return nil
	}
	return events
}

// Run pumps the session's inbound stream until ctx ends. Heartbeats go to
// the session; every other event is published on Events.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.events)
	msgs := t.sess.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, ok := <-msgs:
			if !ok {
				return nil
			}
			for _, e := range t.decode(buf) {
				if _, ok := e.(jigproto.Heartbeat); ok {
					t.sess.Heartbeat()
					t.metrics.ObserveHeartbeat()
					continue
				}
				t.metrics.ObserveEvent(e.Kind().String())
				select {
				case t.events <- e:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
