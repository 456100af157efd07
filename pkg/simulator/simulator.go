// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package simulator is a fake fixture firmware on an in-process link.
//
// It answers commands in whatever encoding they arrive in, walks the same
// step plan the host expects and can inject faults: a failing contact, a
// device error, a silent stall or a dropped link.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

// DefaultName is the handle simulated links report
const DefaultName = "Jiga-Sim"

// Readings the simulated relay produces
const (
	ClosedResistance = 0.02
	OpenResistance   = 999999.0
)

// ErrSimulatedDrop is the cause reported when a drop fault fires
var ErrSimulatedDrop = errors.New("simulated link loss")

// Config holds the fixture behaviour.
type Config struct {
	Name string

	// Encoding forces the reply encoding. Nil mirrors each command's encoding.
	Encoding *jigproto.Encoding

	// HeartbeatInterval between liveness beacons. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// StepDelay is how long each reading takes
	StepDelay time.Duration

	// Prompt, when set, is shown before the first step and waits for ConfirmStep
	Prompt string

	// Fault injection, by 0-based step index; -1 disables each one
	FailStep        int
	DeviceErrorStep int
	DeviceError     string
	StallStep       int
	DropStep        int

	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		Name:              DefaultName,
		HeartbeatInterval: time.Second,
		StepDelay:         50 * time.Millisecond,
		FailStep:          -1,
		DeviceErrorStep:   -1,
		DeviceError:       "contact fault",
		StallStep:         -1,
		DropStep:          -1,
	}
}

// Option is a functional option for configuring the Fixture.
type Option func(*Config)

func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithEncoding replies in enc regardless of how commands arrive
func WithEncoding(enc jigproto.Encoding) Option {
	return func(c *Config) { c.Encoding = &enc }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = interval }
}

func WithStepDelay(d time.Duration) Option {
	return func(c *Config) { c.StepDelay = d }
}

// WithPrompt asks the operator to confirm before the first step
func WithPrompt(msg string) Option {
	return func(c *Config) { c.Prompt = msg }
}

// WithFailingStep makes the reading at step read the wrong class and fail
func WithFailingStep(step int) Option {
	return func(c *Config) { c.FailStep = step }
}

// WithDeviceError reports msg instead of measuring step
func WithDeviceError(step int, msg string) Option {
	return func(c *Config) {
		c.DeviceErrorStep = step
		c.DeviceError = msg
	}
}

// WithStall goes silent at step while heartbeats continue
func WithStall(step int) Option {
	return func(c *Config) { c.StallStep = step }
}

// WithDrop drops the link at step
func WithDrop(step int) Option {
	return func(c *Config) { c.DropStep = step }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = log }
}

// Fixture simulates one test jig. Every link it serves gets its own
// firmware state, as if the jig had rebooted.
type Fixture struct {
	cfg Config
	log logrus.FieldLogger
}

// New creates a fixture
func New(opts ...Option) *Fixture {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fixture{cfg: cfg, log: log.WithField("component", "simulator")}
}

// Dialer opens a fresh link to the fixture on every dial
func (f *Fixture) Dialer() channel.Dialer {
	return channel.DialerFunc(func(ctx context.Context, sel channel.Selector) (channel.Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sel.Target != "" && sel.Target != f.cfg.Name {
			return nil, fmt.Errorf("%w: %s", channel.ErrNotFound, sel.Target)
		}
		link := channel.NewMemoryLink(f.cfg.Name)
		go f.Serve(context.Background(), link)
		return link, nil
	})
}

// firmware is the per-link state
type firmware struct {
	f         *Fixture
	peer      *channel.MemoryPeer
	log       logrus.FieldLogger
	bootedAt  time.Time
	terminals int

	mu      sync.Mutex
	enc     jigproto.Encoding
	running bool

	confirms chan struct{}
}

// Serve runs the firmware on link until the link goes down or ctx ends
func (f *Fixture) Serve(ctx context.Context, link *channel.MemoryLink) error {
	fw := &firmware{
		f:         f,
		peer:      link.Peer(),
		log:       f.log.WithField("handle", link.Handle()),
		bootedAt:  time.Now(),
		terminals: 2,
		confirms:  make(chan struct{}, 1),
	}
	if f.cfg.Encoding != nil {
		fw.enc = *f.cfg.Encoding
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if f.cfg.HeartbeatInterval > 0 {
		go fw.heartbeats(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.peer.Done():
			return nil
		case buf := <-fw.peer.Commands():
			fw.handle(ctx, buf)
		}
	}
}

func (fw *firmware) handle(ctx context.Context, buf []byte) {
	cmd, enc, err := jigproto.DecodeCommand(buf)
	if err != nil {
		fw.log.WithError(err).Debug("Ignoring undecodable command")
		return
	}
	if fw.f.cfg.Encoding == nil {
		fw.mu.Lock()
		fw.enc = enc
		fw.mu.Unlock()
	}
	fw.log.WithField("command", jigproto.FormatCommand(cmd)).Debug("Command received")

	switch cmd.Kind {
	case jigproto.CmdSetTerminalCount:
		if cmd.TerminalCount < 1 || cmd.TerminalCount > jigproto.MaxTerminals {
			fw.emit(jigproto.DeviceError{Message: fmt.Sprintf("invalid terminal count %d", cmd.TerminalCount)})
			return
		}
		fw.terminals = cmd.TerminalCount

	case jigproto.CmdStartCalibration, jigproto.CmdStartVerification:
		if cmd.TerminalCount > 0 {
			fw.terminals = cmd.TerminalCount
		}
		op := jigproto.OperationVerify
		if cmd.Kind == jigproto.CmdStartCalibration {
			op = jigproto.OperationCalibrate
		}
		fw.mu.Lock()
		busy := fw.running
		fw.running = true
		fw.mu.Unlock()
		if busy {
			fw.emit(jigproto.DeviceError{Message: "run already in progress"})
			return
		}
		go fw.run(ctx, op, fw.terminals)

	case jigproto.CmdConfirmStep:
		select {
		case fw.confirms <- struct{}{}:
		default:
		}

	default:
		fw.log.WithField("payload", string(cmd.Payload)).Debug("Ignoring custom command")
	}
}

func (fw *firmware) run(ctx context.Context, op jigproto.Operation, n int) {
	defer func() {
		fw.mu.Lock()
		fw.running = false
		fw.mu.Unlock()
	}()

	cfg := fw.f.cfg
	steps, err := jigproto.PlanSteps(n)
	if err != nil {
		fw.emit(jigproto.DeviceError{Message: err.Error()})
		return
	}
	log := fw.log.WithFields(logrus.Fields{"operation": op.String(), "terminals": n})
	log.Info("Simulated run started")

	if cfg.Prompt != "" {
		fw.emit(jigproto.Prompt{Message: cfg.Prompt})
		select {
		case <-fw.confirms:
		case <-ctx.Done():
			return
		case <-fw.peer.Done():
			return
		}
	}

	for _, step := range steps {
		switch step.Index {
		case cfg.DropStep:
			log.WithField("step", step.Index).Info("Dropping link")
			fw.peer.Drop(ErrSimulatedDrop)
			return
		case cfg.StallStep:
			log.WithField("step", step.Index).Info("Stalling")
			return
		case cfg.DeviceErrorStep:
			fw.emit(jigproto.DeviceError{Message: cfg.DeviceError})
			return
		}

		fw.emit(jigproto.StepReady{Step: step.Index, Phase: step.State})
		if !fw.sleep(ctx, cfg.StepDelay) {
			return
		}
		fw.emit(reading(step, step.Index == cfg.FailStep))
	}

	if op == jigproto.OperationCalibrate {
		for c := 1; c <= n; c++ {
			fw.emit(jigproto.CalibrationValue{Contact: c, Value: ClosedResistance + 0.001*float64(c)})
		}
	}
	fw.emit(jigproto.RunComplete{})
	log.Info("Simulated run complete")
}

// reading returns what the relay reads at step, or the opposite class when failing
func reading(step jigproto.Step, fail bool) jigproto.MeasurementResult {
	m := jigproto.MeasurementResult{
		Index:    step.Index,
		State:    step.State,
		Expected: step.Expected,
		Passed:   !fail,
	}
	closed := ClosedResistance + 0.001*float64(step.Contact)
	switch step.Expected {
	case jigproto.ExpectClosed:
		m.Resistance = closed
		if fail {
			m.Resistance = OpenResistance
		}
	case jigproto.ExpectOpen:
		m.Resistance = OpenResistance
		if fail {
			m.Resistance = closed
		}
	default:
		m.Resistance = closed
		if step.State == jigproto.StateAcionado {
			m.Resistance = OpenResistance
		}
	}
	return m
}

func (fw *firmware) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(fw.f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.peer.Done():
			return
		case <-ticker.C:
			fw.emit(jigproto.Heartbeat{Uptime: uint64(time.Since(fw.bootedAt).Milliseconds())})
		}
	}
}

func (fw *firmware) emit(e jigproto.Event) {
	fw.mu.Lock()
	enc := fw.enc
	fw.mu.Unlock()

	buf, err := jigproto.EncodeEvent(enc, e)
	if err != nil {
		fw.log.WithError(err).WithField("event", e.Kind().String()).Error("Failed to encode event")
		return
	}
	fw.peer.Notify(buf)
}

func (fw *firmware) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-fw.peer.Done():
		return false
	}
}
