// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package orchestrator drives calibration and verification runs.
//
// A single event loop (Run) owns the active run. It reacts to decoded
// firmware events, session transitions, operator confirmations and the
// per-step timer. Completed runs are sealed and handed to the recorder;
// aborted runs are reported to the UI and discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/metrics"
	"github.com/Thermoquad/jigstat/pkg/recorder"
	"github.com/Thermoquad/jigstat/pkg/session"
	"github.com/Thermoquad/jigstat/pkg/transport"
)

// State is the run state machine position
type State uint8

const (
	StateIdle         State = iota
	StateStarted            // start command sent
	StateAwaitingStep       // firmware asked the operator to act
	StateMeasuring          // firmware is taking a reading
	StateStepComplete       // reading recorded, counter advanced
	StateComplete           // verdict sealed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarted:
		return "STARTED"
	case StateAwaitingStep:
		return "AWAITING_STEP"
	case StateMeasuring:
		return "MEASURING"
	case StateStepComplete:
		return "STEP_COMPLETE"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// UI is the presentation boundary. Methods are called from the Run loop
// and must return promptly; the operator's answer to ShowPrompt comes back
// through Confirm.
type UI interface {
	ShowPrompt(msg string)
	StepProgress(step, total int, s jigproto.Step)
	StepResult(m jigproto.MeasurementResult, s jigproto.Step)
	RunFinished(rec recorder.Record)
	RunFailed(err error)
	Notice(msg string)
}

type nopUI struct{}

func (nopUI) ShowPrompt(string) {}
func (nopUI) StepProgress(int, int, jigproto.Step) {}
func (nopUI) StepResult(jigproto.MeasurementResult, jigproto.Step) {}
func (nopUI) RunFinished(recorder.Record) {}
func (nopUI) RunFailed(error) {}
func (nopUI) Notice(string) {}

// Transport is the command transport the orchestrator drives
type Transport interface {
	Send(ctx context.Context, cmd jigproto.Command) error
	Events() <-chan jigproto.Event
	OnRetry(fn func(*transport.SendError))
}

// Session is the part of the session manager the orchestrator watches
type Session interface {
	Session() session.Session
	Subscribe() <-chan session.Transition
	Unsubscribe(ch <-chan session.Transition)
}

// RunHandle follows one run from Start to its end
type RunHandle struct {
	ID            string
	Operation     jigproto.Operation
	TerminalCount int
	Steps         []jigproto.Step

	done chan struct{}
	rec  recorder.Record
	err  error
}

// Done is closed when the run completes or aborts
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run ends and returns its record. A run that was
// aborted returns its *RunError, *ProtocolError or *transport.SendError.
func (h *RunHandle) Wait(ctx context.Context) (recorder.Record, error) {
	select {
	case <-h.done:
		return h.rec, h.err
	case <-ctx.Done():
		return recorder.Record{}, ctx.Err()
	}
}

func (h *RunHandle) finish(rec recorder.Record, err error) {
	h.rec, h.err = rec, err
	close(h.done)
}

// testRun is the live run, owned by the Run loop
type testRun struct {
	handle      *RunHandle
	measureOnly bool
	current     int // next expected step index
	announced   int // last step index shown through StepProgress
	results     []jigproto.MeasurementResult
	calibration []jigproto.CalibrationValue
	anyFailed   bool
	startedAt   time.Time
	stepStarted time.Time
	device      string
	log         logrus.FieldLogger
}

func (r *testRun) total() int {
	return len(r.handle.Steps)
}

type requestKind uint8

const (
	reqStart requestKind = iota
	reqConfirm
	reqAbort
)

type request struct {
	kind   requestKind
	ctx    context.Context
	handle *RunHandle
	reply  chan error
}

// Orchestrator runs one test at a time on a session
type Orchestrator struct {
	cfg     Config
	tr      Transport
	sess    Session
	rec     recorder.Recorder
	ui      UI
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	requests chan request
	stopped  chan struct{}
	running  atomic.Bool

	mu    sync.Mutex
	state State

	// owned by the Run loop
	run   *testRun
	timer *time.Timer
}

// New creates an orchestrator. rec may be nil, in which case completed
// runs are reported but not stored. ui may be nil to run headless.
func New(tr Transport, sess Session, rec recorder.Recorder, ui UI, opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ui == nil {
		ui = nopUI{}
	}

	o := &Orchestrator{
		cfg:      cfg,
		tr:       tr,
		sess:     sess,
		rec:      rec,
		ui:       ui,
		log:      log.WithField("component", "orchestrator"),
		metrics:  cfg.Metrics,
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}
	tr.OnRetry(func(e *transport.SendError) {
		o.ui.Notice(fmt.Sprintf("Retrying %s (attempt %d failed: %v)", e.Command, e.Attempt, e.Err))
	})
	return o
}

// State returns the current state machine position
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s && o.run != nil {
		o.run.log.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Run state change")
	}
}

// Start begins a run of op on a relay with terminalCount contacts. It
// returns once the start commands are on the wire. Run must be running.
func (o *Orchestrator) Start(ctx context.Context, op jigproto.Operation, terminalCount int) (*RunHandle, error) {
	if op != jigproto.OperationCalibrate && op != jigproto.OperationVerify {
		return nil, fmt.Errorf("unknown operation %s", op)
	}
	steps, err := jigproto.PlanSteps(terminalCount)
	if err != nil {
		return nil, err
	}
	h := &RunHandle{
		ID:            recorder.NewRunID(),
		Operation:     op,
		TerminalCount: terminalCount,
		Steps:         steps,
		done:          make(chan struct{}),
	}
	if err := o.submit(ctx, request{kind: reqStart, ctx: ctx, handle: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// Confirm answers the outstanding prompt and lets the firmware continue
func (o *Orchestrator) Confirm() error {
	return o.submit(context.Background(), request{kind: reqConfirm})
}

// Abort cancels the active run
func (o *Orchestrator) Abort() error {
	return o.submit(context.Background(), request{kind: reqAbort})
}

func (o *Orchestrator) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case o.requests <- req:
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Run is the event loop. It returns when ctx is cancelled, aborting any
// active run.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.stopped)

	transitions := o.sess.Subscribe()
	defer o.sess.Unsubscribe(transitions)
	events := o.tr.Events()

	o.timer = time.NewTimer(time.Hour)
	o.timer.Stop()
	defer o.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.abort(&RunError{Kind: RunCancelled, Message: "shutting down", Err: ctx.Err()})
			return ctx.Err()

		case req := <-o.requests:
			req.reply <- o.handleRequest(ctx, req)

		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				o.abort(&RunError{Kind: RunCancelled, Message: "session closed"})
				continue
			}
			o.handleTransition(tr)

		case ev, ok := <-events:
			if !ok {
				events = nil
				o.abort(&RunError{Kind: RunLinkLost, Err: errors.New("transport stopped")})
				continue
			}
			o.handleEvent(ctx, ev)

		case <-o.timer.C:
			if o.run != nil && o.State() != StateAwaitingStep {
				o.abort(&RunError{
					Kind:    RunTimeout,
					Message: fmt.Sprintf("no event for %s in state %s", o.cfg.StepTimeout, o.State()),
				})
			}
		}
	}
}

func (o *Orchestrator) handleRequest(ctx context.Context, req request) error {
	switch req.kind {
	case reqStart:
		return o.startRun(req.ctx, req.handle)

	case reqConfirm:
		if o.run == nil {
			return ErrNoRun
		}
		if o.State() != StateAwaitingStep {
			return ErrNoPrompt
		}
		if err := o.tr.Send(ctx, jigproto.NewConfirmStep()); err != nil {
			o.abort(err)
			return err
		}
		o.setState(StateMeasuring)
		o.armTimer()
		return nil

	case reqAbort:
		if o.run == nil {
			return ErrNoRun
		}
		o.abort(&RunError{Kind: RunCancelled, Message: "aborted by operator"})
		return nil
	}
	return fmt.Errorf("unknown request %d", req.kind)
}

func (o *Orchestrator) startRun(ctx context.Context, h *RunHandle) error {
	if o.run != nil {
		return ErrRunActive
	}
	snap := o.sess.Session()
	if snap.State != session.StateConnected {
		return session.ErrNotConnected
	}

	log := o.log.WithFields(logrus.Fields{
		"run_id":    h.ID,
		"operation": h.Operation.String(),
		"terminals": h.TerminalCount,
	})

	start, err := jigproto.NewStartCommand(h.Operation, h.TerminalCount)
	if err != nil {
		return err
	}
	for _, cmd := range []jigproto.Command{jigproto.NewSetTerminalCount(h.TerminalCount), start} {
		if err := o.tr.Send(ctx, cmd); err != nil {
			log.WithError(err).Warn("Failed to start run")
			return err
		}
	}

	now := time.Now()
	o.run = &testRun{
		handle:      h,
		measureOnly: h.Steps[0].Role == jigproto.RoleNone,
		announced:   -1,
		results:     make([]jigproto.MeasurementResult, 0, len(h.Steps)),
		startedAt:   now,
		stepStarted: now,
		device:      snap.Handle,
		log:         log,
	}
	o.setState(StateStarted)
	o.armTimer()
	log.WithField("steps", len(h.Steps)).Info("Run started")
	return nil
}

func (o *Orchestrator) handleTransition(tr session.Transition) {
	if o.run == nil || tr.To == session.StateConnected {
		return
	}
	if tr.User {
		o.abort(&RunError{Kind: RunCancelled, Message: "disconnected by user"})
		return
	}
	o.abort(&RunError{Kind: RunLinkLost, Err: tr.Err})
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev jigproto.Event) {
	if o.run == nil {
		switch e := ev.(type) {
		case jigproto.DeviceError:
			o.ui.Notice("Fixture error: " + e.Message)
		case jigproto.Notice:
			o.ui.Notice(e.Message)
		default:
			o.log.WithField("event", ev.Kind().String()).Debug("Ignoring event with no active run")
		}
		return
	}

	state := o.State()
	switch e := ev.(type) {
	case jigproto.DeviceError:
		o.abort(&RunError{Kind: RunDeviceReported, Message: e.Message})

	case jigproto.Prompt:
		o.setState(StateAwaitingStep)
		o.timer.Stop()
		o.ui.ShowPrompt(e.Message)

	case jigproto.StepReady:
		if state == StateAwaitingStep {
			o.unexpected(ev, state, "operator has not confirmed")
			return
		}
		o.stepReady(ev, e)

	case jigproto.MeasurementResult:
		if state == StateAwaitingStep {
			o.unexpected(ev, state, "operator has not confirmed")
			return
		}
		o.measurement(ev, e)

	case jigproto.CalibrationValue:
		o.calibration(e)

	case jigproto.Notice:
		o.ui.Notice(e.Message)
		if state != StateAwaitingStep {
			o.armTimer()
		}

	case jigproto.RunComplete:
		if state == StateAwaitingStep {
			o.unexpected(ev, state, "operator has not confirmed")
			return
		}
		o.complete(ctx)

	default:
		o.log.WithField("event", ev.Kind().String()).Debug("Ignoring event")
	}
}

func (o *Orchestrator) stepReady(ev jigproto.Event, e jigproto.StepReady) {
	r := o.run
	switch {
	case e.Step < 0 || e.Step >= r.total():
		o.unexpected(ev, o.State(), fmt.Sprintf("step %d outside plan of %d", e.Step, r.total()))
		return
	case e.Step != r.current:
		r.log.WithFields(logrus.Fields{"step": e.Step, "expected": r.current}).Warn("Ignoring out-of-order step")
		o.armTimer()
		return
	}

	r.stepStarted = time.Now()
	o.setState(StateMeasuring)
	o.announce(e.Step)
	o.armTimer()
}

func (o *Orchestrator) measurement(ev jigproto.Event, m jigproto.MeasurementResult) {
	r := o.run
	switch {
	case m.Index < 0 || m.Index >= r.total():
		o.unexpected(ev, o.State(), fmt.Sprintf("result %d outside plan of %d", m.Index, r.total()))
		return
	case m.Index < r.current:
		r.log.WithField("step", m.Index).Warn("Ignoring duplicate result")
		o.armTimer()
		return
	case m.Index > r.current:
		r.log.WithFields(logrus.Fields{"step": m.Index, "expected": r.current}).Warn("Ignoring out-of-order result")
		o.armTimer()
		return
	}

	step := r.handle.Steps[m.Index]
	o.announce(m.Index)

	for _, a := range jigproto.ValidateMeasurement(m, step, o.cfg.Thresholds) {
		r.log.WithFields(logrus.Fields{
			"step":    m.Index,
			"anomaly": a.Type.String(),
		}).Warn(a.Message)
		o.metrics.ObserveAnomaly(a.Type.String())
	}

	r.results = append(r.results, m)
	r.current++
	if !m.Passed && !r.measureOnly {
		r.anyFailed = true
	}
	o.metrics.ObserveStep(time.Since(r.stepStarted))
	r.stepStarted = time.Now()

	o.setState(StateStepComplete)
	o.ui.StepResult(m, step)
	o.armTimer()
}

func (o *Orchestrator) calibration(c jigproto.CalibrationValue) {
	r := o.run
	o.armTimer()
	for _, prev := range r.calibration {
		if prev.Contact == c.Contact {
			r.log.WithField("contact", c.Contact).Warn("Ignoring repeated contact value")
			return
		}
	}
	r.calibration = append(r.calibration, c)
}

// announce shows step progress once per step, including for firmware that
// reports results without announcing steps first
func (o *Orchestrator) announce(step int) {
	r := o.run
	if r.announced >= step {
		return
	}
	r.announced = step
	o.ui.StepProgress(step, r.total(), r.handle.Steps[step])
}

func (o *Orchestrator) complete(ctx context.Context) {
	r := o.run
	o.timer.Stop()

	// First-generation firmware completes without announcing steps, after
	// a per-contact report or, for calibration, with no data at all.
	stepless := len(r.results) == 0 && r.announced < 0 &&
		(len(r.calibration) > 0 || r.handle.Operation == jigproto.OperationCalibrate)

	incomplete := !stepless && len(r.results) < r.total()
	verdict := jigproto.VerdictPassed
	switch {
	case r.measureOnly || stepless:
		verdict = jigproto.VerdictMeasured
	case r.anyFailed || incomplete:
		verdict = jigproto.VerdictFailed
	}
	o.setState(StateComplete)

	rec := recorder.Record{
		ID:            r.handle.ID,
		Subject:       o.cfg.Subject,
		Device:        r.device,
		Operation:     r.handle.Operation,
		TerminalCount: r.handle.TerminalCount,
		Verdict:       verdict,
		Incomplete:    incomplete,
		Results:       r.results,
		Calibration:   r.calibration,
		Summary:       recorder.Summarize(r.results, r.calibration),
		StartedAt:     r.startedAt,
		FinishedAt:    time.Now(),
	}

	log := r.log.WithFields(logrus.Fields{
		"verdict": verdict.String(),
		"results": len(r.results),
	})
	if incomplete {
		log.Warn("Run completed with missing results")
	}

	var err error
	if o.rec != nil {
		err = o.rec.Append(ctx, rec)
		o.metrics.ObserveRecord(err)
	}
	o.metrics.ObserveRunFinished(rec.Operation.String(), verdict.String())

	o.run = nil
	o.setState(StateIdle)

	if err != nil {
		err = fmt.Errorf("failed to store run %s: %w", rec.ID, err)
		log.WithError(err).Error("Run completed but was not stored")
		o.ui.RunFailed(err)
		r.handle.finish(rec, err)
		return
	}
	log.Info("Run completed")
	o.ui.RunFinished(rec)
	r.handle.finish(rec, nil)
}

func (o *Orchestrator) unexpected(ev jigproto.Event, state State, detail string) {
	o.abort(&ProtocolError{Kind: ProtocolUnexpected, Event: ev, State: state, Detail: detail})
}

// abort ends the active run without persisting it
func (o *Orchestrator) abort(err error) {
	r := o.run
	if r == nil {
		return
	}
	o.timer.Stop()

	o.metrics.ObserveRunAborted(abortReason(err))
	r.log.WithError(err).WithField("state", o.State().String()).Warn("Run aborted")

	o.run = nil
	o.setState(StateIdle)
	o.ui.RunFailed(err)
	r.handle.finish(recorder.Record{}, err)
}

func (o *Orchestrator) armTimer() {
	if o.cfg.StepTimeout <= 0 {
		return
	}
	o.timer.Reset(o.cfg.StepTimeout)
}

func abortReason(err error) string {
	var runErr *RunError
	var protoErr *ProtocolError
	var sendErr *transport.SendError
	switch {
	case errors.As(err, &runErr):
		return runErr.Kind.String()
	case errors.As(err, &protoErr):
		return "protocol_" + protoErr.Kind.String()
	case errors.As(err, &sendErr):
		return "send_" + sendErr.Kind.String()
	}
	return "other"
}
