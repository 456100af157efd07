// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/logging"
)

func serve(t *testing.T, opts ...Option) *channel.MemoryLink {
	t.Helper()
	all := append([]Option{WithLogger(logging.Discard()), WithStepDelay(time.Millisecond), WithHeartbeat(0)}, opts...)
	f := New(all...)
	link := channel.NewMemoryLink(DefaultName)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Serve(ctx, link)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		link.Close()
	})
	return link
}

func send(t *testing.T, link *channel.MemoryLink, enc jigproto.Encoding, cmds ...jigproto.Command) {
	t.Helper()
	for _, cmd := range cmds {
		buf, err := jigproto.EncodeCommand(enc, cmd)
		require.NoError(t, err)
		require.NoError(t, link.Send(context.Background(), buf))
	}
}

func start(t *testing.T, op jigproto.Operation, n int) jigproto.Command {
	t.Helper()
	cmd, err := jigproto.NewStartCommand(op, n)
	require.NoError(t, err)
	return cmd
}

// collect reads events until stop matches or the link goes quiet
func collect(t *testing.T, link *channel.MemoryLink, stop func(jigproto.Event) bool) []jigproto.Event {
	t.Helper()
	var events []jigproto.Event
	for {
		select {
		case buf, ok := <-link.Messages():
			if !ok {
				return events
			}
			evs, err := jigproto.DecodeEvents(buf)
			require.NoError(t, err)
			for _, e := range evs {
				events = append(events, e)
				if stop(e) {
					return events
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(events))
		}
	}
}

func isEnd(e jigproto.Event) bool {
	switch e.(type) {
	case jigproto.RunComplete, jigproto.DeviceError:
		return true
	}
	return false
}

func results(events []jigproto.Event) []jigproto.MeasurementResult {
	var out []jigproto.MeasurementResult
	for _, e := range events {
		if m, ok := e.(jigproto.MeasurementResult); ok {
			out = append(out, m)
		}
	}
	return out
}

func TestVerificationRun(t *testing.T) {
	for _, enc := range []jigproto.Encoding{jigproto.EncodingJSON, jigproto.EncodingCBOR, jigproto.EncodingLegacy} {
		t.Run(enc.String(), func(t *testing.T) {
			link := serve(t)
			send(t, link, enc, jigproto.NewSetTerminalCount(2), start(t, jigproto.OperationVerify, 2))

			events := collect(t, link, isEnd)
			require.IsType(t, jigproto.RunComplete{}, events[len(events)-1])

			plan, err := jigproto.PlanSteps(2)
			require.NoError(t, err)
			rs := results(events)
			require.Len(t, rs, len(plan))
			for i, m := range rs {
				assert.Equal(t, i, m.Index)
				assert.Equal(t, plan[i].State, m.State)
				assert.Equal(t, plan[i].Expected, m.Expected)
				assert.True(t, m.Passed)
				assert.Equal(t, plan[i].Expected, jigproto.DefaultThresholds().Classify(m.Resistance))
			}
		})
	}
}

func TestRepliesMirrorEncoding(t *testing.T) {
	link := serve(t)
	send(t, link, jigproto.EncodingCBOR, start(t, jigproto.OperationVerify, 1))

	select {
	case buf := <-link.Messages():
		enc, ok := jigproto.DetectEncoding(buf)
		require.True(t, ok)
		assert.Equal(t, jigproto.EncodingCBOR, enc)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestCalibrationRunReportsValues(t *testing.T) {
	link := serve(t)
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationCalibrate, 3))

	events := collect(t, link, isEnd)
	var cal []jigproto.CalibrationValue
	for _, e := range events {
		if c, ok := e.(jigproto.CalibrationValue); ok {
			cal = append(cal, c)
		}
	}
	require.Len(t, cal, 3)
	for i, c := range cal {
		assert.Equal(t, i+1, c.Contact)
	}
	assert.Len(t, results(events), 6)
}

func TestFailingStep(t *testing.T) {
	link := serve(t, WithFailingStep(2))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))

	rs := results(collect(t, link, isEnd))
	require.Len(t, rs, 4)
	assert.False(t, rs[2].Passed)
	assert.NotEqual(t, rs[2].Expected, jigproto.DefaultThresholds().Classify(rs[2].Resistance))
	assert.True(t, rs[3].Passed)
}

func TestPromptWaitsForConfirm(t *testing.T) {
	link := serve(t, WithPrompt("Insert relay"))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))

	events := collect(t, link, func(e jigproto.Event) bool { return e.Kind() == jigproto.EventPrompt })
	require.Len(t, events, 1)
	assert.Equal(t, jigproto.Prompt{Message: "Insert relay"}, events[0])

	select {
	case buf := <-link.Messages():
		t.Fatalf("fixture continued before confirmation: %q", buf)
	case <-time.After(30 * time.Millisecond):
	}

	send(t, link, jigproto.EncodingJSON, jigproto.NewConfirmStep())
	assert.Len(t, results(collect(t, link, isEnd)), 4)
}

func TestDeviceErrorFault(t *testing.T) {
	link := serve(t, WithDeviceError(1, "contact short"))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))

	events := collect(t, link, isEnd)
	assert.Equal(t, jigproto.DeviceError{Message: "contact short"}, events[len(events)-1])
	assert.Len(t, results(events), 1)
}

func TestDropFault(t *testing.T) {
	link := serve(t, WithDrop(1))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))

	events := collect(t, link, func(jigproto.Event) bool { return false })
	assert.Len(t, results(events), 1)
	assert.ErrorIs(t, link.Err(), ErrSimulatedDrop)
}

func TestStallKeepsHeartbeating(t *testing.T) {
	link := serve(t, WithStall(0), WithHeartbeat(5*time.Millisecond))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))

	beats := 0
	deadline := time.After(300 * time.Millisecond)
	for beats < 3 {
		select {
		case buf := <-link.Messages():
			e, err := jigproto.DecodeEvent(buf)
			require.NoError(t, err)
			switch e.(type) {
			case jigproto.Heartbeat:
				beats++
			default:
				t.Fatalf("stalled fixture sent %s", e.Kind())
			}
		case <-deadline:
			t.Fatalf("only %d heartbeats", beats)
		}
	}
}

func TestBusyFixtureRejectsSecondStart(t *testing.T) {
	link := serve(t, WithPrompt("Insert relay"))
	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))
	collect(t, link, func(e jigproto.Event) bool { return e.Kind() == jigproto.EventPrompt })

	send(t, link, jigproto.EncodingJSON, start(t, jigproto.OperationVerify, 2))
	events := collect(t, link, isEnd)
	assert.Equal(t, jigproto.DeviceError{Message: "run already in progress"}, events[len(events)-1])
}

func TestDialer(t *testing.T) {
	f := New(WithLogger(logging.Discard()), WithHeartbeat(0))
	d := f.Dialer()

	link, err := d.Dial(context.Background(), channel.Selector{})
	require.NoError(t, err)
	defer link.Close()
	assert.Equal(t, DefaultName, link.Handle())

	_, err = d.Dial(context.Background(), channel.Selector{Target: "other"})
	assert.ErrorIs(t, err, channel.ErrNotFound)
}
