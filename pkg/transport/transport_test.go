// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/logging"
	"github.com/Thermoquad/jigstat/pkg/metrics"
	"github.com/Thermoquad/jigstat/pkg/session"
)

func connected(t *testing.T) (*session.Manager, *channel.MemoryLink) {
	t.Helper()
	link := channel.NewMemoryLink("jig")
	d := channel.NewMemoryDialer(func(int, channel.Selector) (channel.Link, error) {
		return link, nil
	})
	m := session.NewManager(d, session.Config{Log: logging.Discard()})
	t.Cleanup(m.Close)
	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	return m, link
}

func testConfig() Config {
	return Config{
		Encoding:   jigproto.EncodingLegacy,
		RetryDelay: time.Millisecond,
		Log:        logging.Discard(),
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	m, link := connected(t)
	link.FailSends(2, nil)

	tr := New(m, testConfig())
	var notices []*SendError
	tr.OnRetry(func(e *SendError) { notices = append(notices, e) })

	require.NoError(t, tr.Send(context.Background(), jigproto.NewConfirmStep()))

	assert.Equal(t, 3, link.SendCalls())
	assert.Equal(t, [][]byte{[]byte("OK")}, link.Sent())

	// the firmware side sees the command exactly once
	select {
	case got := <-link.Peer().Commands():
		assert.Equal(t, []byte("OK"), got)
	default:
		t.Fatal("command not delivered")
	}
	select {
	case extra := <-link.Peer().Commands():
		t.Fatalf("duplicate command delivered: %q", extra)
	default:
	}

	require.Len(t, notices, 2)
	for i, n := range notices {
		assert.Equal(t, SendTransient, n.Kind)
		assert.Equal(t, i+1, n.Attempt)
		assert.ErrorIs(t, n, channel.ErrInjected)
	}
}

func TestSendExhausted(t *testing.T) {
	m, link := connected(t)
	link.FailSends(5, nil)

	met := metrics.New()
	cfg := testConfig()
	cfg.Metrics = met
	tr := New(m, cfg)

	err := tr.Send(context.Background(), jigproto.NewSetTerminalCount(2))
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, SendExhausted, serr.Kind)
	assert.Equal(t, 3, serr.Attempt)
	assert.Equal(t, jigproto.CmdSetTerminalCount, serr.Command)
	assert.Equal(t, 3, link.SendCalls())
	assert.Empty(t, link.Sent())
}

func TestSendNotConnectedIsBounded(t *testing.T) {
	m := session.NewManager(channel.NewMemoryDialer(nil), session.Config{Log: logging.Discard()})
	defer m.Close()

	tr := New(m, testConfig())
	err := tr.Send(context.Background(), jigproto.NewConfirmStep())
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestSendStopsOnCancel(t *testing.T) {
	m, link := connected(t)
	link.FailSends(5, nil)

	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	tr := New(m, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	tr.OnRetry(func(*SendError) { cancel() })

	err := tr.Send(ctx, jigproto.NewConfirmStep())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, link.SendCalls())
}

func TestSendRejectsUnencodable(t *testing.T) {
	m, link := connected(t)
	tr := New(m, testConfig())

	err := tr.Send(context.Background(), jigproto.NewSetTerminalCount(0))
	require.Error(t, err)
	var serr *SendError
	assert.False(t, errors.As(err, &serr))
	assert.Zero(t, link.SendCalls())
}

func TestDecodeNeverFails(t *testing.T) {
	m, _ := connected(t)
	tr := New(m, testConfig())

	for i := 0; i < 2; i++ {
		e, ok := tr.Decode([]byte{0x00, 0xFF})
		assert.False(t, ok)
		assert.Nil(t, e)
	}

	e, ok := tr.Decode([]byte(`{"status":"step","step":1,"phase":"ACIONADO"}`))
	require.True(t, ok)
	assert.Equal(t, jigproto.StepReady{Step: 1, Phase: jigproto.StateAcionado}, e)

	stats := tr.Statistics()
	assert.Equal(t, uint64(3), stats.TotalMessages)
	assert.Equal(t, uint64(2), stats.Malformed)
}

func TestRunRoutesHeartbeats(t *testing.T) {
	m, link := connected(t)
	tr := New(m, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	peer := link.Peer()
	require.True(t, peer.Notify([]byte("Status: heartbeat\nUptime: 10")))
	require.True(t, peer.Notify([]byte("Status: heartbeat\nwithout structure")))
	require.True(t, peer.Notify([]byte(`{"status":"prompt","message":"Acione a bobina"}`)))
	require.True(t, peer.Notify([]byte("Resistência 1: 0,5\nResistência 2: 0,7")))
	require.True(t, peer.Notify([]byte("Verificação finalizada")))

	want := []jigproto.Event{
		jigproto.Prompt{Message: "Acione a bobina"},
		jigproto.CalibrationValue{Contact: 1, Value: 0.5},
		jigproto.CalibrationValue{Contact: 2, Value: 0.7},
		jigproto.RunComplete{},
		jigproto.Notice{Message: "Verificação finalizada"},
		jigproto.RunComplete{},
	}
	for _, w := range want {
		select {
		case got := <-tr.Events():
			assert.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %T", w)
		}
	}

	assert.False(t, m.Session().LastHeartbeatAt.IsZero(), "heartbeat should reach the session")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, open := <-tr.Events()
	assert.False(t, open)
}
