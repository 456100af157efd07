// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jigstat/pkg/channel"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		MaxReconnects:  3,
		Backoff:        BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Jitter: -1},
		Log:            quietLogger(),
	}
}

// linkRecorder hands out fresh memory links and remembers them
type linkRecorder struct {
	links chan *channel.MemoryLink
}

func newLinkRecorder() *linkRecorder {
	return &linkRecorder{links: make(chan *channel.MemoryLink, 16)}
}

func (r *linkRecorder) dial(attempt int, sel channel.Selector) (channel.Link, error) {
	l := channel.NewMemoryLink(sel.Target)
	r.links <- l
	return l, nil
}

func (r *linkRecorder) next(t *testing.T) *channel.MemoryLink {
	t.Helper()
	select {
	case l := <-r.links:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("no link was dialed")
		return nil
	}
}

func waitState(t *testing.T, ch <-chan Transition, want State) Transition {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", want)
			}
			if tr.To == want {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConnectTransitions(t *testing.T) {
	rec := newLinkRecorder()
	m := NewManager(channel.NewMemoryDialer(rec.dial), testConfig())
	defer m.Close()
	sub := m.Subscribe()

	s, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, "jig", s.Handle)

	tr := <-sub
	assert.Equal(t, StateDisconnected, tr.From)
	assert.Equal(t, StateConnecting, tr.To)
	tr = <-sub
	assert.Equal(t, StateConnected, tr.To)

	_, err = m.Connect(context.Background(), channel.Selector{Target: "jig"})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		d := channel.NewMemoryDialer(func(int, channel.Selector) (channel.Link, error) {
			return nil, channel.ErrNotFound
		})
		m := NewManager(d, testConfig())
		defer m.Close()

		_, err := m.Connect(context.Background(), channel.Selector{})
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, ConnectNotFound, cerr.Kind)
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("timeout", func(t *testing.T) {
		d := channel.DialerFunc(func(ctx context.Context, _ channel.Selector) (channel.Link, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		cfg := testConfig()
		cfg.ConnectTimeout = 20 * time.Millisecond
		m := NewManager(d, cfg)
		defer m.Close()

		_, err := m.Connect(context.Background(), channel.Selector{})
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, ConnectTimeout, cerr.Kind)
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("user cancelled", func(t *testing.T) {
		dialing := make(chan struct{})
		d := channel.DialerFunc(func(ctx context.Context, _ channel.Selector) (channel.Link, error) {
			close(dialing)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		m := NewManager(d, testConfig())
		defer m.Close()

		go func() {
			<-dialing
			m.Disconnect()
		}()
		_, err := m.Connect(context.Background(), channel.Selector{})
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, ConnectUserCancelled, cerr.Kind)
		assert.Equal(t, StateDisconnected, m.State())
	})
}

func TestReconnectAfterDrop(t *testing.T) {
	rec := newLinkRecorder()
	m := NewManager(channel.NewMemoryDialer(rec.dial), testConfig())
	defer m.Close()
	sub := m.Subscribe()

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	first := rec.next(t)
	waitState(t, sub, StateConnected)

	first.Peer().Drop(errors.New("radio gone"))
	tr := waitState(t, sub, StateReconnecting)
	assert.Equal(t, 1, tr.Attempt)
	assert.EqualError(t, tr.Err, "radio gone")

	second := rec.next(t)
	waitState(t, sub, StateConnected)
	assert.Equal(t, 0, m.Session().Attempt)
	assert.Equal(t, 0, m.BackoffAttempts())

	// the message stream survives the reconnect
	require.True(t, second.Peer().Notify([]byte("after")))
	select {
	case got := <-m.Messages():
		assert.Equal(t, []byte("after"), got)
	case <-time.After(time.Second):
		t.Fatal("message not forwarded after reconnect")
	}
}

func TestReconnectBound(t *testing.T) {
	first := channel.NewMemoryLink("jig")
	d := channel.NewMemoryDialer(func(attempt int, _ channel.Selector) (channel.Link, error) {
		if attempt == 1 {
			return first, nil
		}
		return nil, channel.ErrNotFound
	})
	m := NewManager(d, testConfig())
	defer m.Close()
	sub := m.Subscribe()

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	waitState(t, sub, StateConnected)

	first.Peer().Drop(nil)

	var attempts []int
	var final Transition
	for final.To != StateDisconnected {
		select {
		case tr := <-sub:
			if tr.To == StateReconnecting {
				attempts = append(attempts, tr.Attempt)
			}
			final = tr
		case <-time.After(2 * time.Second):
			t.Fatal("never gave up")
		}
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.ErrorIs(t, final.Err, ErrReconnectExhausted)
	assert.Equal(t, 1+3, d.Dials())

	// no further automatic attempts
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestUserDisconnectSuppressesReconnect(t *testing.T) {
	rec := newLinkRecorder()
	d := channel.NewMemoryDialer(rec.dial)
	m := NewManager(d, testConfig())
	defer m.Close()
	sub := m.Subscribe()

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	link := rec.next(t)
	waitState(t, sub, StateConnected)

	m.Disconnect()
	tr := waitState(t, sub, StateDisconnected)
	assert.True(t, tr.User)

	_, open := <-link.Messages()
	assert.False(t, open, "link should be closed")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.ErrorIs(t, m.Send(context.Background(), []byte("1")), ErrNotConnected)
}

func TestHeartbeatWatchdog(t *testing.T) {
	rec := newLinkRecorder()
	cfg := testConfig()
	cfg.HeartbeatGrace = 40 * time.Millisecond
	m := NewManager(channel.NewMemoryDialer(rec.dial), cfg)
	defer m.Close()
	sub := m.Subscribe()

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	rec.next(t)
	waitState(t, sub, StateConnected)

	// unarmed until the first heartbeat
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())

	m.Heartbeat()
	assert.False(t, m.Session().LastHeartbeatAt.IsZero())

	tr := waitState(t, sub, StateReconnecting)
	assert.ErrorIs(t, tr.Err, ErrHeartbeatTimeout)
	waitState(t, sub, StateConnected)
	rec.next(t)
}

func TestSendUsesCurrentLink(t *testing.T) {
	rec := newLinkRecorder()
	m := NewManager(channel.NewMemoryDialer(rec.dial), testConfig())
	defer m.Close()

	assert.ErrorIs(t, m.Send(context.Background(), []byte("1")), ErrNotConnected)

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	link := rec.next(t)

	require.NoError(t, m.Send(context.Background(), []byte("1")))
	assert.Equal(t, [][]byte{[]byte("1")}, link.Sent())
}

func TestOnStateChangeCallback(t *testing.T) {
	rec := newLinkRecorder()
	m := NewManager(channel.NewMemoryDialer(rec.dial), testConfig())
	defer m.Close()

	var seen []State
	m.OnStateChange(func(tr Transition) {
		seen = append(seen, tr.To)
	})

	_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
	require.NoError(t, err)
	m.Disconnect()

	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, seen)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	m := NewManager(channel.NewMemoryDialer(newLinkRecorder().dial), testConfig())
	sub := m.Subscribe()
	m.Close()
	_, open := <-sub
	assert.False(t, open)

	_, err := m.Connect(context.Background(), channel.Selector{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(channel.NewMemoryDialer(newLinkRecorder().dial), testConfig())
	defer m.Close()

	stale := m.Subscribe()
	live := m.Subscribe()
	m.Unsubscribe(stale)

	_, open := <-stale
	assert.False(t, open)

	// more transitions than a subscription buffers, none delivered to stale
	for i := 0; i < subscriberBuffer; i++ {
		_, err := m.Connect(context.Background(), channel.Selector{Target: "jig"})
		require.NoError(t, err)
		m.Disconnect()
		assert.Equal(t, StateConnecting, (<-live).To)
		assert.Equal(t, StateConnected, (<-live).To)
		assert.Equal(t, StateDisconnected, (<-live).To)
	}
}

func TestBackoff(t *testing.T) {
	t.Run("sequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Max: 4 * time.Second, Jitter: -1})
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
		for i, w := range want {
			if got := b.Next(); got != w {
				t.Errorf("Next() #%d = %v, want %v", i, got, w)
			}
		}
		assert.Equal(t, 4, b.Attempts())
	})

	t.Run("jitter bounded", func(t *testing.T) {
		b := NewBackoff()
		for i := 0; i < 20; i++ {
			d := b.Next()
			b.Reset()
			if d < InitialBackoff || d > time.Duration(float64(InitialBackoff)*(1+JitterFactor)) {
				t.Fatalf("jittered delay %v out of range", d)
			}
		}
	})

	t.Run("reset", func(t *testing.T) {
		b := NewBackoff()
		b.Next()
		b.Next()
		b.Reset()
		assert.Equal(t, InitialBackoff, b.Current())
		assert.Zero(t, b.Attempts())
	})
}
