// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/channel"
)

// Defaults for Config fields left at zero
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultMaxReconnects  = 5
)

const (
	messageBuffer    = 64
	subscriberBuffer = 16
)

// Config tunes a Manager. HeartbeatGrace of zero disables the liveness watchdog.
type Config struct {
	ConnectTimeout time.Duration
	MaxReconnects  int
	HeartbeatGrace time.Duration
	Backoff        BackoffConfig
	Log            logrus.FieldLogger
}

// Manager owns the one logical connection to a fixture. It is the only
// writer of Session state; everyone else observes transitions.
type Manager struct {
	cfg    Config
	dialer channel.Dialer
	log    logrus.FieldLogger

	backoff *Backoff

	mu            sync.Mutex
	state         State
	attempt       int
	handle        string
	sel           channel.Selector
	link          channel.Link
	linkStop      chan struct{}
	gen           uint64
	lastHeartbeat time.Time
	heartbeatSeen bool

	connectCancel   context.CancelFunc
	reconnectCancel context.CancelFunc

	subscribers []chan Transition
	callbacks   []func(Transition)
	closed      bool

	// pubMu hands transitions to observers in the order they happened
	pubMu sync.Mutex

	messages chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a manager that opens links with dialer
func NewManager(dialer channel.Dialer, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		log:      log.WithField("component", "session"),
		backoff:  NewBackoffWithConfig(cfg.Backoff),
		state:    StateDisconnected,
		messages: make(chan []byte, messageBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the connection
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{
		Handle:          m.handle,
		State:           m.state,
		Attempt:         m.attempt,
		LastHeartbeatAt: m.lastHeartbeat,
	}
}

// Subscribe returns a channel receiving every transition from now on.
// The channel must be drained; it is closed by Close.
func (m *Manager) Subscribe() <-chan Transition {
	ch := make(chan Transition, subscriberBuffer)
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it.
// Transitions still queued on ch are discarded.
func (m *Manager) Unsubscribe(ch <-chan Transition) {
	stop := make(chan struct{})
	go func() {
		// an in-flight publish may be blocked on ch while holding pubMu
		for {
			select {
			case <-ch:
			case <-stop:
				return
			}
		}
	}()

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	close(stop)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// OnStateChange registers a callback for every transition.
// Callbacks run in order and must not call Connect or Disconnect.
func (m *Manager) OnStateChange(fn func(Transition)) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Messages is the inbound buffer stream. It stays the same across
// reconnects and is never closed.
func (m *Manager) Messages() <-chan []byte {
	return m.messages
}

// Connect opens a link to the fixture chosen by sel. It waits at most
// ConnectTimeout and fails with a *ConnectError.
func (m *Manager) Connect(ctx context.Context, sel channel.Selector) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, ErrManagerClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return Session{}, ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.sel = sel
	m.attempt = 0
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.connectCancel = cancel
	tr := m.setStateLocked(StateConnecting, nil, false)
	m.publishUnlock(tr)

	link, err := m.dialer.Dial(dctx, sel)
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()

	m.mu.Lock()
	m.connectCancel = nil
	if m.gen != gen {
		// Disconnect won the race
		m.mu.Unlock()
		if link != nil {
			link.Close()
		}
		return Session{}, &ConnectError{Kind: ConnectUserCancelled, Err: context.Canceled}
	}

	if err != nil {
		kind := ConnectNotFound
		switch {
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			kind = ConnectTimeout
		case errors.Is(err, context.Canceled):
			kind = ConnectUserCancelled
		}
		cerr := &ConnectError{Kind: kind, Err: err}
		tr := m.setStateLocked(StateDisconnected, cerr, false)
		m.publishUnlock(tr)
		m.log.WithError(err).WithField("target", sel.Target).Warn("Connect failed")
		return Session{}, cerr
	}

	tr = m.attachLocked(link)
	snap := m.snapshotLocked()
	m.publishUnlock(tr)
	m.log.WithField("handle", link.Handle()).Info("Connected")
	return snap, nil
}

// Disconnect closes the link and suppresses automatic reconnection until
// the next Connect. It cancels a connect or reconnect in progress.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.connectCancel != nil {
		m.connectCancel()
	}
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	link := m.detachLocked()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	tr := m.setStateLocked(StateDisconnected, nil, true)
	m.publishUnlock(tr)

	if link != nil {
		link.Close()
	}
	m.log.Info("Disconnected by user")
}

// Close disconnects and releases the manager. Subscriber channels are closed.
func (m *Manager) Close() {
	m.cancel()
	m.Disconnect()
	m.wg.Wait()

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

// Heartbeat records that the fixture is alive. The first heartbeat on a
// link arms the liveness watchdog.
func (m *Manager) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return
	}
	m.lastHeartbeat = time.Now()
	m.heartbeatSeen = true
}

// Send writes one buffer on the current link
func (m *Manager) Send(ctx context.Context, buf []byte) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.Send(ctx, buf)
}

// BackoffAttempts returns the current number of reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}

func (m *Manager) snapshotLocked() Session {
	return Session{Handle: m.handle, State: m.state, Attempt: m.attempt, LastHeartbeatAt: m.lastHeartbeat}
}

func (m *Manager) setStateLocked(to State, err error, user bool) Transition {
	tr := Transition{
		From:    m.state,
		To:      to,
		Attempt: m.attempt,
		Handle:  m.handle,
		Err:     err,
		User:    user,
		At:      time.Now(),
	}
	m.state = to
	return tr
}

// publishUnlock releases m.mu and delivers tr to observers before any
// later transition can be delivered
func (m *Manager) publishUnlock(tr Transition) {
	m.pubMu.Lock()
	subs := append([]chan Transition(nil), m.subscribers...)
	m.mu.Unlock()
	defer m.pubMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"from":    tr.From.String(),
		"to":      tr.To.String(),
		"attempt": tr.Attempt,
	}).Debug("State change")

	for _, fn := range m.callbacks {
		fn(tr)
	}
	for _, ch := range subs {
		select {
		case ch <- tr:
		case <-m.ctx.Done():
		}
	}
}

// attachLocked makes link current and starts watching it
func (m *Manager) attachLocked(link channel.Link) Transition {
	m.gen++
	m.link = link
	m.handle = link.Handle()
	m.linkStop = make(chan struct{})
	m.heartbeatSeen = false
	m.lastHeartbeat = time.Time{}
	tr := m.setStateLocked(StateConnected, nil, false)
	m.attempt = 0
	m.backoff.Reset()

	m.wg.Add(1)
	go m.forward(link, m.gen, m.linkStop)
	if m.cfg.HeartbeatGrace > 0 {
		m.wg.Add(1)
		go m.watchdog(link, m.gen, m.linkStop)
	}
	return tr
}

func (m *Manager) detachLocked() channel.Link {
	link := m.link
	if link != nil {
		close(m.linkStop)
		m.link = nil
		m.linkStop = nil
	}
	return link
}

// forward copies link messages into the stable stream until the link drops
func (m *Manager) forward(link channel.Link, gen uint64, stop <-chan struct{}) {
	defer m.wg.Done()
	msgs := link.Messages()
	for {
		select {
		case buf, ok := <-msgs:
			if !ok {
				cause := link.Err()
				if cause == nil {
					cause = ErrLinkDropped
				}
				m.linkLost(gen, cause)
				return
			}
			select {
			case m.messages <- buf:
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			}
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// watchdog treats a heartbeat gap longer than HeartbeatGrace as a silent drop
func (m *Manager) watchdog(link channel.Link, gen uint64, stop <-chan struct{}) {
	defer m.wg.Done()
	interval := m.cfg.HeartbeatGrace / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			expired := m.gen == gen && m.heartbeatSeen && time.Since(m.lastHeartbeat) > m.cfg.HeartbeatGrace
			m.mu.Unlock()
			if expired {
				m.log.WithField("grace", m.cfg.HeartbeatGrace).Warn("No heartbeat, treating link as dropped")
				m.linkLost(gen, ErrHeartbeatTimeout)
				link.Close()
				return
			}
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// linkLost handles a drop the user did not ask for
func (m *Manager) linkLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	m.log.WithError(cause).WithField("handle", m.handle).Warn("Link lost")

	if m.cfg.MaxReconnects == 0 {
		tr := m.setStateLocked(StateDisconnected, cause, false)
		m.publishUnlock(tr)
		return
	}

	m.attempt = 1
	rctx, cancel := context.WithCancel(m.ctx)
	m.reconnectCancel = cancel
	tr := m.setStateLocked(StateReconnecting, cause, false)
	m.wg.Add(1)
	go m.reconnect(rctx)
	m.publishUnlock(tr)
}

// reconnect makes up to MaxReconnects attempts, then gives up
func (m *Manager) reconnect(ctx context.Context) {
	defer m.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		if attempt > 1 {
			m.mu.Lock()
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			m.attempt = attempt
			tr := m.setStateLocked(StateReconnecting, lastErr, false)
			m.publishUnlock(tr)
		}

		delay := m.backoff.Next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		m.mu.Lock()
		sel := m.sel
		m.mu.Unlock()
		link, err := m.dialer.Dial(dctx, sel)
		cancel()

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			if link != nil {
				link.Close()
			}
			return
		}
		if err == nil {
			m.reconnectCancel = nil
			tr := m.attachLocked(link)
			m.publishUnlock(tr)
			m.log.WithFields(logrus.Fields{"handle": link.Handle(), "attempt": attempt}).Info("Reconnected")
			return
		}
		m.mu.Unlock()

		lastErr = err
		m.log.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectCancel = nil
	tr := m.setStateLocked(StateDisconnected, ErrReconnectExhausted, false)
	m.publishUnlock(tr)
	m.log.WithField("attempts", m.cfg.MaxReconnects).Error("Giving up on reconnection")
}
