// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/config"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/metrics"
	"github.com/Thermoquad/jigstat/pkg/session"
	"github.com/Thermoquad/jigstat/pkg/simulator"
	"github.com/Thermoquad/jigstat/pkg/transport"
)

const runtimeSampleInterval = 15 * time.Second

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("JIGSTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// newDialer builds the dialer for the configured transport
func newDialer(c *config.Config) (channel.Dialer, error) {
	switch c.Transport {
	case config.TransportBLE:
		return &channel.BLEDialer{}, nil

	case config.TransportSerial:
		return &channel.SerialDialer{BaudRate: c.Serial.BaudRate, Log: log}, nil

	case config.TransportWebSocket:
		if c.Target == "" {
			return nil, fmt.Errorf("--target must be a ws:// or wss:// URL")
		}
		password := ""
		if c.WebSocket.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, err
			}
		}
		return &channel.WebSocketDialer{
			Username:         c.WebSocket.Username,
			Password:         password,
			SkipTLSVerify:    c.WebSocket.SkipTLSVerify,
			HandshakeTimeout: c.WebSocket.HandshakeTimeout,
		}, nil

	case config.TransportSim:
		return simulator.New(simulator.WithLogger(log)).Dialer(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

// describeConnection renders the connection for banners
func describeConnection(c *config.Config) string {
	switch c.Transport {
	case config.TransportSerial:
		port := c.Target
		if port == "" {
			port = "(first port)"
		}
		return fmt.Sprintf("Serial: %s @ %d baud", port, c.Serial.BaudRate)
	case config.TransportWebSocket:
		return fmt.Sprintf("WebSocket: %s", c.Target)
	case config.TransportSim:
		return "Simulator"
	}
	name := c.Target
	if name == "" {
		name = channel.DefaultBLEName
	}
	return fmt.Sprintf("BLE: %s", name)
}

// stack is one connected session with its transport and metrics
type stack struct {
	info      string
	encoding  jigproto.Encoding
	metrics   *metrics.Metrics
	manager   *session.Manager
	transport *transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openStack connects to the fixture. The transport is built but not
// started, so raw consumers can read the session directly.
func openStack(ctx context.Context) (*stack, error) {
	enc, err := jigproto.ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stack{
		info:     describeConnection(cfg),
		encoding: enc,
		metrics:  metrics.New(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Metrics.Addr != "" {
		s.metrics.StartRuntimeMonitor(ctx, runtimeSampleInterval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	s.manager = session.NewManager(dialer, session.Config{
		ConnectTimeout: cfg.Session.ConnectTimeout,
		MaxReconnects:  cfg.Session.MaxReconnects,
		HeartbeatGrace: cfg.Session.HeartbeatGrace,
		Backoff: session.BackoffConfig{
			Initial: cfg.Session.BackoffInitial,
			Max:     cfg.Session.BackoffMax,
		},
		Log: log,
	})
	s.manager.OnStateChange(func(tr session.Transition) {
		s.metrics.ObserveTransition(tr.To.String(), int(tr.To))
	})

	s.transport = transport.New(s.manager, transport.Config{
		Encoding:    enc,
		MaxAttempts: cfg.Command.MaxAttempts,
		RetryDelay:  cfg.Command.RetryDelay,
		Log:         log,
		Metrics:     s.metrics,
	})

	if _, err := s.manager.Connect(ctx, channel.Selector{Target: cfg.Target}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// startTransport pumps inbound messages into transport events
func (s *stack) startTransport() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transport.Run(s.ctx)
	}()
}

// Close tears down the session and waits for background work
func (s *stack) Close() {
	s.cancel()
	s.manager.Close()
	s.wg.Wait()
}
