// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/Thermoquad/jigstat/pkg/frame"
)

const serialReadTimeout = 500 * time.Millisecond

// SerialDialer opens framed links over a serial port
type SerialDialer struct {
	BaudRate int
	Log      logrus.FieldLogger
}

// SerialLink carries framed buffers over a serial port
type SerialLink struct {
	*inbox
	port serial.Port
	log  logrus.FieldLogger

	writeMu sync.Mutex
}

// ListSerialPorts returns the serial ports present on this host
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Dial opens the port named by sel.Target, or the first port found when it is empty
func (d *SerialDialer) Dial(ctx context.Context, sel Selector) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	portName := sel.Target
	if portName == "" {
		ports, err := ListSerialPorts()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("%w: no serial ports", ErrNotFound)
		}
		portName = ports[0]
	}

	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, portName)
		}
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	// Close does not unblock a pending Read on every platform
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	l := &SerialLink{
		inbox: newInbox(fmt.Sprintf("serial:%s@%d", portName, baud)),
		port:  port,
		log:   log.WithField("link", portName),
	}
	go l.readLoop()
	return l, nil
}

func (l *SerialLink) readLoop() {
	decoder := frame.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			if l.isDown() {
				return
			}
			l.drop(fmt.Errorf("serial read: %w", err))
			return
		}
		if n == 0 {
			// read timeout
			if l.isDown() {
				return
			}
			continue
		}

		payloads := decoder.Feed(buf[:n], func(err error) {
			l.log.WithError(err).Debug("frame error")
		})
		for _, p := range payloads {
			if !l.deliver(p) {
				return
			}
		}
	}
}

// Send frames and writes one buffer
func (l *SerialLink) Send(ctx context.Context, buf []byte) error {
	if l.isDown() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := frame.Encode(buf)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(data); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Close closes the port
func (l *SerialLink) Close() error {
	if l.isDown() {
		return nil
	}
	l.drop(nil)
	return l.port.Close()
}
