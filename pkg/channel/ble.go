// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Fixture GATT layout
const (
	ServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	NotifyCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	WriteCharUUID   = "a4d23253-2778-436c-9c23-2c1b50d87635"
	DefaultBLEName  = "Jiga"
	maxBLEWriteSize = 512
)

// BLEDialer scans for a fixture advertising the service UUID or a name prefix.
//
// A disconnect drops the link where the stack reports one. BlueZ does not in
// this stack version, so there liveness comes from firmware heartbeats.
type BLEDialer struct {
	Adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error
}

// BLELink forwards notifications from the fixture's notify characteristic
type BLELink struct {
	*inbox
	device    bluetooth.Device
	address   string
	writeChar bluetooth.DeviceCharacteristic

	writeMu sync.Mutex
}

func (d *BLEDialer) adapter() *bluetooth.Adapter {
	if d.Adapter != nil {
		return d.Adapter
	}
	return bluetooth.DefaultAdapter
}

// Dial scans until a fixture is seen or ctx ends. sel.Target is a local name
// prefix; when empty, DefaultBLEName is used alongside the service UUID.
func (d *BLEDialer) Dial(ctx context.Context, sel Selector) (Link, error) {
	adapter := d.adapter()
	d.enableOnce.Do(func() {
		d.enableErr = adapter.Enable()
	})
	if d.enableErr != nil {
		return nil, fmt.Errorf("failed to enable Bluetooth: %w", d.enableErr)
	}

	serviceUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service UUID: %w", err)
	}

	prefix := sel.Target
	if prefix == "" {
		prefix = DefaultBLEName
	}

	result, err := d.scan(ctx, adapter, serviceUUID, prefix)
	if err != nil {
		return nil, err
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", result.Address.String(), err)
	}

	writeChar, notifyChar, err := discoverCharacteristics(device, serviceUUID)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	name := result.LocalName()
	if name == "" {
		name = result.Address.String()
	}
	l := &BLELink{
		inbox:     newInbox("ble:" + name),
		device:    device,
		address:   result.Address.String(),
		writeChar: writeChar,
	}
	adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		l.connectionChanged(dev.Address.String(), connected)
	})

	err = notifyChar.EnableNotifications(func(data []byte) {
		// the stack may reuse data after the callback returns
		l.deliver(append([]byte(nil), data...))
	})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("failed to enable notifications: %w", err)
	}

	return l, nil
}

func (d *BLEDialer) scan(ctx context.Context, adapter *bluetooth.Adapter, service bluetooth.UUID, prefix string) (bluetooth.ScanResult, error) {
	var (
		found  bluetooth.ScanResult
		ok     bool
		mu     sync.Mutex
		scanCh = make(chan error, 1)
	)

	go func() {
		scanCh <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(service) && !strings.HasPrefix(result.LocalName(), prefix) {
				return
			}
			mu.Lock()
			if !ok {
				found, ok = result, true
			}
			mu.Unlock()
			a.StopScan()
		})
	}()

	select {
	case err := <-scanCh:
		mu.Lock()
		defer mu.Unlock()
		if ok {
			return found, nil
		}
		if err != nil {
			return found, fmt.Errorf("scan failed: %w", err)
		}
		return found, fmt.Errorf("%w: no fixture advertising %q", ErrNotFound, prefix)
	case <-ctx.Done():
		adapter.StopScan()
		<-scanCh
		return found, ctx.Err()
	}
}

func discoverCharacteristics(device bluetooth.Device, service bluetooth.UUID) (writeChar, notifyChar bluetooth.DeviceCharacteristic, err error) {
	srvs, err := device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil || len(srvs) == 0 {
		return writeChar, notifyChar, fmt.Errorf("%w: fixture service missing (%v)", ErrNotFound, err)
	}

	writeUUID, _ := bluetooth.ParseUUID(WriteCharUUID)
	notifyUUID, _ := bluetooth.ParseUUID(NotifyCharUUID)

	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{writeUUID, notifyUUID})
	if err != nil {
		return writeChar, notifyChar, fmt.Errorf("failed to discover characteristics: %w", err)
	}

	var haveWrite, haveNotify bool
	for _, c := range chars {
		switch c.UUID() {
		case writeUUID:
			writeChar, haveWrite = c, true
		case notifyUUID:
			notifyChar, haveNotify = c, true
		}
	}
	if !haveWrite || !haveNotify {
		return writeChar, notifyChar, fmt.Errorf("%w: fixture characteristics missing", ErrNotFound)
	}
	return writeChar, notifyChar, nil
}

// Send writes one buffer to the command characteristic
func (l *BLELink) Send(ctx context.Context, buf []byte) error {
	if l.isDown() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) > maxBLEWriteSize {
		return fmt.Errorf("buffer of %d bytes exceeds BLE write limit %d", len(buf), maxBLEWriteSize)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.writeChar.WriteWithoutResponse(buf); err != nil {
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

// connectionChanged drops the link when its device reports a disconnect
func (l *BLELink) connectionChanged(addr string, connected bool) {
	if connected || addr != l.address {
		return
	}
	l.drop(ErrDisconnected)
}

// Close disconnects from the fixture
func (l *BLELink) Close() error {
	if l.isDown() {
		return nil
	}
	l.drop(nil)
	return l.device.Disconnect()
}

// Advertisement is a fixture seen during a BLE scan
type Advertisement struct {
	Name    string
	Address string
	RSSI    int16
}

// Discover scans until ctx ends and returns every fixture seen, strongest
// signal first. Devices match on the service UUID or the name prefix.
func (d *BLEDialer) Discover(ctx context.Context, prefix string) ([]Advertisement, error) {
	adapter := d.adapter()
	d.enableOnce.Do(func() {
		d.enableErr = adapter.Enable()
	})
	if d.enableErr != nil {
		return nil, fmt.Errorf("failed to enable Bluetooth: %w", d.enableErr)
	}
	service, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service UUID: %w", err)
	}
	if prefix == "" {
		prefix = DefaultBLEName
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]Advertisement)
	)
	scanCh := make(chan error, 1)
	go func() {
		scanCh <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(service) && !strings.HasPrefix(result.LocalName(), prefix) {
				return
			}
			addr := result.Address.String()
			mu.Lock()
			seen[addr] = Advertisement{Name: result.LocalName(), Address: addr, RSSI: result.RSSI}
			mu.Unlock()
		})
	}()

	select {
	case err := <-scanCh:
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
	case <-ctx.Done():
		adapter.StopScan()
		<-scanCh
	}

	mu.Lock()
	defer mu.Unlock()
	found := make([]Advertisement, 0, len(seen))
	for _, adv := range seen {
		found = append(found, adv)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].RSSI > found[j].RSSI })
	return found, nil
}
