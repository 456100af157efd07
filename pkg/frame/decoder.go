// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"fmt"
)

// Decoder implements the frame decoder state machine.
// It is fed one byte at a time and yields complete payloads.
type Decoder struct {
	state       int
	buffer      []byte // length + payload, used for CRC
	length      int
	payload     []byte
	crc         uint16
	escapeNext  bool
	invalidSeen int
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, headerSize+MaxPayloadSize),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.length = 0
	d.payload = nil
	d.crc = 0
	d.escapeNext = false
}

// InvalidBytes returns the number of bytes discarded while hunting for a START byte
func (d *Decoder) InvalidBytes() int {
	return d.invalidSeen
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed payload, or nil if the frame is incomplete.
// Returns an error if the frame is malformed; the decoder resynchronizes on the next START.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	if b == StartByte {
		d.Reset()
		d.state = stateLengthHi
		return nil, nil
	}

	if b == EndByte {
		if d.state == stateIdle {
			d.invalidSeen++
			return nil, nil
		}
		if d.state != stateEnd {
			state := d.state
			d.Reset()
			return nil, fmt.Errorf("unexpected END byte in state %d", state)
		}
		calculated := CalculateCRC(d.buffer)
		if d.crc != calculated {
			d.Reset()
			return nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", calculated, d.crc)
		}
		payload := d.payload
		d.Reset()
		return payload, nil
	}

	if d.state == stateIdle {
		d.invalidSeen++
		return nil, nil
	}

	// Handle byte stuffing
	if b == EscByte && !d.escapeNext {
		d.escapeNext = true
		return nil, nil
	}
	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateLengthHi:
		d.length = int(b) << 8
		d.buffer = append(d.buffer, b)
		d.state = stateLengthLo

	case stateLengthLo:
		d.length |= int(b)
		d.buffer = append(d.buffer, b)
		if d.length == 0 || d.length > MaxPayloadSize {
			length := d.length
			d.Reset()
			return nil, fmt.Errorf("invalid length: %d (max %d)", length, MaxPayloadSize)
		}
		d.payload = make([]byte, 0, d.length)
		d.state = statePayload

	case statePayload:
		d.payload = append(d.payload, b)
		d.buffer = append(d.buffer, b)
		if len(d.payload) >= d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		// Wait for END byte
		d.state = stateEnd

	default:
		d.Reset()
		return nil, fmt.Errorf("frame overrun: data after CRC")
	}

	return nil, nil
}

// Feed decodes a chunk of bytes and returns every complete payload found in it.
// Decode errors are reported through onErr (may be nil) and never stop decoding.
func (d *Decoder) Feed(chunk []byte, onErr func(error)) [][]byte {
	var out [][]byte
	for _, b := range chunk {
		payload, err := d.DecodeByte(b)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			continue
		}
		if payload != nil {
			out = append(out, payload)
		}
	}
	return out
}
