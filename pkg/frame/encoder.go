// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"encoding/binary"
	"fmt"
)

// Encode wraps a payload in a complete wire frame.
// Returns the frame bytes ready for transmission, including framing and byte stuffing.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	// Data section: length + payload, this is what gets CRC'd and stuffed
	data := make([]byte, headerSize+len(payload), headerSize+len(payload)+crcSize)
	binary.BigEndian.PutUint16(data[0:2], uint16(len(payload)))
	copy(data[headerSize:], payload)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)

	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)

	return frame, nil
}

// MustEncode is like Encode but panics on error.
func MustEncode(payload []byte) []byte {
	data, err := Encode(payload)
	if err != nil {
		panic(fmt.Sprintf("frame: encode error: %v", err))
	}
	return data
}

// stuffBytes applies byte stuffing to escape special bytes.
// Special bytes (START, END, ESC) are replaced with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
