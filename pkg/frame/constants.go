// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package frame carves a raw byte stream into discrete message buffers.
//
// Byte-stream links (UART, USB CDC) have no message boundaries of their own.
// Each buffer is wrapped as START | stuffed(length, payload, crc) | END, where
// length is a big-endian uint16 and crc is CRC-16-CCITT over length+payload.
// Links that already deliver discrete messages (BLE notifications, WebSocket)
// do not use this package.
package frame

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Size limits
const (
	MaxPayloadSize = 1024
	headerSize     = 2 // big-endian payload length
	crcSize        = 2
	MaxFrameSize   = headerSize + MaxPayloadSize + crcSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateLengthHi
	stateLengthLo
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)
