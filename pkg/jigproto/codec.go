// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Encoding selects the wire format used for outgoing commands
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingLegacy
	EncodingCBOR
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingLegacy:
		return "legacy"
	case EncodingCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding name
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return EncodingJSON, nil
	case "legacy", "ascii", "text":
		return EncodingLegacy, nil
	case "cbor", "binary":
		return EncodingCBOR, nil
	}
	return 0, fmt.Errorf("unknown encoding %q (use json, legacy or cbor)", s)
}

// ErrMalformed is wrapped by every decode failure
var ErrMalformed = errors.New("malformed payload")

// cborArrayHeader is the CBOR initial byte of a 2-element array
const cborArrayHeader = 0x82

// EncodeCommand serializes a command in the given encoding.
// Custom commands are sent verbatim regardless of encoding.
func EncodeCommand(enc Encoding, cmd Command) ([]byte, error) {
	if cmd.Kind == CmdCustom {
		if len(cmd.Payload) == 0 {
			return nil, fmt.Errorf("custom command has empty payload")
		}
		return cmd.Payload, nil
	}
	if cmd.Kind == CmdSetTerminalCount && (cmd.TerminalCount < 1 || cmd.TerminalCount > MaxTerminals) {
		return nil, fmt.Errorf("terminal count %d out of range 1-%d", cmd.TerminalCount, MaxTerminals)
	}

	switch enc {
	case EncodingLegacy:
		return encodeLegacyCommand(cmd)
	case EncodingJSON:
		return encodeJSONCommand(cmd)
	case EncodingCBOR:
		return encodeCBORCommand(cmd)
	}
	return nil, fmt.Errorf("unsupported encoding %s", enc)
}

// DetectEncoding guesses the encoding of a received buffer
func DetectEncoding(buf []byte) (Encoding, bool) {
	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	if len(trimmed) == 0 {
		return 0, false
	}
	switch {
	case buf[0] == cborArrayHeader:
		return EncodingCBOR, true
	case trimmed[0] == '{':
		return EncodingJSON, true
	case utf8.Valid(trimmed) && isPrintableText(trimmed):
		return EncodingLegacy, true
	}
	return 0, false
}

// DecodeEvents decodes every event carried by a received buffer.
// Most buffers carry exactly one event. The legacy resistance report carries
// one per line plus RunComplete, and legacy completion text carries a Notice
// plus RunComplete.
// The returned error wraps ErrMalformed.
func DecodeEvents(buf []byte) ([]Event, error) {
	enc, ok := DetectEncoding(buf)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized encoding (%d bytes)", ErrMalformed, len(buf))
	}

	var (
		events []Event
		err    error
	)
	switch enc {
	case EncodingCBOR:
		var e Event
		e, err = decodeCBOREvent(buf)
		if err == nil {
			events = []Event{e}
		}
	case EncodingJSON:
		var e Event
		e, err = decodeJSONEvent(buf)
		if err == nil {
			events = []Event{e}
		}
	case EncodingLegacy:
		events, err = decodeLegacyEvents(buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, enc, err)
	}
	return events, nil
}

// DecodeEvent decodes a buffer that carries a single event
func DecodeEvent(buf []byte) (Event, error) {
	events, err := DecodeEvents(buf)
	if err != nil {
		return nil, err
	}
	if len(events) != 1 {
		return nil, fmt.Errorf("%w: expected 1 event, got %d", ErrMalformed, len(events))
	}
	return events[0], nil
}

// isPrintableText rejects control bytes other than whitespace
func isPrintableText(b []byte) bool {
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
		if r == utf8.RuneError || r == 0x7F {
			return false
		}
	}
	return true
}

// EncodeEvent serializes a fixture notification. The host never sends
// events; this exists for the simulator and for tests.
func EncodeEvent(enc Encoding, e Event) ([]byte, error) {
	switch enc {
	case EncodingLegacy:
		return encodeLegacyEvent(e)
	case EncodingJSON:
		return encodeJSONEvent(e)
	case EncodingCBOR:
		return encodeCBOREvent(e)
	}
	return nil, fmt.Errorf("unsupported encoding %s", enc)
}

// DecodeCommand parses a host command in any encoding. Unrecognized
// payloads are returned as custom commands.
func DecodeCommand(buf []byte) (Command, Encoding, error) {
	enc, ok := DetectEncoding(buf)
	if !ok {
		return Command{}, 0, fmt.Errorf("%w: unrecognized encoding (%d bytes)", ErrMalformed, len(buf))
	}

	var (
		cmd Command
		err error
	)
	switch enc {
	case EncodingCBOR:
		cmd, err = decodeCBORCommand(buf)
	case EncodingJSON:
		cmd, err = decodeJSONCommand(buf)
	case EncodingLegacy:
		cmd = decodeLegacyCommand(buf)
	}
	if err != nil {
		return Command{}, enc, fmt.Errorf("%w: %s: %v", ErrMalformed, enc, err)
	}
	return cmd, enc, nil
}
