// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

func encodeCBORCommand(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case CmdStartCalibration:
		return encodeCBORMessage(MsgStartCalibration, map[int]interface{}{0: uint64(cmd.TerminalCount)})
	case CmdStartVerification:
		return encodeCBORMessage(MsgStartVerification, map[int]interface{}{0: uint64(cmd.TerminalCount)})
	case CmdConfirmStep:
		return encodeCBORMessage(MsgConfirmStep, nil)
	case CmdSetTerminalCount:
		return encodeCBORMessage(MsgSetTerminalCount, map[int]interface{}{0: uint64(cmd.TerminalCount)})
	}
	return nil, fmt.Errorf("no CBOR form for %s", cmd.Kind)
}

func encodeCBOREvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case Heartbeat:
		return encodeCBORMessage(MsgHeartbeat, map[int]interface{}{0: ev.Uptime})
	case Prompt:
		return encodeCBORMessage(MsgPrompt, map[int]interface{}{0: ev.Message})
	case StepReady:
		return encodeCBORMessage(MsgStepReady, map[int]interface{}{0: uint64(ev.Step), 1: uint64(ev.Phase)})
	case MeasurementResult:
		return encodeCBORMessage(MsgMeasurement, map[int]interface{}{
			0: uint64(ev.Index),
			1: uint64(ev.State),
			2: ev.Resistance,
			3: uint64(ev.Expected),
			4: ev.Passed,
		})
	case CalibrationValue:
		return encodeCBORMessage(MsgCalibrationValue, map[int]interface{}{0: uint64(ev.Contact), 1: ev.Value})
	case RunComplete:
		return encodeCBORMessage(MsgRunComplete, nil)
	case DeviceError:
		return encodeCBORMessage(MsgDeviceError, map[int]interface{}{0: ev.Message})
	case Notice:
		return encodeCBORMessage(MsgNotice, map[int]interface{}{0: ev.Message})
	}
	return nil, fmt.Errorf("cannot encode event %T", e)
}

// encodeCBORMessage creates [msgType, payloadMap], with nil for an empty payload
func encodeCBORMessage(msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	var msg interface{}
	if len(payloadMap) == 0 {
		msg = []interface{}{uint64(msgType), nil}
	} else {
		msg = []interface{}{uint64(msgType), payloadMap}
	}
	return cbor.Marshal(msg)
}

func decodeCBORCommand(buf []byte) (Command, error) {
	msgType, m, err := ParseCBORMessage(buf)
	if err != nil {
		return Command{}, err
	}
	n, _ := GetMapUint(m, 0)
	switch msgType {
	case MsgStartCalibration:
		return Command{Kind: CmdStartCalibration, TerminalCount: int(n)}, nil
	case MsgStartVerification:
		return Command{Kind: CmdStartVerification, TerminalCount: int(n)}, nil
	case MsgConfirmStep:
		return NewConfirmStep(), nil
	case MsgSetTerminalCount:
		return NewSetTerminalCount(int(n)), nil
	}
	return Command{}, fmt.Errorf("unknown command type 0x%02X", msgType)
}

func decodeCBOREvent(buf []byte) (Event, error) {
	msgType, m, err := ParseCBORMessage(buf)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MsgHeartbeat:
		uptime, _ := GetMapUint(m, 0)
		return Heartbeat{Uptime: uptime}, nil
	case MsgPrompt:
		msg, ok := GetMapString(m, 0)
		if !ok {
			return nil, fmt.Errorf("prompt without message")
		}
		return Prompt{Message: msg}, nil
	case MsgStepReady:
		step, ok := GetMapUint(m, 0)
		if !ok {
			return nil, fmt.Errorf("step without index")
		}
		phase, _ := GetMapUint(m, 1)
		return StepReady{Step: int(step), Phase: ContactState(phase)}, nil
	case MsgMeasurement:
		idx, ok1 := GetMapUint(m, 0)
		r, ok2 := GetMapFloat(m, 2)
		passed, ok3 := GetMapBool(m, 4)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("measurement missing index, resistance or passed")
		}
		state, _ := GetMapUint(m, 1)
		expected, _ := GetMapUint(m, 3)
		return MeasurementResult{
			Index:      int(idx),
			State:      ContactState(state),
			Resistance: r,
			Expected:   ExpectedClass(expected),
			Passed:     passed,
		}, nil
	case MsgCalibrationValue:
		contact, ok1 := GetMapUint(m, 0)
		value, ok2 := GetMapFloat(m, 1)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("calibration missing contact or value")
		}
		return CalibrationValue{Contact: int(contact), Value: value}, nil
	case MsgRunComplete:
		return RunComplete{}, nil
	case MsgDeviceError:
		msg, _ := GetMapString(m, 0)
		return DeviceError{Message: msg}, nil
	case MsgNotice:
		msg, ok := GetMapString(m, 0)
		if !ok {
			return nil, fmt.Errorf("notice without message")
		}
		return Notice{Message: msg}, nil
	}
	return nil, fmt.Errorf("unknown message type 0x%02X", msgType)
}

// ParseCBORMessage parses a CBOR message: [msg_type, payload_map]
// Returns the message type and decoded payload map (nil for empty payloads)
func ParseCBORMessage(data []byte) (msgType uint8, payload map[int]interface{}, err error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty CBOR payload")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return 0, nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}

	if len(msg) != 2 {
		return 0, nil, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return 0, nil, fmt.Errorf("message type out of range: %d", v)
		}
		msgType = uint8(v)
	default:
		return 0, nil, fmt.Errorf("expected uint for message type, got %T", msg[0])
	}

	if msg[1] == nil {
		return msgType, nil, nil
	}

	// Convert map[interface{}]interface{} to map[int]interface{}
	switch v := msg[1].(type) {
	case map[interface{}]interface{}:
		payload = make(map[int]interface{})
		for key, val := range v {
			switch k := key.(type) {
			case uint64:
				payload[int(k)] = val
			case int64:
				payload[int(k)] = val
			default:
				return 0, nil, fmt.Errorf("expected integer map key, got %T", key)
			}
		}
	default:
		return 0, nil, fmt.Errorf("expected map or nil for payload, got %T", msg[1])
	}

	return msgType, payload, nil
}

// Map value extraction helpers

// GetMapUint extracts a uint64 from a CBOR map by key
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case uint64:
		return val, true
	case int64:
		if val >= 0 {
			return uint64(val), true
		}
	}
	return 0, false
}

// GetMapFloat extracts a float64 from a CBOR map by key
func GetMapFloat(m map[int]interface{}, key int) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

// GetMapBool extracts a bool from a CBOR map by key
func GetMapBool(m map[int]interface{}, key int) (bool, bool) {
	val, ok := m[key].(bool)
	return val, ok
}

// GetMapString extracts a text string from a CBOR map by key
func GetMapString(m map[int]interface{}, key int) (string, bool) {
	val, ok := m[key].(string)
	return val, ok
}
