// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

type jsonCommand struct {
	Cmd       string `json:"cmd"`
	Terminals int    `json:"terminals,omitempty"`
}

// jsonEvent uses pointers so that missing fields can be told apart from zero values
type jsonEvent struct {
	Status     string   `json:"status"`
	Message    *string  `json:"message,omitempty"`
	Uptime     *uint64  `json:"uptime,omitempty"`
	Step       *int     `json:"step,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Contact    *int     `json:"contact,omitempty"`
	State      string   `json:"state,omitempty"`
	Resistance *float64 `json:"resistance,omitempty"`
	Expected   string   `json:"expected,omitempty"`
	Passed     *bool    `json:"passed,omitempty"`
	Value      *float64 `json:"value,omitempty"`
}

func encodeJSONCommand(cmd Command) ([]byte, error) {
	var c jsonCommand
	switch cmd.Kind {
	case CmdStartCalibration:
		c = jsonCommand{Cmd: CmdNameStartCalibration, Terminals: cmd.TerminalCount}
	case CmdStartVerification:
		c = jsonCommand{Cmd: CmdNameStartVerification, Terminals: cmd.TerminalCount}
	case CmdConfirmStep:
		c = jsonCommand{Cmd: CmdNameConfirm}
	case CmdSetTerminalCount:
		c = jsonCommand{Cmd: CmdNameSetTerminals, Terminals: cmd.TerminalCount}
	default:
		return nil, fmt.Errorf("no JSON form for %s", cmd.Kind)
	}
	return json.Marshal(c)
}

func decodeJSONEvent(buf []byte) (Event, error) {
	var w jsonEvent
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, err
	}

	switch strings.ToLower(w.Status) {
	case StatusHeartbeat:
		hb := Heartbeat{}
		if w.Uptime != nil {
			hb.Uptime = *w.Uptime
		}
		return hb, nil
	case StatusPrompt:
		if w.Message == nil {
			return nil, fmt.Errorf("prompt without message")
		}
		return Prompt{Message: *w.Message}, nil
	case StatusStep:
		if w.Step == nil {
			return nil, fmt.Errorf("step without index")
		}
		return StepReady{Step: *w.Step, Phase: ParseContactState(w.Phase)}, nil
	case StatusResult:
		if w.Contact == nil || w.Resistance == nil || w.Passed == nil {
			return nil, fmt.Errorf("result missing contact, resistance or passed")
		}
		return MeasurementResult{
			Index:      *w.Contact,
			State:      ParseContactState(w.State),
			Resistance: *w.Resistance,
			Expected:   ParseExpectedClass(w.Expected),
			Passed:     *w.Passed,
		}, nil
	case StatusCalibration:
		if w.Contact == nil || w.Value == nil {
			return nil, fmt.Errorf("calibration missing contact or value")
		}
		return CalibrationValue{Contact: *w.Contact, Value: *w.Value}, nil
	case StatusComplete:
		return RunComplete{}, nil
	case StatusError:
		msg := ""
		if w.Message != nil {
			msg = *w.Message
		}
		return DeviceError{Message: msg}, nil
	case StatusNotice:
		if w.Message == nil {
			return nil, fmt.Errorf("notice without message")
		}
		return Notice{Message: *w.Message}, nil
	}
	return nil, fmt.Errorf("unknown status %q", w.Status)
}

func decodeJSONCommand(buf []byte) (Command, error) {
	var c jsonCommand
	if err := json.Unmarshal(buf, &c); err != nil {
		return Command{}, err
	}
	switch c.Cmd {
	case CmdNameStartCalibration:
		return Command{Kind: CmdStartCalibration, TerminalCount: c.Terminals}, nil
	case CmdNameStartVerification:
		return Command{Kind: CmdStartVerification, TerminalCount: c.Terminals}, nil
	case CmdNameConfirm:
		return NewConfirmStep(), nil
	case CmdNameSetTerminals:
		return NewSetTerminalCount(c.Terminals), nil
	}
	return NewCustomCommand(buf), nil
}

func encodeJSONEvent(e Event) ([]byte, error) {
	var w jsonEvent
	switch ev := e.(type) {
	case Heartbeat:
		w = jsonEvent{Status: StatusHeartbeat, Uptime: &ev.Uptime}
	case Prompt:
		w = jsonEvent{Status: StatusPrompt, Message: &ev.Message}
	case StepReady:
		w = jsonEvent{Status: StatusStep, Step: &ev.Step, Phase: ev.Phase.String()}
	case MeasurementResult:
		w = jsonEvent{
			Status:     StatusResult,
			Contact:    &ev.Index,
			State:      ev.State.String(),
			Resistance: &ev.Resistance,
			Expected:   ev.Expected.String(),
			Passed:     &ev.Passed,
		}
	case CalibrationValue:
		w = jsonEvent{Status: StatusCalibration, Contact: &ev.Contact, Value: &ev.Value}
	case RunComplete:
		w = jsonEvent{Status: StatusComplete}
	case DeviceError:
		w = jsonEvent{Status: StatusError, Message: &ev.Message}
	case Notice:
		w = jsonEvent{Status: StatusNotice, Message: &ev.Message}
	default:
		return nil, fmt.Errorf("cannot encode event %T", e)
	}
	return json.Marshal(w)
}
