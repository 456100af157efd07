// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"fmt"
	"strconv"
	"strings"
)

func encodeLegacyCommand(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case CmdStartCalibration:
		return []byte(TokenCalibrate), nil
	case CmdStartVerification:
		return []byte(TokenVerify), nil
	case CmdConfirmStep:
		return []byte(TokenConfirm), nil
	case CmdSetTerminalCount:
		return []byte(fmt.Sprintf(TokenTerminalsFmt, cmd.TerminalCount)), nil
	}
	return nil, fmt.Errorf("no legacy token for %s", cmd.Kind)
}

// parseKeyValues splits newline-delimited "Key: value" pairs.
// Keys are lower-cased with accents folded. Lines without a colon are rejected.
func parseKeyValues(text string) (map[string]string, []string, error) {
	fields := make(map[string]string)
	var order []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("line without key: %q", line)
		}
		key = foldKey(key)
		if key == "" {
			return nil, nil, fmt.Errorf("empty key in line %q", line)
		}
		fields[key] = strings.TrimSpace(value)
		order = append(order, key)
	}
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("no fields")
	}
	return fields, order, nil
}

var accentFolder = strings.NewReplacer("ê", "e", "é", "e", "ã", "a", "á", "a", "ç", "c", "ó", "o", "í", "i")

func foldKey(k string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(k)))
}

// legacyCompletionMarkers are the folded word stems first-generation
// firmware uses to say an operation ended ("Calibração finalizada")
var legacyCompletionMarkers = []string{"finalizad", "concluid"}

func decodeLegacyEvents(buf []byte) ([]Event, error) {
	text := strings.TrimSpace(string(buf))
	if !strings.Contains(text, ":") {
		return decodeLegacyText(text), nil
	}

	fields, order, err := parseKeyValues(text)
	if err != nil {
		return nil, err
	}

	status, ok := fields["status"]
	if !ok {
		return decodeLegacyResistanceReport(fields, order)
	}

	var e Event
	switch strings.ToLower(status) {
	case StatusHeartbeat:
		hb := Heartbeat{}
		if v, ok := fields["uptime"]; ok {
			hb.Uptime, err = strconv.ParseUint(v, 10, 64)
		}
		e = hb
	case StatusPrompt:
		msg, ok := fields["message"]
		if !ok {
			return nil, fmt.Errorf("prompt without message")
		}
		e = Prompt{Message: msg}
	case StatusStep:
		var step int
		step, err = requireInt(fields, "step")
		e = StepReady{Step: step, Phase: ParseContactState(fields["phase"])}
	case StatusResult:
		e, err = legacyMeasurement(fields)
	case StatusCalibration:
		var c CalibrationValue
		if c.Contact, err = requireInt(fields, "contact"); err == nil {
			c.Value, err = requireFloat(fields, "value")
		}
		e = c
	case StatusComplete, "done":
		e = RunComplete{}
	case StatusError:
		e = DeviceError{Message: fields["message"]}
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if err != nil {
		return nil, err
	}
	return []Event{e}, nil
}

func legacyMeasurement(fields map[string]string) (Event, error) {
	var (
		m   MeasurementResult
		err error
	)
	if m.Index, err = requireInt(fields, "contact"); err != nil {
		return nil, err
	}
	if m.Resistance, err = requireFloat(fields, "resistance"); err != nil {
		return nil, err
	}
	passed, ok := fields["passed"]
	if !ok {
		return nil, fmt.Errorf("result without passed")
	}
	if m.Passed, err = parseBool(passed); err != nil {
		return nil, err
	}
	m.State = ParseContactState(fields["state"])
	m.Expected = ParseExpectedClass(fields["expected"])
	return m, nil
}

// decodeLegacyText turns bare status text into a Notice for the operator.
// Text announcing the end of an operation also completes the run.
func decodeLegacyText(text string) []Event {
	events := []Event{Notice{Message: text}}
	folded := foldKey(text)
	for _, marker := range legacyCompletionMarkers {
		if strings.Contains(folded, marker) {
			return append(events, RunComplete{})
		}
	}
	return events
}

// decodeLegacyResistanceReport handles the first-generation verification
// report: one "Resistencia N: value" line per contact. That firmware sends
// nothing after the report, so it also completes the run.
func decodeLegacyResistanceReport(fields map[string]string, order []string) ([]Event, error) {
	var events []Event
	for _, key := range order {
		rest, ok := strings.CutPrefix(key, "resistencia")
		if !ok {
			return nil, fmt.Errorf("unexpected key %q", key)
		}
		contact, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("bad contact number in %q", key)
		}
		value, err := parseFloat(fields[key])
		if err != nil {
			return nil, err
		}
		events = append(events, CalibrationValue{Contact: contact, Value: value})
	}
	return append(events, RunComplete{}), nil
}

func requireInt(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", key, v)
	}
	return n, nil
}

func requireFloat(fields map[string]string, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	return parseFloat(v)
}

// parseFloat accepts a decimal comma and a trailing ohm unit
func parseFloat(v string) (float64, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimSuffix(v, "Ω")
	v = strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", v)
	}
	return f, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "pass", "ok", "sim", "yes":
		return true, nil
	case "false", "0", "fail", "nok", "nao", "não", "no":
		return false, nil
	}
	return false, fmt.Errorf("bad boolean %q", v)
}

func decodeLegacyCommand(buf []byte) Command {
	token := strings.TrimSpace(string(buf))
	switch strings.ToUpper(token) {
	case TokenCalibrate:
		return Command{Kind: CmdStartCalibration}
	case TokenVerify:
		return Command{Kind: CmdStartVerification}
	case TokenConfirm:
		return NewConfirmStep()
	}
	var n int
	if _, err := fmt.Sscanf(strings.ToUpper(token), TokenTerminalsFmt, &n); err == nil {
		return NewSetTerminalCount(n)
	}
	return NewCustomCommand(buf)
}

func encodeLegacyEvent(e Event) ([]byte, error) {
	var b strings.Builder
	switch ev := e.(type) {
	case Heartbeat:
		fmt.Fprintf(&b, "Status: %s\nUptime: %d", StatusHeartbeat, ev.Uptime)
	case Prompt:
		fmt.Fprintf(&b, "Status: %s\nMessage: %s", StatusPrompt, ev.Message)
	case StepReady:
		fmt.Fprintf(&b, "Status: %s\nStep: %d\nPhase: %s", StatusStep, ev.Step, ev.Phase)
	case MeasurementResult:
		fmt.Fprintf(&b, "Status: %s\nContact: %d\nState: %s\nResistance: %s\nExpected: %s\nPassed: %t",
			StatusResult, ev.Index, ev.State, strconv.FormatFloat(ev.Resistance, 'f', -1, 64), ev.Expected, ev.Passed)
	case CalibrationValue:
		fmt.Fprintf(&b, "Status: %s\nContact: %d\nValue: %s",
			StatusCalibration, ev.Contact, strconv.FormatFloat(ev.Value, 'f', -1, 64))
	case RunComplete:
		fmt.Fprintf(&b, "Status: %s", StatusComplete)
	case DeviceError:
		fmt.Fprintf(&b, "Status: %s\nMessage: %s", StatusError, ev.Message)
	case Notice:
		b.WriteString(ev.Message)
	default:
		return nil, fmt.Errorf("cannot encode event %T", e)
	}
	return []byte(b.String()), nil
}
