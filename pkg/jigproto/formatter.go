// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"fmt"
	"math"
	"time"
)

// FormatEvent formats an event into a human-readable line
func FormatEvent(e Event, at time.Time) string {
	timestamp := at.Format("15:04:05.000")

	switch ev := e.(type) {
	case Heartbeat:
		if ev.Uptime > 0 {
			return fmt.Sprintf("[%s] HEARTBEAT uptime=%s", timestamp, time.Duration(ev.Uptime)*time.Millisecond)
		}
		return fmt.Sprintf("[%s] HEARTBEAT", timestamp)
	case Prompt:
		return fmt.Sprintf("[%s] PROMPT %q", timestamp, ev.Message)
	case StepReady:
		return fmt.Sprintf("[%s] STEP_READY step=%d phase=%s", timestamp, ev.Step, ev.Phase)
	case MeasurementResult:
		verdict := "FAIL"
		if ev.Passed {
			verdict = "PASS"
		}
		return fmt.Sprintf("[%s] MEASUREMENT step=%d state=%s r=%s expected=%s %s",
			timestamp, ev.Index, ev.State, FormatResistance(ev.Resistance), ev.Expected, verdict)
	case CalibrationValue:
		return fmt.Sprintf("[%s] CALIBRATION contact=%d value=%s", timestamp, ev.Contact, FormatResistance(ev.Value))
	case RunComplete:
		return fmt.Sprintf("[%s] RUN_COMPLETE", timestamp)
	case DeviceError:
		return fmt.Sprintf("[%s] DEVICE_ERROR %q", timestamp, ev.Message)
	case Notice:
		return fmt.Sprintf("[%s] NOTICE %q", timestamp, ev.Message)
	}
	return fmt.Sprintf("[%s] UNKNOWN %T", timestamp, e)
}

// FormatCommand formats a command for logs and the raw console
func FormatCommand(cmd Command) string {
	switch cmd.Kind {
	case CmdStartCalibration, CmdStartVerification, CmdSetTerminalCount:
		return fmt.Sprintf("%s terminals=%d", cmd.Kind, cmd.TerminalCount)
	case CmdCustom:
		return fmt.Sprintf("%s % X", cmd.Kind, cmd.Payload)
	}
	return cmd.Kind.String()
}

// FormatResistance renders a reading with an SI prefix
func FormatResistance(r float64) string {
	switch {
	case math.IsInf(r, 1):
		return "∞ Ω"
	case math.IsNaN(r):
		return "NaN"
	case r >= 1e6:
		return fmt.Sprintf("%.2f MΩ", r/1e6)
	case r >= 1e3:
		return fmt.Sprintf("%.2f kΩ", r/1e3)
	case r >= 1:
		return fmt.Sprintf("%.2f Ω", r)
	default:
		return fmt.Sprintf("%.1f mΩ", r*1e3)
	}
}
