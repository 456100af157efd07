// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/recorder"
)

// Shared styles for console output and the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	for _, p := range []struct {
		n    uint64
		unit string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
		{seconds, "second"},
	} {
		switch {
		case p.n == 1:
			parts = append(parts, "1 "+p.unit)
		case p.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%d ms", ms)
	}
	return strings.Join(parts, ", ")
}

// verdictStyle colours a verdict
func verdictStyle(v jigproto.Verdict) lipgloss.Style {
	switch v {
	case jigproto.VerdictPassed:
		return valueStyle.Bold(true)
	case jigproto.VerdictFailed:
		return errorStyle
	default:
		return warningStyle
	}
}

func passFail(passed bool) string {
	if passed {
		return valueStyle.Render("PASS")
	}
	return errorStyle.Render("FAIL")
}

// formatSummary renders the summary block printed after a run and by history show
func formatSummary(rec recorder.Record) string {
	var s strings.Builder
	verdict := rec.Verdict.String()
	if rec.Incomplete {
		verdict += " (incomplete)"
	}
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Run:      "), rec.ID)
	fmt.Fprintf(&s, "%s %s, %d terminal(s)\n", labelStyle.Render("Operation:"), rec.Operation, rec.TerminalCount)
	if rec.Subject != "" {
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Subject:  "), rec.Subject)
	}
	if rec.Device != "" {
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Fixture:  "), rec.Device)
	}
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Verdict:  "), verdictStyle(rec.Verdict).Render(verdict))
	fmt.Fprintf(&s, "%s %d passed, %d failed\n", labelStyle.Render("Steps:    "), rec.Summary.Passed, rec.Summary.Failed)
	fmt.Fprintf(&s, "%s mean %s, min %s, max %s\n", labelStyle.Render("Readings: "),
		jigproto.FormatResistance(rec.Summary.Mean),
		jigproto.FormatResistance(rec.Summary.Min),
		jigproto.FormatResistance(rec.Summary.Max))
	if len(rec.Calibration) > 0 {
		fmt.Fprintf(&s, "%s mean %s over %d contact(s)\n", labelStyle.Render("Calibrate:"),
			jigproto.FormatResistance(rec.Summary.CalibrationMean), len(rec.Calibration))
	}
	fmt.Fprintf(&s, "%s %s (%s)\n", labelStyle.Render("Finished: "),
		rec.FinishedAt.Local().Format("2006-01-02 15:04:05"),
		rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	return s.String()
}

// resultsTable renders per-step readings
func resultsTable(rec recorder.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(headerStyle).
		Headers("STEP", "STATE", "RESISTANCE", "EXPECTED", "RESULT")
	for _, m := range rec.Results {
		t.Row(fmt.Sprintf("%d", m.Index+1), m.State.String(), jigproto.FormatResistance(m.Resistance),
			m.Expected.String(), passFail(m.Passed))
	}
	for _, c := range rec.Calibration {
		t.Row(fmt.Sprintf("C%d", c.Contact), "CALIBRATION", jigproto.FormatResistance(c.Value), "", "")
	}
	return t.String()
}

// historyTable renders one line per record
func historyTable(records []recorder.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(headerStyle).
		Headers("FINISHED", "ID", "SUBJECT", "OPERATION", "N", "VERDICT", "MEAN")
	for _, rec := range records {
		verdict := rec.Verdict.String()
		if rec.Incomplete {
			verdict += "*"
		}
		t.Row(
			rec.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			rec.ID[:8],
			rec.Subject,
			rec.Operation.String(),
			fmt.Sprintf("%d", rec.TerminalCount),
			verdictStyle(rec.Verdict).Render(verdict),
			jigproto.FormatResistance(rec.Summary.Mean),
		)
	}
	return t.String()
}
