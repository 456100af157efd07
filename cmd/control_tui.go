// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/orchestrator"
	"github.com/Thermoquad/jigstat/pkg/recorder"
	"github.com/Thermoquad/jigstat/pkg/session"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxLogEntries    = 100
	maxResultRows    = 8
	defaultTerminals = "2"
)

// Focus states
const (
	focusOperations = iota
	focusTerminals
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// operationItem is one entry in the operation picker
type operationItem struct {
	op   jigproto.Operation
	desc string
}

// Implement list.Item interface
func (i operationItem) Title() string       { return strings.ToUpper(i.op.String()) }
func (i operationItem) Description() string { return i.desc }
func (i operationItem) FilterValue() string { return i.op.String() }

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	ctl      *controller
	connInfo string

	// Picker
	operations list.Model
	terminals  textinput.Model
	focused    int

	// Session
	sessionState session.State
	handle       string

	// Run
	running  bool
	runID    string
	prompt   string
	step     int
	total    int
	current  jigproto.Step
	results  []resultMsg
	finished *recorder.Record

	// Monitoring
	stats    jigproto.Statistics
	lastBeat time.Time
	eventLog []logEntry

	// UI state
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type promptMsg struct{ message string }

type stepMsg struct {
	step, total int
	s           jigproto.Step
}

type resultMsg struct {
	m jigproto.MeasurementResult
	s jigproto.Step
}

type finishedMsg struct{ rec recorder.Record }

type failedMsg struct{ err error }

type noticeMsg struct{ message string }

type sessionMsg struct{ tr session.Transition }

type runStartedMsg struct {
	id    string
	op    jigproto.Operation
	steps int
}

type actionErrMsg struct {
	action string
	err    error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(ctl *controller, connInfo string) controlModel {
	// Initialize text input for the terminal count
	ti := textinput.New()
	ti.Placeholder = defaultTerminals
	ti.SetValue(defaultTerminals)
	ti.CharLimit = 2
	ti.Width = 6

	items := []list.Item{
		operationItem{op: jigproto.OperationVerify, desc: "Check NF/NA contacts"},
		operationItem{op: jigproto.OperationCalibrate, desc: "Measure and store calibration"},
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	operations := list.New(items, delegate, 30, 8)
	operations.Title = "Operation"
	operations.SetShowStatusBar(false)
	operations.SetShowHelp(false)
	operations.SetFilteringEnabled(false)

	return controlModel{
		ctl:          ctl,
		connInfo:     connInfo,
		operations:   operations,
		terminals:    ti,
		focused:      focusOperations,
		sessionState: session.StateConnected,
		stats:        *jigproto.NewStatistics(),
		eventLog:     make([]logEntry, 0),
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.operations.SetWidth(m.leftWidth())

	case controlTickMsg:
		if m.ctl != nil && m.ctl.stack != nil {
			m.stats = m.ctl.stack.transport.Statistics()
			m.stats.CalculateRates()
			snap := m.ctl.stack.manager.Session()
			m.lastBeat = snap.LastHeartbeatAt
			m.handle = snap.Handle
		}
		return m, controlTickCmd()

	case sessionMsg:
		m.sessionState = msg.tr.To
		if msg.tr.Handle != "" {
			m.handle = msg.tr.Handle
		}
		isErr := msg.tr.Err != nil || msg.tr.To == session.StateReconnecting
		m.addLogEntry("Session "+msg.tr.String(), isErr)

	case runStartedMsg:
		m.running = true
		m.runID = msg.id
		m.total = msg.steps
		m.step = 0
		m.results = nil
		m.finished = nil
		m.addLogEntry(fmt.Sprintf("Started %s run %s", msg.op, shortID(msg.id)), false)

	case promptMsg:
		m.prompt = msg.message
		m.addLogEntry("Prompt: "+msg.message, false)

	case stepMsg:
		m.prompt = ""
		m.step = msg.step
		m.total = msg.total
		m.current = msg.s

	case resultMsg:
		m.results = append(m.results, msg)
		if !msg.m.Passed && msg.s.Expected != jigproto.ExpectAny {
			m.addLogEntry(fmt.Sprintf("Step %d failed: %s reads %s", msg.m.Index+1, msg.s, jigproto.FormatResistance(msg.m.Resistance)), true)
		}

	case finishedMsg:
		m.running = false
		m.prompt = ""
		rec := msg.rec
		m.finished = &rec
		m.addLogEntry(fmt.Sprintf("Run %s %s", shortID(rec.ID), rec.Verdict), rec.Verdict == jigproto.VerdictFailed)

	case failedMsg:
		m.running = false
		m.prompt = ""
		m.addLogEntry(describeRunError(msg.err), true)

	case noticeMsg:
		m.addLogEntry(msg.message, false)

	case actionErrMsg:
		m.addLogEntry(fmt.Sprintf("Cannot %s: %v", msg.action, msg.err), true)
	}

	return m, nil
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if msg.String() == "q" && m.focused == focusTerminals {
			break
		}
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focused == focusOperations {
			m.focused = focusTerminals
			m.terminals.Focus()
		} else {
			m.focused = focusOperations
			m.terminals.Blur()
		}
		return m, nil

	case "enter":
		return m.handleEnter()

	case "a":
		if m.focused != focusTerminals && m.running {
			return m, m.ctl.abort()
		}

	case "d":
		if m.focused != focusTerminals {
			return m, m.ctl.disconnect()
		}

	case "r":
		if m.focused != focusTerminals && m.sessionState == session.StateDisconnected {
			m.addLogEntry("Connecting...", false)
			return m, m.ctl.reconnect()
		}
	}

	// Pass through to focused component
	var cmd tea.Cmd
	if m.focused == focusTerminals {
		m.terminals, cmd = m.terminals.Update(msg)
	} else {
		m.operations, cmd = m.operations.Update(msg)
	}
	return m, cmd
}

func (m controlModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.prompt != "" {
		m.prompt = ""
		return m, m.ctl.confirm()
	}
	if m.running {
		return m, nil
	}

	item, ok := m.operations.SelectedItem().(operationItem)
	if !ok {
		return m, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(m.terminals.Value()))
	if err != nil || n < 1 || n > jigproto.MaxTerminals {
		m.addLogEntry(fmt.Sprintf("Terminal count must be 1-%d", jigproto.MaxTerminals), true)
		return m, nil
	}
	return m, m.ctl.start(item.op, n)
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

func (m controlModel) leftWidth() int {
	return 34
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Header
	s.WriteString(titleStyle.Render("JIGSTAT CONTROL"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s | q=quit Tab=switch Enter=start/confirm a=abort d/r=link", m.connInfo, m.renderSession())))
	s.WriteString("\n\n")

	focusedBox := boxStyle.BorderForeground(lipgloss.Color("12"))

	listBox := boxStyle.Width(m.leftWidth())
	if m.focused == focusOperations {
		listBox = focusedBox.Width(m.leftWidth())
	}
	left := listBox.Render(m.operations.View())

	rightWidth := m.width - m.leftWidth() - 8
	if rightWidth < 30 {
		rightWidth = 30
	}
	right := boxStyle.Width(rightWidth).Render(m.renderRunPanel())

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n")
	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n")
	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m controlModel) renderSession() string {
	state := m.sessionState.String()
	switch m.sessionState {
	case session.StateConnected:
		state = valueStyle.Render(state)
	case session.StateReconnecting, session.StateConnecting:
		state = warningStyle.Render(state)
	default:
		state = errorStyle.Render(state)
	}
	if m.handle != "" {
		state += " " + m.handle
	}
	return state
}

func (m controlModel) renderRunPanel() string {
	var s strings.Builder

	input := m.terminals.View()
	fmt.Fprintf(&s, "%s %s\n\n", labelStyle.Render("Terminals:"), input)

	switch {
	case m.prompt != "":
		s.WriteString(warningStyle.Bold(true).Render(">>> " + m.prompt))
		s.WriteString("\n")
		s.WriteString(headerStyle.Render("Press Enter when ready"))
		s.WriteString("\n")

	case m.running && m.step > 0:
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Run:"), shortID(m.runID))
		fmt.Fprintf(&s, "%s %d/%d %s\n", labelStyle.Render("Step:"), m.step, m.total, m.current)
		s.WriteString(progressBar(m.step, m.total, 30))
		s.WriteString("\n")

	case m.running:
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Run:"), shortID(m.runID))
		s.WriteString(headerStyle.Render("Waiting for the fixture..."))
		s.WriteString("\n")

	case m.finished != nil:
		s.WriteString(formatSummary(*m.finished))

	default:
		s.WriteString(headerStyle.Render("Select an operation and press Enter"))
		s.WriteString("\n")
	}

	if len(m.results) > 0 {
		s.WriteString("\n")
		start := len(m.results) - maxResultRows
		if start < 0 {
			start = 0
		}
		for _, r := range m.results[start:] {
			fmt.Fprintf(&s, "%2d %-9s %-10s %-7s %s\n", r.m.Index+1, r.m.State,
				jigproto.FormatResistance(r.m.Resistance), r.s.Expected, passFail(r.m.Passed))
		}
	}

	return s.String()
}

// progressBar renders done/total as a fixed-width bar
func progressBar(done, total, width int) string {
	if total <= 0 {
		return ""
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return valueStyle.Render(strings.Repeat("█", filled)) + headerStyle.Render(strings.Repeat("░", width-filled))
}

func (m controlModel) renderStatisticsBar() string {
	validPercent := 0.0
	errorPercent := 0.0
	if m.stats.TotalMessages > 0 {
		validPercent = float64(m.stats.ValidMessages) * 100.0 / float64(m.stats.TotalMessages)
		errorPercent = float64(m.stats.Malformed+m.stats.AnomalousValues) * 100.0 / float64(m.stats.TotalMessages)
	}

	beat := "never"
	if !m.lastBeat.IsZero() {
		beat = fmt.Sprintf("%.0fs ago", time.Since(m.lastBeat).Seconds())
	}

	errText := valueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", m.stats.TotalMessages)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		labelStyle.Render("Errors:"), errText,
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f msg/s", m.stats.MessageRate)),
		labelStyle.Render("Heartbeat:"), valueStyle.Render(beat),
	)
	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := 8
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}
	startIdx := len(m.eventLog) - logHeight

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[startIdx:] {
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

// describeRunError phrases an abort for the event log
func describeRunError(err error) string {
	var runErr *orchestrator.RunError
	var protoErr *orchestrator.ProtocolError
	switch {
	case errors.As(err, &runErr):
		return fmt.Sprintf("Run aborted (%s): %v", runErr.Kind, err)
	case errors.As(err, &protoErr):
		return fmt.Sprintf("Run aborted (protocol): %v", err)
	}
	return fmt.Sprintf("Run failed: %v", err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
