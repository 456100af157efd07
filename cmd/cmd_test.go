// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jigstat/pkg/config"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/logging"
	"github.com/Thermoquad/jigstat/pkg/recorder"
)

// useSimulator points the package globals at the simulated fixture
func useSimulator(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.cbor")
	c := config.Default()
	c.Transport = config.TransportSim
	c.Recorder.Path = path
	c.Run.Subject = "relay-7"
	require.NoError(t, c.Validate())

	prevCfg, prevLog := cfg, log
	cfg, log = c, logging.Discard()
	t.Cleanup(func() { cfg, log = prevCfg, prevLog })
	return path
}

func enterKey() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyEnter}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{250, "250 ms"},
		{1000, "1 second"},
		{61000, "1 minute, 1 second"},
		{2*3600*1000 + 5000, "2 hours, 5 seconds"},
		{26 * 3600 * 1000, "1 day, 2 hours"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.ms), "ms=%d", tt.ms)
	}
}

func TestRunOperationAgainstSimulator(t *testing.T) {
	path := useSimulator(t)

	require.NoError(t, runOperation(context.Background(), jigproto.OperationVerify))

	store, err := recorder.OpenFile(path)
	require.NoError(t, err)
	defer store.Close()
	records, err := store.Query(context.Background(), recorder.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, jigproto.VerdictPassed, records[0].Verdict)
	assert.Equal(t, "relay-7", records[0].Subject)
	assert.Len(t, records[0].Results, 4)

	// history lookups resolve ID prefixes
	found, err := findRecord(context.Background(), store, records[0].ID[:8])
	require.NoError(t, err)
	assert.Equal(t, records[0].ID, found.ID)

	_, err = findRecord(context.Background(), store, "nope")
	assert.ErrorIs(t, err, recorder.ErrNotFound)

	table := historyTable(records)
	assert.Contains(t, table, records[0].ID[:8])
	assert.Contains(t, table, "relay-7")
}

func TestConsoleUIPrompts(t *testing.T) {
	var out bytes.Buffer
	ui := newConsoleUI(&out)

	ui.ShowPrompt("Insert relay")
	ui.ShowPrompt("ignored while the first is pending")
	assert.Equal(t, "Insert relay", <-ui.prompts)
	assert.Contains(t, out.String(), "Insert relay")

	ui.StepProgress(1, 4, jigproto.Step{Index: 0, Contact: 1, Role: jigproto.RoleNF, State: jigproto.StateRepouso, Expected: jigproto.ExpectClosed})
	ui.Notice("Retrying")
	assert.Contains(t, out.String(), "[ 1/4] contact 1")
	assert.Contains(t, out.String(), "Retrying")
}

func TestControlModelRunFlow(t *testing.T) {
	m := initialControlModel(&controller{}, "Simulator")

	next, _ := m.Update(runStartedMsg{id: "0123456789abcdef", op: jigproto.OperationVerify, steps: 4})
	m = next.(controlModel)
	assert.True(t, m.running)
	assert.Equal(t, 4, m.total)

	next, _ = m.Update(promptMsg{message: "Insert relay"})
	m = next.(controlModel)
	assert.Contains(t, m.View(), "Insert relay")

	// Enter answers the prompt instead of starting another run
	next, cmd := m.Update(enterKey())
	m = next.(controlModel)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.prompt)

	step := jigproto.Step{Index: 0, Contact: 1, Role: jigproto.RoleNF, State: jigproto.StateRepouso, Expected: jigproto.ExpectClosed}
	next, _ = m.Update(stepMsg{step: 1, total: 4, s: step})
	m = next.(controlModel)
	next, _ = m.Update(resultMsg{m: jigproto.MeasurementResult{Index: 0, State: jigproto.StateRepouso, Resistance: 0.02, Expected: jigproto.ExpectClosed, Passed: true}, s: step})
	m = next.(controlModel)
	assert.Len(t, m.results, 1)
	assert.Contains(t, m.View(), "1/4")

	rec := recorder.Record{ID: "0123456789abcdef", Operation: jigproto.OperationVerify, Verdict: jigproto.VerdictPassed, FinishedAt: time.Now()}
	next, _ = m.Update(finishedMsg{rec: rec})
	m = next.(controlModel)
	assert.False(t, m.running)
	require.NotNil(t, m.finished)
	assert.True(t, strings.Contains(m.View(), "PASSED"))
}

func TestControlModelRejectsBadTerminalCount(t *testing.T) {
	m := initialControlModel(&controller{}, "Simulator")
	m.terminals.SetValue("99")

	next, cmd := m.Update(enterKey())
	m = next.(controlModel)
	assert.Nil(t, cmd)
	require.NotEmpty(t, m.eventLog)
	assert.True(t, m.eventLog[len(m.eventLog)-1].isError)
}
