// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/orchestrator"
	"github.com/Thermoquad/jigstat/pkg/recorder"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for running the fixture",
	Long: `Drive the fixture from an interactive terminal UI.

Features:
  - Operation picker (calibrate, verify) and terminal count
  - Live step progress and per-step readings
  - Fixture prompts confirmed with Enter
  - Session state, heartbeat age and message statistics
  - Event logging
  - Manual disconnect/reconnect; automatic reconnection on link loss

Tab switches between the operation list and the terminal count.
Enter starts a run, or confirms a pending prompt. a aborts the run,
d disconnects, r reconnects, q quits.`,
	Args: cobra.NoArgs,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// controller is what the TUI drives. All calls may block and run in tea.Cmds.
type controller struct {
	ctx   context.Context
	stack *stack
	orch  *orchestrator.Orchestrator
}

func (c *controller) start(op jigproto.Operation, n int) tea.Cmd {
	return func() tea.Msg {
		run, err := c.orch.Start(c.ctx, op, n)
		if err != nil {
			return actionErrMsg{action: "start", err: err}
		}
		return runStartedMsg{id: run.ID, op: op, steps: len(run.Steps)}
	}
}

func (c *controller) confirm() tea.Cmd {
	return func() tea.Msg {
		if err := c.orch.Confirm(); err != nil {
			return actionErrMsg{action: "confirm", err: err}
		}
		return nil
	}
}

func (c *controller) abort() tea.Cmd {
	return func() tea.Msg {
		if err := c.orch.Abort(); err != nil {
			return actionErrMsg{action: "abort", err: err}
		}
		return nil
	}
}

func (c *controller) disconnect() tea.Cmd {
	return func() tea.Msg {
		c.stack.manager.Disconnect()
		return nil
	}
}

func (c *controller) reconnect() tea.Cmd {
	return func() tea.Msg {
		if _, err := c.stack.manager.Connect(c.ctx, channel.Selector{Target: cfg.Target}); err != nil {
			return actionErrMsg{action: "connect", err: err}
		}
		return nil
	}
}

// teaUI forwards orchestrator callbacks into the program's message loop
type teaUI struct {
	p *tea.Program
}

func (u teaUI) ShowPrompt(msg string) { u.p.Send(promptMsg{message: msg}) }
func (u teaUI) StepProgress(step, total int, s jigproto.Step) {
	u.p.Send(stepMsg{step: step, total: total, s: s})
}
func (u teaUI) StepResult(m jigproto.MeasurementResult, s jigproto.Step) {
	u.p.Send(resultMsg{m: m, s: s})
}
func (u teaUI) RunFinished(rec recorder.Record) { u.p.Send(finishedMsg{rec: rec}) }
func (u teaUI) RunFailed(err error)             { u.p.Send(failedMsg{err: err}) }
func (u teaUI) Notice(msg string)               { u.p.Send(noticeMsg{message: msg}) }

func runControl(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := recorder.Open(ctx, cfg.Recorder, log)
	if err != nil {
		return fmt.Errorf("failed to open recorder: %w", err)
	}
	defer rec.Close()

	// logs would tear the alt screen; send them to the file, if any
	if cfg.Log.FilePath == "" {
		log.SetOutput(io.Discard)
	}

	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	s.startTransport()

	ctl := &controller{ctx: ctx, stack: s}
	m := initialControlModel(ctl, s.info)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	ctl.orch = orchestrator.New(s.transport, s.manager, rec, teaUI{p: p},
		orchestrator.WithStepTimeout(cfg.Run.StepTimeout),
		orchestrator.WithThresholds(cfg.Thresholds()),
		orchestrator.WithSubject(cfg.Run.Subject),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(s.metrics),
	)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ctl.orch.Run(ctx)
	}()

	transitions := s.manager.Subscribe()
	go func() {
		for tr := range transitions {
			p.Send(sessionMsg{tr: tr})
		}
	}()

	_, runErr := p.Run()

	s.manager.Unsubscribe(transitions)
	cancel()
	<-loopDone
	if runErr != nil {
		return fmt.Errorf("TUI error: %w", runErr)
	}
	return nil
}
