// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/orchestrator"
	"github.com/Thermoquad/jigstat/pkg/recorder"
)

var (
	terminalCount int
	stepTimeout   time.Duration
	autoConfirm   bool
	showSteps     bool
)

// errRunFailed is returned when a run seals as FAILED so the process exits non-zero
var errRunFailed = errors.New("run failed")

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run a calibration sequence",
	Long: `Run the fixture's calibration sequence and record the result.

Each contact is measured de-energized and energized, then the fixture reports
a calibration value per contact. Prompts from the fixture wait for Enter
(or are confirmed automatically with --yes).

Exit codes:
  0 - Run passed or was measured
  1 - Run failed, was aborted, or could not start`,
	Args: cobra.NoArgs,
	RunE: operationRunner(jigproto.OperationCalibrate),
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a verification sequence",
	Long: `Run the fixture's verification sequence and record the result.

Each contact is measured de-energized and energized and classified as closed
or open against its role (NF/NA). A single terminal is measured only and is
recorded as MEASURED.

Exit codes:
  0 - Run passed or was measured
  1 - Run failed, was aborted, or could not start`,
	Args: cobra.NoArgs,
	RunE: operationRunner(jigproto.OperationVerify),
}

func init() {
	for _, c := range []*cobra.Command{calibrateCmd, verifyCmd} {
		rootCmd.AddCommand(c)
		c.Flags().IntVarP(&terminalCount, "terminals", "n", 2, "Number of relay terminals on the device under test")
		c.Flags().DurationVar(&stepTimeout, "step-timeout", 0, "Abort when the fixture is silent this long (overrides config, 0 keeps it)")
		c.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "Confirm fixture prompts automatically")
		c.Flags().BoolVar(&showSteps, "steps", true, "Print a per-step table after the run")
	}
}

func operationRunner(op jigproto.Operation) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), op)
	}
}

func runOperation(parent context.Context, op jigproto.Operation) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := recorder.Open(ctx, cfg.Recorder, log)
	if err != nil {
		return fmt.Errorf("failed to open recorder: %w", err)
	}
	defer rec.Close()

	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	s.startTransport()

	timeout := cfg.Run.StepTimeout
	if stepTimeout > 0 {
		timeout = stepTimeout
	}

	ui := newConsoleUI(os.Stdout)
	orch := orchestrator.New(s.transport, s.manager, rec, ui,
		orchestrator.WithStepTimeout(timeout),
		orchestrator.WithThresholds(cfg.Thresholds()),
		orchestrator.WithSubject(cfg.Run.Subject),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(s.metrics),
	)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		orch.Run(ctx)
	}()
	defer func() {
		stop()
		<-loopDone
	}()

	fmt.Printf("Jigstat - %s\n", op)
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Press Ctrl+C to abort\n\n")

	run, err := orch.Start(ctx, op, terminalCount)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", op, err)
	}
	go confirmPrompts(ctx, ui.prompts, orch, os.Stdin, autoConfirm)

	record, err := run.Wait(ctx)
	if err != nil {
		// the UI has already reported it
		return err
	}
	if showSteps {
		fmt.Println(resultsTable(record))
	}
	if record.Verdict == jigproto.VerdictFailed {
		return fmt.Errorf("%w: %s", errRunFailed, record.ID)
	}
	return nil
}

// confirmPrompts answers fixture prompts from in, one line per prompt
func confirmPrompts(ctx context.Context, prompts <-chan string, orch *orchestrator.Orchestrator, in io.Reader, auto bool) {
	if !auto {
		if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
			log.Debug("stdin is not a terminal, reading confirmations from it")
		}
	}
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case <-prompts:
		}
		if !auto {
			if _, err := reader.ReadString('\n'); err != nil {
				log.WithError(err).Warn("No operator input, aborting run")
				orch.Abort()
				return
			}
		}
		if err := orch.Confirm(); err != nil {
			log.WithError(err).Debug("Confirmation not accepted")
		}
	}
}

// consoleUI prints run progress as plain lines
type consoleUI struct {
	mu      sync.Mutex
	out     io.Writer
	prompts chan string
}

func newConsoleUI(out io.Writer) *consoleUI {
	return &consoleUI{out: out, prompts: make(chan string, 1)}
}

func (u *consoleUI) printf(format string, args ...interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

func (u *consoleUI) ShowPrompt(msg string) {
	u.printf("%s %s\n  Press Enter to continue...\n", warningStyle.Render(">>>"), msg)
	select {
	case u.prompts <- msg:
	default:
	}
}

func (u *consoleUI) StepProgress(step, total int, s jigproto.Step) {
	u.printf("[%2d/%d] %s\n", step, total, s)
}

func (u *consoleUI) StepResult(m jigproto.MeasurementResult, _ jigproto.Step) {
	u.printf("        %-10s %s\n", jigproto.FormatResistance(m.Resistance), passFail(m.Passed))
}

func (u *consoleUI) RunFinished(rec recorder.Record) {
	u.printf("\n%s\n", formatSummary(rec))
}

func (u *consoleUI) RunFailed(err error) {
	u.printf("\n%s %v\n", errorStyle.Render("RUN ABORTED:"), err)
}

func (u *consoleUI) Notice(msg string) {
	u.printf("%s %s\n", headerStyle.Render("!"), msg)
}
