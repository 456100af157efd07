// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

var (
	errorsOnly    bool
	statsInterval int
	sendPayloads  []string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display fixture traffic in human-readable format",
	Long: `Continuously decode and display every message the fixture sends, in any
encoding (legacy text, JSON or CBOR), with periodic statistics.

Each measurement is cross-checked against the configured thresholds; readings
that are invalid or disagree with the firmware's verdict are flagged. Use
--errors-only to show only malformed messages, anomalies and device errors.

--send writes a raw custom command after connecting, for firmware debugging.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&errorsOnly, "errors-only", false, "Only show malformed messages, anomalies and device errors")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics interval in seconds (0 disables)")
	monitorCmd.Flags().StringArrayVar(&sendPayloads, "send", nil, "Raw command to send after connecting (repeatable)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Jigstat - Monitor\n")
	fmt.Printf("Connection: %s\n", s.info)
	if statsInterval > 0 {
		fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	}
	if errorsOnly {
		fmt.Printf("Mode: Errors only\n")
	} else {
		fmt.Printf("Mode: All messages\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	for _, payload := range sendPayloads {
		if err := s.transport.Send(ctx, jigproto.NewCustomCommand([]byte(payload))); err != nil {
			return fmt.Errorf("failed to send %q: %w", payload, err)
		}
		fmt.Printf("[%s] SENT %q\n", time.Now().Format("15:04:05.000"), payload)
	}

	transitions := s.manager.Subscribe()
	defer s.manager.Unsubscribe(transitions)

	stats := jigproto.NewStatistics()
	thresholds := cfg.Thresholds()

	var statsC <-chan time.Time
	if statsInterval > 0 {
		ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
		defer ticker.Stop()
		statsC = ticker.C
	}

	msgs := s.manager.Messages()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s %s\n", tr.At.Format("15:04:05.000"), warningStyle.Render("SESSION"), tr)

		case buf := <-msgs:
			monitorMessage(s, stats, thresholds, buf)

		case <-statsC:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// monitorMessage decodes, validates and prints one inbound buffer
func monitorMessage(s *stack, stats *jigproto.Statistics, t jigproto.Thresholds, buf []byte) {
	now := time.Now()
	events, err := jigproto.DecodeEvents(buf)
	if err != nil {
		stats.Update(nil, err, nil)
		s.metrics.ObserveMalformed()
		fmt.Printf("[%s] %s %v\n", now.Format("15:04:05.000"), errorStyle.Render("MALFORMED:"), err)
		fmt.Printf("  Raw: %q\n\n", buf)
		return
	}

	for _, e := range events {
		var anomalies []jigproto.ValidationError
		switch ev := e.(type) {
		case jigproto.Heartbeat:
			s.manager.Heartbeat()
			s.metrics.ObserveHeartbeat()
		case jigproto.MeasurementResult:
			// no plan here, so only the reading itself is checked
			step := jigproto.Step{Index: ev.Index, State: ev.State, Expected: ev.Expected}
			anomalies = jigproto.ValidateMeasurement(ev, step, t)
		}
		if _, ok := e.(jigproto.Heartbeat); !ok {
			s.metrics.ObserveEvent(e.Kind().String())
		}
		stats.Update(e, nil, anomalies)
		for _, a := range anomalies {
			s.metrics.ObserveAnomaly(a.Type.String())
		}

		_, deviceErr := e.(jigproto.DeviceError)
		switch {
		case len(anomalies) > 0:
			fmt.Println(jigproto.FormatEvent(e, now))
			for i, a := range anomalies {
				fmt.Printf("  Issue %d: %s\n", i+1, warningStyle.Render(a.Message))
			}
			fmt.Println()
		case deviceErr:
			fmt.Println(errorStyle.Render(jigproto.FormatEvent(e, now)))
		case !errorsOnly:
			fmt.Println(jigproto.FormatEvent(e, now))
		}
	}
}
