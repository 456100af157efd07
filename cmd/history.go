// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/recorder"
)

var (
	historyOperation string
	historyLimit     int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs, newest first",
	Long: `List runs stored by the configured recorder (file or redis), newest first.

Filter with --subject (global flag) and --operation. A trailing * marks runs
whose fixture reported completion before every step was measured.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded run with its per-step readings",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recorded run",
	Long: `Delete a recorded run by ID. The file backend appends a tombstone; the
record disappears from history but the log itself is never rewritten.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistoryDelete,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd, historyDeleteCmd)
	historyCmd.Flags().StringVar(&historyOperation, "operation", "", "Only runs of this operation (calibrate or verify)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list (0 for all)")
}

func openRecorder(ctx context.Context) (recorder.Recorder, error) {
	rec, err := recorder.Open(ctx, cfg.Recorder, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder: %w", err)
	}
	return rec, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	filter := recorder.Filter{Subject: cfg.Run.Subject, Limit: historyLimit}
	if historyOperation != "" {
		op, err := jigproto.ParseOperation(historyOperation)
		if err != nil {
			return err
		}
		filter.Operation = op
	}

	rec, err := openRecorder(ctx)
	if err != nil {
		return err
	}
	defer rec.Close()

	records, err := rec.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query runs: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Println(historyTable(records))
	return nil
}

// findRecord resolves a full ID or a unique prefix of one
func findRecord(ctx context.Context, rec recorder.Recorder, id string) (recorder.Record, error) {
	records, err := rec.Query(ctx, recorder.Filter{})
	if err != nil {
		return recorder.Record{}, fmt.Errorf("failed to query runs: %w", err)
	}
	var matches []recorder.Record
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return recorder.Record{}, fmt.Errorf("%w: %s", recorder.ErrNotFound, id)
	case 1:
		return matches[0], nil
	}
	return recorder.Record{}, fmt.Errorf("ID prefix %q matches %d runs", id, len(matches))
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rec, err := openRecorder(ctx)
	if err != nil {
		return err
	}
	defer rec.Close()

	r, err := findRecord(ctx, rec, args[0])
	if err != nil {
		return err
	}
	fmt.Println(formatSummary(r))
	fmt.Println(resultsTable(r))
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rec, err := openRecorder(ctx)
	if err != nil {
		return err
	}
	defer rec.Close()

	r, err := findRecord(ctx, rec, args[0])
	if err != nil {
		return err
	}
	if err := rec.Delete(ctx, r.ID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", r.ID, err)
	}
	fmt.Printf("Deleted run %s\n", r.ID)
	return nil
}
