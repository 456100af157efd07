// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package recorder

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

var epoch = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func sealed(subject string, op jigproto.Operation, offset time.Duration) Record {
	results := []jigproto.MeasurementResult{
		{Index: 0, State: jigproto.StateRepouso, Resistance: 0.2, Expected: jigproto.ExpectClosed, Passed: true},
		{Index: 1, State: jigproto.StateAcionado, Resistance: math.Inf(1), Expected: jigproto.ExpectOpen, Passed: true},
		{Index: 2, State: jigproto.StateRepouso, Resistance: 250000, Expected: jigproto.ExpectOpen, Passed: true},
		{Index: 3, State: jigproto.StateAcionado, Resistance: 0.4, Expected: jigproto.ExpectClosed, Passed: true},
	}
	return Record{
		ID:            NewRunID(),
		Subject:       subject,
		Device:        "Jiga",
		Operation:     op,
		TerminalCount: 2,
		Verdict:       jigproto.VerdictPassed,
		Results:       results,
		Summary:       Summarize(results, nil),
		StartedAt:     epoch.Add(offset),
		FinishedAt:    epoch.Add(offset + 30*time.Second),
	}
}

func openTemp(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.cbor")
	s, err := OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []jigproto.MeasurementResult
		cal     []jigproto.CalibrationValue
		want    Summary
	}{
		{
			name: "empty",
			want: Summary{},
		},
		{
			name: "mean over closed readings",
			results: []jigproto.MeasurementResult{
				{Resistance: 0.2, Expected: jigproto.ExpectClosed, Passed: true},
				{Resistance: math.Inf(1), Expected: jigproto.ExpectOpen, Passed: true},
				{Resistance: 0.6, Expected: jigproto.ExpectClosed, Passed: false},
				{Resistance: 500000, Expected: jigproto.ExpectOpen, Passed: true},
			},
			want: Summary{Mean: 0.4, Min: 0.2, Max: 500000, Passed: 3, Failed: 1},
		},
		{
			name: "measure only falls back to all readings",
			results: []jigproto.MeasurementResult{
				{Resistance: 10, Expected: jigproto.ExpectAny},
				{Resistance: 30, Expected: jigproto.ExpectAny},
			},
			want: Summary{Mean: 20, Min: 10, Max: 30},
		},
		{
			name: "calibration mean",
			cal: []jigproto.CalibrationValue{
				{Contact: 1, Value: 0.25},
				{Contact: 2, Value: 0.35},
			},
			want: Summary{CalibrationMean: 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.results, tt.cal)
			assert.InDelta(t, tt.want.Mean, got.Mean, 1e-9)
			assert.InDelta(t, tt.want.Min, got.Min, 1e-9)
			assert.InDelta(t, tt.want.Max, got.Max, 1e-9)
			assert.InDelta(t, tt.want.CalibrationMean, got.CalibrationMean, 1e-9)
			assert.Equal(t, tt.want.Passed, got.Passed)
			assert.Equal(t, tt.want.Failed, got.Failed)
		})
	}
}

func TestValidateRejectsUnsealedRuns(t *testing.T) {
	rec := sealed("relay-1", jigproto.OperationVerify, 0)
	require.NoError(t, rec.Validate())

	pending := rec
	pending.Verdict = jigproto.VerdictPending
	assert.ErrorIs(t, pending.Validate(), ErrInvalidRecord)

	noID := rec
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalidRecord)

	badOp := rec
	badOp.Operation = 0
	assert.ErrorIs(t, badOp.Validate(), ErrInvalidRecord)
}

func TestFileStoreAppendQuery(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	older := sealed("relay-1", jigproto.OperationVerify, 0)
	newer := sealed("relay-2", jigproto.OperationCalibrate, time.Hour)
	newer.Calibration = []jigproto.CalibrationValue{{Contact: 1, Value: 0.31}}
	require.NoError(t, s.Append(ctx, older))
	require.NoError(t, s.Append(ctx, newer))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "newest first")
	assert.Equal(t, older.ID, got[1].ID)

	// round trip keeps open-circuit readings and times
	assert.True(t, math.IsInf(got[1].Results[1].Resistance, 1))
	assert.True(t, older.FinishedAt.Equal(got[1].FinishedAt))
	assert.Equal(t, older.Summary, got[1].Summary)
	assert.Equal(t, newer.Calibration, got[0].Calibration)
	assert.Equal(t, jigproto.VerdictPassed, got[0].Verdict)

	bySubject, err := s.Query(ctx, Filter{Subject: "relay-1"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, older.ID, bySubject[0].ID)

	byOp, err := s.Query(ctx, Filter{Operation: jigproto.OperationCalibrate})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
	assert.Equal(t, newer.ID, byOp[0].ID)

	limited, err := s.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)
}

func TestFileStoreRejectsDuplicates(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	rec := sealed("relay-1", jigproto.OperationVerify, 0)
	require.NoError(t, s.Append(ctx, rec))
	assert.ErrorIs(t, s.Append(ctx, rec), ErrDuplicate)
}

func TestFileStoreDeleteIsTombstone(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	keep := sealed("relay-1", jigproto.OperationVerify, 0)
	gone := sealed("relay-1", jigproto.OperationVerify, time.Minute)
	require.NoError(t, s.Append(ctx, keep))
	require.NoError(t, s.Append(ctx, gone))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, gone.ID))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, after.Size(), before.Size(), "delete appends instead of rewriting")

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)

	assert.ErrorIs(t, s.Delete(ctx, gone.ID), ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
}

func TestFileStoreReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	a := sealed("relay-1", jigproto.OperationVerify, 0)
	b := sealed("relay-1", jigproto.OperationVerify, time.Minute)
	require.NoError(t, s.Append(ctx, a))
	require.NoError(t, s.Append(ctx, b))
	require.NoError(t, s.Delete(ctx, a.ID))
	require.NoError(t, s.Close())

	s2, err := OpenFile(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	// the index is rebuilt from the log
	assert.ErrorIs(t, s2.Append(ctx, b), ErrDuplicate)
	assert.ErrorIs(t, s2.Delete(ctx, a.ID), ErrNotFound)
}

func TestFileStoreTruncatesTornTail(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	a := sealed("relay-1", jigproto.OperationVerify, 0)
	require.NoError(t, s.Append(ctx, a))
	require.NoError(t, s.Close())

	// simulate a write interrupted halfway through a map header
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xa3, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := OpenFile(path)
	require.NoError(t, err)
	defer s2.Close()

	b := sealed("relay-1", jigproto.OperationVerify, time.Minute)
	require.NoError(t, s2.Append(ctx, b))

	got, err := s2.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

// shortWriteFile lands only the first n bytes of a write, then fails
type shortWriteFile struct {
	*os.File
	n int
}

func (f *shortWriteFile) Write(p []byte) (int, error) {
	w, _ := f.File.Write(p[:min(f.n, len(p))])
	return w, errors.New("no space left on device")
}

func TestFileStoreRollsBackFailedWrite(t *testing.T) {
	tests := []struct {
		name string
		op   func(s *FileStore, kept Record) error
	}{
		{
			name: "append",
			op: func(s *FileStore, _ Record) error {
				return s.Append(context.Background(), sealed("relay-2", jigproto.OperationVerify, time.Hour))
			},
		},
		{
			name: "delete",
			op: func(s *FileStore, kept Record) error {
				return s.Delete(context.Background(), kept.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, path := openTemp(t)
			ctx := context.Background()

			a := sealed("relay-1", jigproto.OperationVerify, 0)
			require.NoError(t, s.Append(ctx, a))
			before, err := os.Stat(path)
			require.NoError(t, err)

			logf := s.file.(*os.File)
			s.file = &shortWriteFile{File: logf, n: 7}
			require.Error(t, tt.op(s, a))
			s.file = logf

			after, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, before.Size(), after.Size(), "partial entry left in the log")

			b := sealed("relay-1", jigproto.OperationVerify, time.Minute)
			require.NoError(t, s.Append(ctx, b))
			require.NoError(t, s.Close())

			s2, err := OpenFile(path)
			require.NoError(t, err)
			defer s2.Close()

			got, err := s2.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, b.ID, got[0].ID)
			assert.Equal(t, a.ID, got[1].ID)
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Append(ctx, sealed("x", jigproto.OperationVerify, 0)), ErrClosed)
	_, err := s.Query(ctx, Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStoreHonoursContext(t *testing.T) {
	s, _ := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Append(ctx, sealed("x", jigproto.OperationVerify, 0)), context.Canceled)
}
