// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	recEncMode cbor.EncMode
	recDecMode cbor.DecMode
)

func init() {
	var err error

	recEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR encoder mode: %v", err))
	}

	recDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR decoder mode: %v", err))
	}
}

// entry is one line of the append log: a record or a tombstone
type entry struct {
	Record  *Record   `cbor:"1,keyasint,omitempty"`
	Deleted string    `cbor:"2,keyasint,omitempty"`
	At      time.Time `cbor:"3,keyasint"`
}

// FileStore keeps records in an append-only CBOR log.
// Deletes append a tombstone; Query replays the whole log.
// It is safe for concurrent use from multiple goroutines.
type FileStore struct {
	path string

	mu     sync.Mutex
	file   logFile
	live   map[string]bool
	closed bool
}

// logFile is the open log. *os.File in production.
type logFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// OpenFile opens or creates the log at path
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path, live: make(map[string]bool)}

	entries, good, err := s.replay()
	switch {
	case err == nil:
		if err := truncateTail(path, good); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	for _, e := range entries {
		s.apply(e, s.live)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}
	s.file = f
	return s, nil
}

// Path returns the log file location
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.live[rec.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if err := s.write(entry{Record: &rec, At: time.Now()}); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync record log: %w", err)
	}
	s.live[rec.ID] = true
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.live[id] {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.write(entry{Deleted: id, At: time.Now()}); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	delete(s.live, id)
	return s.file.Sync()
}

func (s *FileStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	entries, _, err := s.replay()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	type seen struct {
		rec   Record
		order int
	}
	byID := make(map[string]seen)
	for i, e := range entries {
		switch {
		case e.Record != nil:
			byID[e.Record.ID] = seen{rec: *e.Record, order: i}
		case e.Deleted != "":
			delete(byID, e.Deleted)
		}
	}

	matched := make([]seen, 0, len(byID))
	for _, v := range byID {
		if f.matches(&v.rec) {
			matched = append(matched, v)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.rec.FinishedAt.Equal(b.rec.FinishedAt) {
			return a.rec.FinishedAt.After(b.rec.FinishedAt)
		}
		return a.order > b.order
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]Record, len(matched))
	for i, v := range matched {
		out[i] = v.rec
	}
	return out, nil
}

// write appends one entry. A failed write is cut back off the log so the
// next entry does not land after a torn one.
func (s *FileStore) write(e entry) error {
	buf, err := recEncMode.Marshal(e)
	if err != nil {
		return err
	}
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if _, err := s.file.Write(buf); err != nil {
		if terr := s.file.Truncate(info.Size()); terr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back torn entry: %w", terr))
		}
		return err
	}
	return nil
}

// Close closes the log file.
// It is safe to call Close multiple times.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// replay decodes every entry in the log and returns the offset just past
// the last complete one. A torn final entry from an interrupted write ends
// the replay without error.
func (s *FileStore) replay() ([]entry, int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var entries []entry
	var good int64
	dec := recDecMode.NewDecoder(f)
	for {
		var e entry
		err := dec.Decode(&e)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, good, nil
		}
		if err != nil {
			return entries, good, fmt.Errorf("failed to read record log: %w", err)
		}
		entries = append(entries, e)
		good = int64(dec.NumBytesRead())
	}
}

// truncateTail drops a torn entry so later appends stay readable
func truncateTail(path string, good int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() <= good {
		return nil
	}
	if err := os.Truncate(path, good); err != nil {
		return fmt.Errorf("failed to truncate torn record: %w", err)
	}
	return nil
}

func (s *FileStore) apply(e entry, live map[string]bool) {
	switch {
	case e.Record != nil:
		live[e.Record.ID] = true
	case e.Deleted != "":
		delete(live, e.Deleted)
	}
}

// Compile-time interface satisfaction check.
var _ Recorder = (*FileStore)(nil)
