package actions

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/episim/episim/sim/comm"
)

const outputLockTimeout = 10 * time.Second

// ChangeWriter appends the default output CSV
// "tick,pid,exit_state,contact_pid". Ranks write one after another in rank
// order, holding a file lock while appending.
type ChangeWriter struct {
	path string
	comm *comm.Communicator
	lock *flock.Flock
}

// NewChangeWriter writes to path.
func NewChangeWriter(path string, c *comm.Communicator) *ChangeWriter {
	return &ChangeWriter{path: path, comm: c, lock: flock.New(path + ".lock")}
}

// Path returns the output file.
func (w *ChangeWriter) Path() string { return w.path }

// Init truncates the file and writes the header on rank 0. Collective.
func (w *ChangeWriter) Init(ctx context.Context) error {
	var initErr error
	if w.comm.Rank() == 0 {
		initErr = w.writeHeader()
	}
	if err := w.comm.Barrier(ctx); err != nil {
		return err
	}
	return initErr
}

func (w *ChangeWriter) writeHeader() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(w.path, []byte("tick,pid,exit_state,contact_pid\n"), 0644); err != nil {
		return fmt.Errorf("writing output header: %w", err)
	}
	return nil
}

// Write appends rows of all ranks, rank 0 first. Collective.
func (w *ChangeWriter) Write(ctx context.Context, rows []Change) error {
	return w.comm.Sequential(ctx, 0, func() error {
		if len(rows) == 0 {
			return nil
		}
		return w.appendRows(ctx, rows)
	})
}

func (w *ChangeWriter) appendRows(ctx context.Context, rows []Change) error {
	lockCtx, cancel := context.WithTimeout(ctx, outputLockTimeout)
	defer cancel()
	locked, err := w.lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring output lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timeout waiting for output lock %s", w.lock.Path())
	}
	defer w.lock.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	cw := csv.NewWriter(f)
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.Tick),
			strconv.FormatUint(uint64(r.Node), 10),
			r.ExitState,
			strconv.FormatInt(r.Contact, 10),
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("writing output: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing output: %w", err)
	}
	return f.Close()
}
