package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrWindowCreated is returned when an RMA index is requested after the
	// window was created.
	ErrWindowCreated = errors.New("comm: RMA window already created")
	// ErrWindowNotCreated is returned by window operations before Create or after Free.
	ErrWindowNotCreated = errors.New("comm: RMA window not created")
	// ErrIndexOutOfRange is returned for window indices never allocated.
	ErrIndexOutOfRange = errors.New("comm: RMA index out of range")
)

// FatalError is an unrecoverable communication failure. The transport is
// aborted when it is created, so every rank stops.
type FatalError struct {
	Rank int
	File string
	Line int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("Rank: %d, %s(%d): %v", e.Rank, e.File, e.Line, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
