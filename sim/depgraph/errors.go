package depgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle         = errors.New("dependency cycle")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrUnknownNode   = errors.New("node not registered")
	ErrNotBuilt      = errors.New("dependency graph not built")
)

// CycleError reports one deterministic cycle witness, first node repeated
// at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// ComputeError names the node whose computation failed.
type ComputeError struct {
	ID  string
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("computing %q: %v", e.ID, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }
