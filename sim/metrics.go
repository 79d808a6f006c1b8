// Tracks run-wide outcome figures such as executed actions and final
// health state counts.

package sim

import (
	"fmt"
	"io"
)

// StateCount is the global number of nodes in one health state.
type StateCount struct {
	State string
	Count float64
}

// Summary aggregates statistics about a rank's run for final reporting.
type Summary struct {
	Ticks           int // Number of completed ticks
	ActionsExecuted int // Actions executed by the action queue
	StateChanges    int // Executed actions that changed their target
	Recomputed      int // Non-static graph nodes recomputed
	Interventions   int // Intervention firings

	FinalCounts []StateCount // Global counts after the last tick
}

// Print displays the summary. Global figures are identical on every rank;
// callers usually print from rank 0 only.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Summary ===")
	fmt.Fprintf(w, "Ticks                : %d\n", s.Ticks)
	fmt.Fprintf(w, "Actions Executed     : %d\n", s.ActionsExecuted)
	fmt.Fprintf(w, "State Changes        : %d\n", s.StateChanges)
	fmt.Fprintf(w, "Nodes Recomputed     : %d\n", s.Recomputed)
	fmt.Fprintf(w, "Intervention Firings : %d\n", s.Interventions)
	if len(s.FinalCounts) == 0 {
		return
	}
	total := 0.0
	for _, c := range s.FinalCounts {
		total += c.Count
	}
	fmt.Fprintln(w, "Final Health States  :")
	for _, c := range s.FinalCounts {
		pct := 0.0
		if total > 0 {
			pct = 100 * c.Count / total
		}
		fmt.Fprintf(w, "  %-18s : %.0f (%.2f%%)\n", c.State, c.Count, pct)
	}
}
