package intervention

import (
	"context"

	"github.com/episim/episim/sim/comm"
)

// ReduceOr ORs local element-wise across all ranks with one BroadcastAll.
// Every rank receives the same result.
func ReduceOr(ctx context.Context, c *comm.Communicator, local []bool) ([]bool, error) {
	out := make([]bool, len(local))
	copy(out, local)
	w := comm.NewWriter()
	for _, b := range local {
		w.Bool(b)
	}
	err := c.BroadcastAll(ctx, w.Buffer(), func(r *comm.Reader, _ int) error {
		for i := range out {
			if r.Bool() {
				out[i] = true
			}
		}
		return r.Err()
	})
	return out, err
}

// ReduceSum adds local element-wise across all ranks with one BroadcastAll.
// Ranks are summed in rank order so every rank gets the same floating
// point result.
func ReduceSum(ctx context.Context, c *comm.Communicator, local []float64) ([]float64, error) {
	parts := make([][]float64, c.Size())
	parts[c.Rank()] = local
	w := comm.NewWriter()
	for _, v := range local {
		w.Float64(v)
	}
	err := c.BroadcastAll(ctx, w.Buffer(), func(r *comm.Reader, root int) error {
		part := make([]float64, len(local))
		for i := range part {
			part[i] = r.Float64()
		}
		parts[root] = part
		return r.Err()
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(local))
	for _, part := range parts {
		for i, v := range part {
			out[i] += v
		}
	}
	return out, nil
}
