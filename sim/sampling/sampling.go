// Package sampling splits target sets into sampled and not sampled parts.
//
// Relative individual sampling decides per target. Group and absolute
// sampling need a global count: every worker of every rank reports its
// candidate count, rank 0 allocates the global sample proportionally and
// broadcasts the per-worker limits.
package sampling

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// Kind selects how the sample size is determined.
type Kind int

const (
	// RelativeIndividual samples each target with probability Percentage/100.
	RelativeIndividual Kind = iota
	// RelativeGroup samples round(total*Percentage/100) targets globally.
	RelativeGroup
	// Absolute samples Count targets globally.
	Absolute
)

func (k Kind) String() string {
	switch k {
	case RelativeIndividual:
		return "individual"
	case RelativeGroup:
		return "group"
	case Absolute:
		return "absolute"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps configuration names to kinds.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "individual":
		return RelativeIndividual, nil
	case "group":
		return RelativeGroup, nil
	case "absolute":
		return Absolute, nil
	default:
		return 0, fmt.Errorf("sampling: unknown type %q", s)
	}
}

// Spec describes a sampling.
type Spec struct {
	Kind       Kind
	Percentage float64
	Count      uint64
}

// Validate checks the parameters of s.
func (s Spec) Validate() error {
	switch s.Kind {
	case RelativeIndividual, RelativeGroup:
		if s.Percentage < 0 || s.Percentage > 100 {
			return fmt.Errorf("sampling: percentage %g outside [0, 100]", s.Percentage)
		}
	case Absolute:
	default:
		return fmt.Errorf("sampling: unknown kind %d", int(s.Kind))
	}
	return nil
}

// DetermineLimits allocates available samples over the requested counts in
// proportion to their size. Counts are processed in order; each receives
// round(request * available / remaining requests) of what is still
// available, and an overshoot beyond -0.5 is taken back from the count that
// caused it. If all requests fit, every count keeps its request.
// The limits sum to min(round(available), sum(requested)).
func DetermineLimits(requested []uint64, available float64) []uint64 {
	limits := slices.Clone(requested)
	total := 0.0
	for _, r := range requested {
		total += float64(r)
	}
	if available >= total {
		return limits
	}

	remaining := total
	for i, r := range requested {
		if available <= 0.5 {
			limits[i] = 0
			continue
		}
		allowed := math.Round(float64(r) * available / remaining)
		remaining -= float64(r)
		available -= allowed
		if available < -0.5 {
			allowed--
			available++
		}
		limits[i] = uint64(allowed)
	}
	return limits
}

// Sampler performs one sampling for a worker team on every rank.
type Sampler struct {
	spec   Spec
	comm   *comm.Communicator
	limits *team.ThreadContext[uint64]
}

// NewSampler returns a sampler for teams of workers workers. All ranks
// must run the same number of workers.
func NewSampler(spec Spec, c *comm.Communicator, workers int) (*Sampler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{spec: spec, comm: c, limits: team.NewThreadContext[uint64](workers)}, nil
}

// Spec returns the sampling parameters.
func (s *Sampler) Spec() Spec { return s.spec }

// Result is the split of one worker's targets.
type Result struct {
	Sampled    []network.ID
	NotSampled []network.ID
}

// Process splits the worker's targets. Every worker of every rank must call
// it, even with no targets, since group and absolute sampling communicate.
func (s *Sampler) Process(ctx context.Context, w *team.Worker, targets []network.ID, rng *rand.Rand) (Result, error) {
	if s.spec.Kind == RelativeIndividual {
		return samplePercent(targets, s.spec.Percentage, rng), nil
	}

	*s.limits.Active(w) = uint64(len(targets))
	if err := w.Barrier(ctx); err != nil {
		return Result{}, err
	}
	if err := w.Single(ctx, func() error { return s.distributeLimits(ctx) }); err != nil {
		return Result{}, err
	}
	return sampleMax(targets, *s.limits.Active(w), rng), nil
}

// distributeLimits folds all worker counts on rank 0, computes the limits
// there and broadcasts them. Runs on a single worker per rank.
func (s *Sampler) distributeLimits(ctx context.Context) error {
	workers := s.limits.Size()
	ranks := s.comm.Size()

	local := comm.NewWriter()
	for _, n := range s.limits.Workers() {
		local.Uint64(n)
	}

	all := make([]uint64, workers*ranks)
	err := s.comm.Master(ctx, 0, local.Buffer(), 8*workers, func(r *comm.Reader, sender int) error {
		for i := 0; i < workers; i++ {
			all[sender*workers+i] = r.Uint64()
		}
		return r.Err()
	})
	if err != nil {
		return fmt.Errorf("collecting sample counts: %w", err)
	}

	var plan []byte
	if s.comm.Rank() == 0 {
		available := float64(s.spec.Count)
		if s.spec.Kind == RelativeGroup {
			total := 0.0
			for _, n := range all {
				total += float64(n)
			}
			available = math.Round(total * s.spec.Percentage / 100)
		}
		limits := DetermineLimits(all, available)
		w := comm.NewWriter()
		for _, l := range limits {
			w.Uint64(l)
		}
		plan = w.Buffer()
		// the root does not receive its own broadcast
		copy(s.limits.Workers(), limits[:workers])
	}

	err = s.comm.BroadcastAll(ctx, plan, func(r *comm.Reader, root int) error {
		if root != 0 {
			return nil
		}
		limits := s.limits.Workers()
		for i := 0; i < workers*ranks; i++ {
			l := r.Uint64()
			if i/workers == s.comm.Rank() {
				limits[i%workers] = l
			}
		}
		return r.Err()
	})
	if err != nil {
		return fmt.Errorf("distributing sample limits: %w", err)
	}

	*s.limits.Master() = 0
	s.limits.Reduce(func(total, limit *uint64) { *total += *limit })
	return nil
}

// LocalLimit returns the total limit of this rank after the last Process.
func (s *Sampler) LocalLimit() uint64 { return *s.limits.Master() }

// Release frees the per-worker limits.
func (s *Sampler) Release() { s.limits.Release() }

// sampleMax draws limit targets uniformly without replacement. Both parts
// keep the input order.
func sampleMax(targets []network.ID, limit uint64, rng *rand.Rand) Result {
	if limit >= uint64(len(targets)) {
		return Result{Sampled: slices.Clone(targets)}
	}
	idx := make([]int, len(targets))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < int(limit); i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	chosen := make([]bool, len(targets))
	for _, i := range idx[:limit] {
		chosen[i] = true
	}
	var res Result
	for i, id := range targets {
		if chosen[i] {
			res.Sampled = append(res.Sampled, id)
		} else {
			res.NotSampled = append(res.NotSampled, id)
		}
	}
	return res
}

func samplePercent(targets []network.ID, percentage float64, rng *rand.Rand) Result {
	var res Result
	p := percentage / 100
	for _, id := range targets {
		if rng.Float64() < p {
			res.Sampled = append(res.Sampled, id)
		} else {
			res.NotSampled = append(res.NotSampled, id)
		}
	}
	return res
}
