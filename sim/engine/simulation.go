package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/episim/episim/sim"
	"github.com/episim/episim/sim/actions"
	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/depgraph"
	"github.com/episim/episim/sim/intervention"
	"github.com/episim/episim/sim/model"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// CheckpointConfig controls the badger checkpoint of every rank.
type CheckpointConfig struct {
	// Dir holds one store per rank; empty disables checkpoints.
	Dir string
	// Every saves after every Every-th tick; 0 saves after the last tick only.
	Every int
	// Resume continues from the stored checkpoint if there is one.
	Resume bool
}

// Config is the simulation of one run.
type Config struct {
	StartTick  int
	EndTick    int
	Output     string
	Network    network.GenerateConfig
	Model      model.Config
	Plan       intervention.Config
	Checkpoint CheckpointConfig
}

// Simulation is the tick loop of one rank.
type Simulation struct {
	rt  *Runtime
	cfg Config

	partition *network.Partition
	model     *model.Model
	graph     *depgraph.Graph
	queue     *actions.Queue
	changes   *actions.ChangeSet
	writer    *actions.ChangeWriter
	plan      *intervention.Plan
	window    *comm.Window
	counts    *model.GlobalCounts
	store     *network.Store

	tickSource   *depgraph.Source[int]
	statesSource *depgraph.Source[int]
	countsSource *depgraph.Source[[]model.Counts]

	start         int
	firings       map[string]int // restored intervention firings
	statesChanged bool
	modelRNG      []*rand.Rand
	samplingRNG   []*rand.Rand
	progressRNG   *rand.Rand

	// per tick, owned by the single worker section
	tickCtx   context.Context
	tickSpan  trace.Span
	tickStart time.Time
	summary   sim.Summary
}

// NewSimulation builds the partition, model, plan and output of the rank.
// Collective: every rank must call it with the same configuration. On error
// the per-worker state and the checkpoint store are released.
func NewSimulation(ctx context.Context, rt *Runtime, cfg Config) (_ *Simulation, err error) {
	if cfg.EndTick < cfg.StartTick {
		return nil, fmt.Errorf("engine: end tick %d before start tick %d", cfg.EndTick, cfg.StartTick)
	}
	c := rt.Comm
	s := &Simulation{rt: rt, cfg: cfg, start: cfg.StartTick}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	m, err := model.New(cfg.Model)
	if err != nil {
		return nil, err
	}
	s.model = m

	s.partition, err = network.Generate(cfg.Network, rt.RNG, c.Rank(), c.Size())
	if err != nil {
		return nil, err
	}
	m.Initialize(s.partition)
	rt.Logs.Info(nil).Printf("Generated partition: %d nodes, %d edges", len(s.partition.Nodes()), len(s.partition.Edges()))

	if cfg.Checkpoint.Dir != "" {
		s.store, err = network.OpenStore(network.StoreConfig{
			Dir: filepath.Join(cfg.Checkpoint.Dir, fmt.Sprintf("rank-%d", c.Rank())),
			Log: rt.Logs.Master().WithField("component", "store"),
		})
		if err != nil {
			return nil, err
		}
		if cfg.Checkpoint.Resume {
			if err := s.resume(ctx); err != nil {
				return nil, c.Fatal(err)
			}
		}
	}

	if err := s.partition.NegotiateMirrors(ctx, c); err != nil {
		return nil, c.Fatal(err)
	}
	if err := s.partition.SyncMirrors(ctx, c); err != nil {
		return nil, c.Fatal(err)
	}
	rt.Metrics.mirrors.Set(float64(len(s.partition.Mirrors())))

	s.graph = depgraph.New()
	s.tickSource = depgraph.NewSource("tick", s.start)
	s.statesSource = depgraph.NewSource("states", 0)
	s.countsSource = depgraph.NewSource[[]model.Counts]("counts", nil)
	for _, n := range []depgraph.Computable{s.tickSource, s.statesSource, s.countsSource} {
		if err := s.graph.Register(n); err != nil {
			return nil, err
		}
	}

	s.window = comm.NewWindow(c)
	if s.counts, err = model.NewGlobalCounts(m, c, s.window); err != nil {
		return nil, err
	}
	s.plan, err = intervention.Build(cfg.Plan, intervention.Env{
		Graph:     s.graph,
		Model:     m,
		Partition: s.partition,
		Comm:      c,
		Workers:   rt.Team.Size(),
		Tick:      s.tickSource,
		States:    s.statesSource,
		Counts:    s.countsSource,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid intervention plan: %w", err)
	}
	s.plan.RestoreFirings(s.firings)
	if err := s.graph.Build(); err != nil {
		return nil, c.Fatal(err)
	}
	rt.Logs.Debug(nil).Printf("Update order: %d nodes", s.graph.Len())

	if err := s.window.Create(ctx); err != nil {
		return nil, c.Fatal(err)
	}
	if err := s.publishCounts(ctx); err != nil {
		return nil, c.Fatal(err)
	}

	workers := rt.Team.Size()
	s.queue = actions.NewQueue(workers)
	s.queue.SetCurrentTick(s.start)
	s.queue.OnChange = s.onChange
	s.changes = actions.NewChangeSet(workers)
	for i := 0; i < workers; i++ {
		s.modelRNG = append(s.modelRNG, rt.RNG.ForSubsystem(sim.SubsystemWorker(sim.SubsystemModel, c.Rank(), i)))
		s.samplingRNG = append(s.samplingRNG, rt.RNG.ForSubsystem(sim.SubsystemWorker(sim.SubsystemSampling, c.Rank(), i)))
	}
	s.progressRNG = rt.RNG.ForSubsystem(sim.SubsystemWorker(sim.SubsystemProgression, c.Rank(), 0))
	nodes := s.partition.Nodes()
	for i := range nodes {
		s.scheduleProgression(s.start, &nodes[i])
	}

	if cfg.Output != "" {
		s.writer = actions.NewChangeWriter(cfg.Output, c)
		if err := s.writer.Init(ctx); err != nil {
			return nil, c.Fatal(err)
		}
	}
	return s, nil
}

// resume restores the stored checkpoint. All ranks must hold a checkpoint
// of the same tick, or none.
func (s *Simulation) resume(ctx context.Context) error {
	c := s.rt.Comm
	cp, err := s.store.Load()
	found := err == nil
	if err != nil && !errors.Is(err, network.ErrNoCheckpoint) {
		return err
	}
	tick := float64(s.start - 1)
	if found {
		tick = float64(cp.Tick)
	}
	sums, err := intervention.ReduceSum(ctx, c, []float64{tick, tick * tick})
	if err != nil {
		return err
	}
	if n := float64(c.Size()); sums[0]*sums[0] != n*sums[1] {
		return fmt.Errorf("engine: ranks hold checkpoints of different ticks")
	}
	if !found {
		return nil
	}
	last, err := s.store.Restore(s.partition)
	if err != nil {
		return err
	}
	s.model.Recount(s.partition)
	s.start = last + 1
	s.firings = cp.Firings
	s.rt.Logs.Info(nil).Printf("Resumed run %s at tick %d", cp.RunID, s.start)
	return nil
}

// publishCounts pushes the local counts and exposes the global ones to the
// dependency graph.
func (s *Simulation) publishCounts(ctx context.Context) error {
	if err := s.counts.Update(ctx, s.model.LocalCounts()); err != nil {
		return err
	}
	s.countsSource.Set(slices.Clone(s.counts.Global()))
	return nil
}

func (s *Simulation) scheduleProgression(tick int, n *network.NodeRecord) {
	a, due, ok := s.model.ScheduleProgression(tick, n, s.progressRNG)
	if !ok {
		return
	}
	if err := s.queue.Add(nil, due, a); err != nil {
		s.rt.Logs.Error(nil).Printf("scheduling progression of node %d: %v", n.ID, err)
		return
	}
	s.rt.Metrics.scheduled.WithLabelValues("progression").Inc()
}

// onChange records an applied action and schedules the next progression of
// its node.
func (s *Simulation) onChange(tick int, a actions.Action) {
	s.changes.Record(nil, tick, a)
	if n, ok := s.partition.Local(a.Target()); ok {
		s.scheduleProgression(tick, n)
	}
}

// Start returns the first tick the loop runs.
func (s *Simulation) Start() int { return s.start }

// Partition returns the rank's partition.
func (s *Simulation) Partition() *network.Partition { return s.partition }

// Model returns the disease model.
func (s *Simulation) Model() *model.Model { return s.model }

// Plan returns the intervention plan.
func (s *Simulation) Plan() *intervention.Plan { return s.plan }

// GlobalCounts returns the global state counts of the last completed tick.
func (s *Simulation) GlobalCounts() []model.Counts { return s.counts.Global() }

// Run executes the ticks from Start to EndTick on the runtime's team. Any
// error aborts all ranks.
func (s *Simulation) Run(ctx context.Context) (*sim.Summary, error) {
	err := s.rt.Team.Run(ctx, func(ctx context.Context, w *team.Worker) error {
		for tick := s.start; tick <= s.cfg.EndTick; tick++ {
			if err := w.Single(ctx, func() error { return s.beginTick(ctx, tick) }); err != nil {
				return err
			}
			n, err := s.plan.Apply(ctx, w, s.queue, tick, s.samplingRNG[w.ID()])
			if err != nil {
				s.rt.Logs.Error(w).Printf("[tick %07d] applying interventions: %v", tick, err)
				return err
			}
			s.rt.Metrics.scheduled.WithLabelValues("intervention").Add(float64(n))

			n, err = s.model.Transmit(w, s.queue, s.partition, tick, s.modelRNG[w.ID()])
			if err != nil {
				s.rt.Logs.Error(w).Printf("[tick %07d] transmission: %v", tick, err)
				return err
			}
			s.rt.Metrics.scheduled.WithLabelValues("transmission").Add(float64(n))

			// all producers must be done before the queue drains
			if err := w.Barrier(ctx); err != nil {
				return err
			}
			if err := w.Single(ctx, func() error { return s.endTick(ctx, tick) }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.tickSpan != nil {
			s.tickSpan.RecordError(err)
			s.tickSpan.SetStatus(codes.Error, err.Error())
			s.tickSpan.End()
		}
		var fatal *comm.FatalError
		if !errors.As(err, &fatal) && !errors.Is(err, comm.ErrAborted) {
			err = s.rt.Comm.Fatal(err)
		}
		return nil, err
	}

	if s.store != nil && (s.cfg.Checkpoint.Every == 0 || (s.cfg.EndTick-s.start+1)%s.cfg.Checkpoint.Every != 0) {
		if err := s.checkpoint(s.cfg.EndTick); err != nil {
			return nil, s.rt.Comm.Fatal(err)
		}
	}

	summary := s.summary
	for code, c := range s.counts.Global() {
		summary.FinalCounts = append(summary.FinalCounts, sim.StateCount{
			State: s.model.State(network.StateCode(code)).ID,
			Count: c.Current,
		})
	}
	return &summary, nil
}

func (s *Simulation) beginTick(ctx context.Context, tick int) error {
	s.tickStart = time.Now()
	s.tickCtx, s.tickSpan = s.rt.Tracer.Start(ctx, "tick", trace.WithAttributes(
		attribute.Int("episim.tick", tick),
		attribute.Int("episim.rank", s.rt.Comm.Rank()),
	))

	s.queue.SetCurrentTick(tick)
	s.tickSource.Set(tick)
	stale := []depgraph.Computable{s.tickSource, s.countsSource}
	if s.statesChanged {
		stale = append(stale, s.statesSource)
	}
	for _, n := range stale {
		if err := s.graph.MarkStale(n); err != nil {
			return err
		}
	}

	_, span := s.rt.Tracer.Start(s.tickCtx, "update")
	recomputed, err := s.graph.ApplyUpdateSequence(ctx)
	span.SetAttributes(attribute.Int("episim.recomputed", recomputed))
	span.End()
	if err != nil {
		return err
	}
	s.summary.Recomputed += recomputed
	s.rt.Metrics.recomputed.Add(float64(recomputed))

	active := s.plan.Prepare(tick)
	s.summary.Interventions += len(active)
	if debug := s.rt.Logs.Debug(nil); debug.Enabled() {
		for _, iv := range active {
			debug.Printf("[tick %07d] intervention %s fired", tick, iv.ID())
		}
	}
	return nil
}

func (s *Simulation) endTick(ctx context.Context, tick int) error {
	_, span := s.rt.Tracer.Start(s.tickCtx, "actions")
	s.model.ResetFlows()
	stats := s.queue.ProcessCurrentActions()
	span.SetAttributes(
		attribute.Int("episim.executed", stats.Executed),
		attribute.Int("episim.changed", stats.Changed),
	)
	span.End()
	s.summary.ActionsExecuted += stats.Executed
	s.summary.StateChanges += stats.Changed
	s.rt.Metrics.executed.Add(float64(stats.Executed))
	s.rt.Metrics.changed.Add(float64(stats.Changed))

	if s.writer != nil {
		if err := s.writer.Write(ctx, s.changes.Rows()); err != nil {
			return fmt.Errorf("writing changes of tick %d: %w", tick, err)
		}
	}
	if err := s.partition.RefreshMirrors(ctx, s.rt.Comm, s.changes.Nodes()); err != nil {
		return fmt.Errorf("refreshing mirrors: %w", err)
	}
	if err := s.publishCounts(ctx); err != nil {
		return fmt.Errorf("updating global counts: %w", err)
	}
	s.statesChanged = s.changes.Len() > 0
	s.changes.Clear()

	if s.store != nil && s.cfg.Checkpoint.Every > 0 && (tick-s.start+1)%s.cfg.Checkpoint.Every == 0 {
		if err := s.checkpoint(tick); err != nil {
			return err
		}
	}

	s.summary.Ticks++
	s.rt.Metrics.ticks.Inc()
	s.rt.Metrics.tickTime.Observe(time.Since(s.tickStart).Seconds())
	s.tickSpan.End()
	s.tickSpan = nil

	if s.rt.Comm.Rank() == 0 {
		done := 100 * float64(tick-s.start+1) / float64(s.cfg.EndTick-s.start+1)
		s.rt.Logs.Info(nil).Printf("[tick %07d] %.1f%% complete, %d changes, %.0f nodes", tick, done, stats.Changed, s.counts.Total())
	}
	return nil
}

func (s *Simulation) checkpoint(tick int) error {
	err := s.store.Save(network.Checkpoint{
		Tick:    tick,
		RunID:   s.rt.RunID.String(),
		Nodes:   s.partition.Nodes(),
		Firings: s.plan.Firings(),
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint of tick %d: %w", tick, err)
	}
	return nil
}

// Close frees the window and the per-worker state. Collective.
func (s *Simulation) Close(ctx context.Context) error {
	var errs []error
	if s.window != nil {
		errs = append(errs, s.window.Free(ctx))
	}
	errs = append(errs, s.release())
	return errors.Join(errs...)
}

// release frees the local state of the rank without communicating.
func (s *Simulation) release() error {
	if s.plan != nil {
		s.plan.Release()
		s.plan = nil
	}
	if s.queue != nil {
		s.queue.Release()
		s.queue = nil
	}
	if s.changes != nil {
		s.changes.Release()
		s.changes = nil
	}
	var err error
	if s.store != nil {
		err = s.store.Close()
		s.store = nil
	}
	return err
}
