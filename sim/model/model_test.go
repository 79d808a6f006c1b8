package model

import (
	"context"
	"math"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/episim/episim/sim/actions"
	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

// sir is a susceptible-infectious-recovered model whose transmissions and
// progressions always fire.
func sir() Config {
	return Config{
		States: []StateConfig{
			{ID: "S", Susceptibility: 1},
			{ID: "I", Infectivity: 1},
			{ID: "R"},
		},
		InitialState:     "S",
		Transmissibility: 1,
		Progressions: []ProgressionConfig{
			{ID: "recover", Entry: "I", Exit: "R", Probability: 1, MinDwell: 3, MaxDwell: 3},
		},
		Transmissions: []TransmissionConfig{
			{ID: "infect", Entry: "S", Exit: "I", Contact: "I", Transmissibility: 1e6},
		},
	}
}

func newPartition(t *testing.T, n int, edges []network.Edge) *network.Partition {
	t.Helper()
	nodes := make([]network.NodeRecord, n)
	for i := range nodes {
		nodes[i] = network.NodeRecord{ID: network.ID(i), SusceptibilityFactor: 1, InfectivityFactor: 1}
	}
	p, err := network.NewPartition(0, []network.ID{0, network.ID(n)}, nodes, edges)
	require.NoError(t, err)
	return p
}

func TestNew_RejectsInvalidModels(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown initial state", func(c *Config) { c.InitialState = "X" }},
		{"duplicate state", func(c *Config) { c.States = append(c.States, StateConfig{ID: "S"}) }},
		{"unknown progression exit", func(c *Config) { c.Progressions[0].Exit = "D" }},
		{"invalid dwell", func(c *Config) { c.Progressions[0].MaxDwell = 1 }},
		{"unknown contact state", func(c *Config) { c.Transmissions[0].Contact = "E" }},
		{"probabilities above one", func(c *Config) {
			c.Progressions = append(c.Progressions, ProgressionConfig{ID: "die", Entry: "I", Exit: "R", Probability: 0.5, MinDwell: 1, MaxDwell: 1})
		}},
		{"no states", func(c *Config) { c.States = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sir()
			tc.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestFactorOp_Apply(t *testing.T) {
	assert.Equal(t, 2.0, FactorOp{}.Apply(2))
	assert.Equal(t, 0.5, FactorOp{Operator: "assign", Value: 0.5}.Apply(2))
	assert.Equal(t, 6.0, FactorOp{Operator: "multiply", Value: 3}.Apply(2))
	assert.Equal(t, 1.0, FactorOp{Operator: "divide", Value: 2}.Apply(2))
	assert.Equal(t, 2.0, FactorOp{Operator: "divide"}.Apply(2))
}

func TestProbability(t *testing.T) {
	assert.Equal(t, 0.0, Probability(10, 1, 0, 1))
	assert.InDelta(t, 1-math.Exp(-1), Probability(2, 0.5, 1, 1), 1e-12)
	assert.InDelta(t, 1, Probability(1, 1e6, 1, 1), 1e-12)
}

func TestModel_InitializeAndStateChange(t *testing.T) {
	m, err := New(sir())
	require.NoError(t, err)
	p := newPartition(t, 3, nil)
	m.Initialize(p)

	s, _ := m.Code("S")
	i, _ := m.Code("I")
	r, _ := m.Code("R")
	assert.Equal(t, 3.0, m.LocalCounts()[s].Current)

	node, _ := p.Local(1)
	assert.Equal(t, 1.0, node.Susceptibility)
	assert.Equal(t, 0.0, node.Infectivity)

	infect := m.NewStateChange(node, i, OrderIntervention)
	assert.True(t, infect.Execute())
	assert.False(t, infect.Execute(), "already infectious")
	assert.Equal(t, 1.0, node.Infectivity)
	assert.Equal(t, 0.0, node.Susceptibility)

	// a guarded change from S no longer applies
	stale := &StateChange{model: m, node: node, from: s, to: r, contact: -1}
	assert.False(t, stale.Execute())

	counts := m.LocalCounts()
	assert.Equal(t, Counts{Current: 2, Out: 1}, counts[s])
	assert.Equal(t, Counts{Current: 1, In: 1}, counts[i])
	assert.Equal(t, actions.Change{Tick: 4, Node: 1, ExitState: "I", Contact: -1}, infect.Change(4))

	m.ResetFlows()
	assert.Equal(t, Counts{Current: 1}, m.LocalCounts()[i])
}

func TestModel_ScheduleProgression(t *testing.T) {
	m, err := New(sir())
	require.NoError(t, err)
	p := newPartition(t, 1, nil)
	m.Initialize(p)
	node, _ := p.Local(0)
	rng := rand.New(rand.NewSource(1))

	_, _, ok := m.ScheduleProgression(0, node, rng)
	assert.False(t, ok, "susceptible nodes do not progress")

	i, _ := m.Code("I")
	m.NewStateChange(node, i, OrderIntervention).Execute()
	a, due, ok := m.ScheduleProgression(5, node, rng)
	require.True(t, ok)
	assert.Equal(t, 8, due)
	assert.Equal(t, OrderProgression, a.Order())
	assert.True(t, a.Execute())
	assert.Equal(t, "R", m.State(node.State).ID)
}

// TestModel_Transmit verifies:
// GIVEN a chain 0 -> 1 -> 2 where only node 0 is infectious
// WHEN transmissions are evaluated and the actions processed
// THEN node 1 is infected by node 0 and node 2 stays susceptible
func TestModel_Transmit(t *testing.T) {
	m, err := New(sir())
	require.NoError(t, err)
	p := newPartition(t, 3, []network.Edge{
		{Target: 1, Source: 0, Duration: 1, Active: true},
		{Target: 2, Source: 1, Duration: 1, Active: true},
		{Target: 0, Source: 2, Duration: 1, Active: false},
	})
	m.Initialize(p)
	i, _ := m.Code("I")
	n0, _ := p.Local(0)
	m.NewStateChange(n0, i, OrderIntervention).Execute()

	q := actions.NewQueue(2)
	defer q.Release()
	var changes []actions.Change
	q.OnChange = func(tick int, a actions.Action) {
		changes = append(changes, a.(actions.Recordable).Change(tick))
	}

	var infections [2]int
	err = team.NewTeam(2).Run(context.Background(), func(_ context.Context, w *team.Worker) error {
		n, err := m.Transmit(w, q, p, 0, rand.New(rand.NewSource(int64(w.ID()))))
		infections[w.ID()] = n
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, infections[0]+infections[1])

	q.ProcessCurrentActions()
	assert.Equal(t, []actions.Change{{Tick: 0, Node: 1, ExitState: "I", Contact: 0}}, changes)
	n2, _ := p.Local(2)
	assert.Equal(t, "S", m.State(n2.State).ID)
}

// TestGlobalCounts_SumsRanks verifies that the window holds the sum of all
// ranks' counts and follows later changes.
func TestGlobalCounts_SumsRanks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	results := make([][]Counts, 3)
	for _, tr := range comm.NewLocalCluster(3) {
		c := comm.New(tr, nil, nil)
		g.Go(func() error {
			defer c.Close()
			m, err := New(sir())
			if err != nil {
				return err
			}
			w := comm.NewWindow(c)
			gc, err := NewGlobalCounts(m, c, w)
			if err != nil {
				return err
			}
			if err := w.Create(ctx); err != nil {
				return err
			}
			defer w.Free(ctx)

			local := []Counts{{Current: float64(c.Rank() + 1)}, {}, {}}
			if err := gc.Update(ctx, local); err != nil {
				return err
			}
			// every rank infects one node
			local = []Counts{{Current: float64(c.Rank()), Out: 1}, {Current: 1, In: 1}, {}}
			if err := gc.Update(ctx, local); err != nil {
				return err
			}
			results[c.Rank()] = gc.Global()
			assert.Equal(t, 6.0, gc.Total())
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := []Counts{{Current: 3, Out: 3}, {Current: 3, In: 3}, {}}
	for r := range results {
		assert.Equal(t, want, results[r], "rank %d", r)
	}
}
