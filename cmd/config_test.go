package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

const smallConfig = `
end_tick: 6
seed: 3
ranks: 2
threads: 2
network:
  nodes: 40
  mean_degree: 3
  min_duration: 1
  max_duration: 2
model:
  states:
    - id: S
      susceptibility: 1
    - id: I
      infectivity: 1
    - id: R
  initial_state: S
  transmissibility: 0.5
  progressions:
    - {id: recover, entry: I, exit: R, probability: 1, min_dwell: 1, max_dwell: 2}
  transmissions:
    - {id: infect, entry: S, exit: I, contact: I, transmissibility: 1}
sets:
  - id: all-s
    filter: {states: [S]}
initialization:
  - id: seed
    target: all-s
    set_state: I
    sampling: {type: absolute, count: 2}
`

func TestDefaultConfig_IsValid(t *testing.T) {
	// GIVEN the embedded defaults
	cfg, err := DefaultConfig()

	// THEN they parse, validate and describe a local single rank run
	require.NoError(t, err)
	assert.True(t, cfg.IsValid())
	assert.Equal(t, 1, cfg.RankCount())
	assert.Equal(t, "local", cfg.Transport.Kind)
	assert.Len(t, cfg.Model.States, 4)

	// AND the seeding intervention is bound to the start tick
	sim := cfg.Simulation()
	require.Len(t, sim.Plan.Interventions, 1)
	seed := sim.Plan.Interventions[0]
	require.NotNil(t, seed.AtTick)
	assert.Equal(t, cfg.StartTick, *seed.AtTick)
	assert.True(t, seed.Once)
}

func TestParseConfig_KeepsBaseDefaults(t *testing.T) {
	// GIVEN a file that only sets the model and the network
	cfg, err := ParseConfig(strings.NewReader(smallConfig))
	require.NoError(t, err)

	// THEN omitted scalars keep their defaults
	assert.Equal(t, 0, cfg.StartTick)
	assert.Equal(t, "info", cfg.Log)
	assert.Equal(t, "local", cfg.Transport.Kind)
	assert.Equal(t, 2, cfg.RankCount())

	engineCfg := cfg.Simulation()
	assert.Equal(t, uint64(40), engineCfg.Network.Nodes)
	assert.Equal(t, 6, engineCfg.EndTick)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"unknown key", "colour: blue\n", "field colour not found"},
		{"end before start", "start_tick: 9\n", "EndTick"},
		{"unknown transport", "transport: {kind: carrier-pigeon}\n", "Kind"},
		{"websocket without peers", "transport: {kind: websocket}\n", "Peers"},
		{"websocket rank outside peers", "transport: {kind: websocket, rank: 2, peers: ['a:1', 'b:2']}\n", "rank 2 outside"},
		{"bad metrics address", "metrics_addr: nowhere\n", "MetricsAddr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(smallConfig + tc.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseConfig_InvalidModel(t *testing.T) {
	// GIVEN a model whose initial state does not exist
	data := strings.Replace(smallConfig, "initial_state: S", "initial_state: Q", 1)

	// THEN validation reports the model error
	_, err := ParseConfig(strings.NewReader(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Q")
}

// TestConfig_Validate_DanglingPlanReference verifies:
// GIVEN the embedded defaults with the seeding target set removed
// WHEN the configuration is validated
// THEN it is invalid before any rank starts, naming the missing set
func TestConfig_Validate_DanglingPlanReference(t *testing.T) {
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	cfg.Sets = nil

	assert.False(t, cfg.IsValid())
	assert.ErrorContains(t, cfg.Validate(), `unknown target set "susceptible"`)
}

func TestParseConfig_InvalidPlan(t *testing.T) {
	data := strings.Replace(smallConfig, "target: all-s", "target: all-i", 1)

	_, err := ParseConfig(strings.NewReader(data))
	assert.ErrorContains(t, err, `intervention "seed": unknown target set "all-i"`)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.Seed)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")
}
