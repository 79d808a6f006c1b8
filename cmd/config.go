package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/episim/episim/sim/engine"
	"github.com/episim/episim/sim/intervention"
	"github.com/episim/episim/sim/model"
	"github.com/episim/episim/sim/network"
)

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// TransportConfig selects how ranks talk to each other. Kind "local" runs
// Ranks ranks as goroutines of this process; kind "websocket" runs rank
// Rank of a mesh listening on Peers.
type TransportConfig struct {
	Kind  string   `yaml:"kind" validate:"oneof=local websocket"`
	Rank  int      `yaml:"rank" validate:"gte=0"`
	Peers []string `yaml:"peers" validate:"required_if=Kind websocket,dive,hostname_port"`
}

// DatabaseConfig holds the connection parameters of the person trait store.
// The simulation core does not connect; the values are carried for the
// trait layer.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// NetworkConfig parameterizes the synthetic contact network.
type NetworkConfig struct {
	Nodes       uint64  `yaml:"nodes" validate:"gte=1"`
	FirstID     uint64  `yaml:"first_id"`
	MeanDegree  float64 `yaml:"mean_degree" validate:"gte=0"`
	MinDuration float64 `yaml:"min_duration" validate:"gte=0"`
	MaxDuration float64 `yaml:"max_duration" validate:"gtefield=MinDuration"`
	TraitBits   int     `yaml:"trait_bits" validate:"gte=0,lte=64"`
}

// CheckpointConfig controls the per-rank checkpoint store.
type CheckpointConfig struct {
	Dir    string `yaml:"dir"`
	Every  int    `yaml:"every" validate:"gte=0"`
	Resume bool   `yaml:"resume"`
}

// Config is the run configuration file.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	StartTick   int              `yaml:"start_tick" validate:"gte=0"`
	EndTick     int              `yaml:"end_tick" validate:"gtefield=StartTick"`
	Output      string           `yaml:"output"`
	Seed        int64            `yaml:"seed"`
	Ranks       int              `yaml:"ranks" validate:"gte=1"`
	Threads     int              `yaml:"threads" validate:"gte=1"`
	Log         string           `yaml:"log"`
	Transport   TransportConfig  `yaml:"transport"`
	Database    DatabaseConfig   `yaml:"database"`
	Network     NetworkConfig    `yaml:"network"`
	Model       model.Config     `yaml:"model"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	MetricsAddr string           `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Trace       string           `yaml:"trace"`

	// Initialization lists interventions applied once at StartTick.
	Initialization []intervention.InterventionConfig `yaml:"initialization" validate:"dive"`
	Sets           []intervention.SetConfig          `yaml:"sets" validate:"dive"`
	Observables    []intervention.ObservableConfig   `yaml:"observables" validate:"dive"`
	Triggers       []intervention.TriggerConfig      `yaml:"triggers" validate:"dive"`
	Interventions  []intervention.InterventionConfig `yaml:"interventions" validate:"dive"`
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a configuration with strict field checking: unknown
// keys are errors. Omitted scalars keep the defaults of DefaultConfig.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := baseConfig()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints, cross-field rules and the references of
// the model and the intervention plan.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Transport.Kind == "websocket" && c.Transport.Rank >= len(c.Transport.Peers) {
		return fmt.Errorf("invalid config: rank %d outside the %d websocket peers", c.Transport.Rank, len(c.Transport.Peers))
	}
	m, err := model.New(c.Model)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Simulation().Plan.Validate(m); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsValid reports whether Validate passes.
func (c *Config) IsValid() bool { return c.Validate() == nil }

// RankCount returns the number of ranks of the run.
func (c *Config) RankCount() int {
	if c.Transport.Kind == "websocket" {
		return len(c.Transport.Peers)
	}
	return c.Ranks
}

// Simulation maps the configuration onto the engine. Initialization
// interventions fire once at the start tick.
func (c *Config) Simulation() engine.Config {
	plan := intervention.Config{
		Sets:        c.Sets,
		Observables: c.Observables,
		Triggers:    c.Triggers,
	}
	for _, ic := range c.Initialization {
		start := c.StartTick
		ic.AtTick = &start
		ic.Once = true
		plan.Interventions = append(plan.Interventions, ic)
	}
	plan.Interventions = append(plan.Interventions, c.Interventions...)

	return engine.Config{
		StartTick: c.StartTick,
		EndTick:   c.EndTick,
		Output:    c.Output,
		Network: network.GenerateConfig{
			Nodes:       c.Network.Nodes,
			FirstID:     network.ID(c.Network.FirstID),
			MeanDegree:  c.Network.MeanDegree,
			MinDuration: c.Network.MinDuration,
			MaxDuration: c.Network.MaxDuration,
			TraitBits:   c.Network.TraitBits,
		},
		Model: c.Model,
		Plan:  plan,
		Checkpoint: engine.CheckpointConfig{
			Dir:    c.Checkpoint.Dir,
			Every:  c.Checkpoint.Every,
			Resume: c.Checkpoint.Resume,
		},
	}
}
