package cmd

import (
	"bytes"
	_ "embed"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// baseConfig holds the scalar defaults a configuration file may omit.
func baseConfig() *Config {
	return &Config{
		EndTick:   100,
		Seed:      42,
		Ranks:     1,
		Threads:   1,
		Log:       "info",
		Transport: TransportConfig{Kind: "local"},
		Network: NetworkConfig{
			Nodes:       1000,
			MeanDegree:  4,
			MinDuration: 1,
			MaxDuration: 1,
		},
	}
}

// DefaultConfig returns the built-in SEIR run used when no
// configuration file is given.
func DefaultConfig() (*Config, error) {
	return ParseConfig(bytes.NewReader(defaultsYAML))
}
