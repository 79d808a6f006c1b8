package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(t *testing.T, args ...string) (*cobra.Command, *runOptions) {
	t.Helper()
	var opts runOptions
	cmd := &cobra.Command{Use: "run"}
	opts.bind(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd, &opts
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

// TestRunOptions_OnlyChangedFlagsOverride verifies that flag defaults never
// overwrite values from the configuration file.
func TestRunOptions_OnlyChangedFlagsOverride(t *testing.T) {
	// GIVEN a file with seed 3, 2 ranks and 2 threads
	path := writeConfig(t, smallConfig)

	// WHEN only --config and --threads are given
	cmd, opts := newTestCommand(t, "--config", path, "--threads", "4")
	cfg, err := opts.load(cmd)
	require.NoError(t, err)

	// THEN the file values survive and --threads wins
	assert.Equal(t, int64(3), cfg.Seed)
	assert.Equal(t, 2, cfg.Ranks)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, 6, cfg.EndTick)
}

func TestRunOptions_PeersSelectWebsocket(t *testing.T) {
	path := writeConfig(t, smallConfig)
	cmd, opts := newTestCommand(t, "--config", path, "--peers", "127.0.0.1:7001,127.0.0.1:7002", "--rank", "1")

	cfg, err := opts.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, 1, cfg.Transport.Rank)
	assert.Equal(t, 2, cfg.RankCount())
}

func TestRunOptions_ResumeNeedsCheckpointDir(t *testing.T) {
	path := writeConfig(t, smallConfig)
	cmd, opts := newTestCommand(t, "--config", path, "--resume")

	_, err := opts.load(cmd)
	assert.ErrorContains(t, err, "resume needs a checkpoint directory")
}

// TestRunSimulation_LocalRanks verifies:
// GIVEN a 40 node run on 2 local ranks with 2 threads each
// WHEN it runs to the end tick
// THEN rank 0 returns a summary whose final counts cover every node and the
// output CSV holds the header and the seeded infections
func TestRunSimulation_LocalRanks(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(smallConfig))
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Output = filepath.Join(dir, "out", "changes.csv")
	cfg.Trace = filepath.Join(dir, "spans.json")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := runSimulation(ctx, cfg, logrus.WarnLevel)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 7, summary.Ticks)
	total := 0.0
	for _, c := range summary.FinalCounts {
		total += c.Count
	}
	assert.Equal(t, 40.0, total)

	data, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "tick,pid,exit_state,contact_pid\n"))
	assert.Equal(t, 2, strings.Count(string(data), ",I,-1\n"))

	// one span file per rank
	for _, rank := range []string{"0", "1"} {
		info, err := os.Stat(cfg.Trace + ".rank-" + rank)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}
