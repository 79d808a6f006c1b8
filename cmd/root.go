package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/episim/episim/sim"
	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/engine"
	"github.com/episim/episim/sim/logging"
)

// runOptions are the command line overrides of the configuration file.
// A flag only overrides the file when it was set explicitly.
type runOptions struct {
	configPath    string   // YAML run configuration; empty selects the built-in defaults
	logLevel      string   // Log verbosity level
	seed          int64    // Seed of all random streams
	endTick       int      // Last simulated tick
	output        string   // Change output CSV
	ranks         int      // Number of in-process ranks
	threads       int      // Workers per rank
	rank          int      // Own rank of a websocket mesh
	peers         []string // Listen addresses of all websocket ranks
	metricsAddr   string   // Address serving /metrics
	tracePath     string   // File receiving tick spans
	checkpointDir string   // Per-rank checkpoint stores
	resume        bool     // Continue from the stored checkpoints
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "Path to the YAML run configuration (default: built-in SEIR run)")
	cmd.Flags().StringVar(&o.logLevel, "log", "info", "Log level (trace, debug, info, warn, error, critical)")
	cmd.Flags().Int64Var(&o.seed, "seed", 42, "Seed for all random streams")
	cmd.Flags().IntVar(&o.endTick, "end-tick", 100, "Last simulated tick")
	cmd.Flags().StringVar(&o.output, "output", "", "Change output CSV (tick,pid,exit_state,contact_pid)")
	cmd.Flags().IntVar(&o.ranks, "ranks", 1, "Number of ranks run as goroutines of this process")
	cmd.Flags().IntVar(&o.threads, "threads", 1, "Worker threads per rank")
	cmd.Flags().IntVar(&o.rank, "rank", 0, "Own rank when --peers is set")
	cmd.Flags().StringSliceVar(&o.peers, "peers", nil, "Comma-separated host:port of every rank; selects the websocket transport")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&o.tracePath, "trace", "", "Write tick spans as JSON to this file")
	cmd.Flags().StringVar(&o.checkpointDir, "checkpoint-dir", "", "Directory of the per-rank checkpoint stores")
	cmd.Flags().BoolVar(&o.resume, "resume", false, "Resume from the checkpoints in --checkpoint-dir")
}

// load reads the configuration and applies the explicitly set flags.
func (o *runOptions) load(cmd *cobra.Command) (*Config, error) {
	var cfg *Config
	var err error
	if o.configPath == "" {
		cfg, err = DefaultConfig()
	} else {
		cfg, err = LoadConfig(o.configPath)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log") {
		cfg.Log = o.logLevel
	}
	if flags.Changed("seed") {
		cfg.Seed = o.seed
	}
	if flags.Changed("end-tick") {
		cfg.EndTick = o.endTick
	}
	if flags.Changed("output") {
		cfg.Output = o.output
	}
	if flags.Changed("ranks") {
		cfg.Ranks = o.ranks
	}
	if flags.Changed("threads") {
		cfg.Threads = o.threads
	}
	if flags.Changed("peers") {
		cfg.Transport = TransportConfig{Kind: "websocket", Rank: o.rank, Peers: o.peers}
	} else if flags.Changed("rank") {
		cfg.Transport.Rank = o.rank
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("trace") {
		cfg.Trace = o.tracePath
	}
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.Dir = o.checkpointDir
	}
	if flags.Changed("resume") {
		cfg.Checkpoint.Resume = o.resume
	}
	if cfg.Checkpoint.Resume && cfg.Checkpoint.Dir == "" {
		return nil, errors.New("invalid config: resume needs a checkpoint directory")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "episim",
	Short: "Distributed agent-based epidemic simulator",
}

var runOpts runOptions

// runCmd executes the simulation described by the configuration and flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the epidemic simulation",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := runOpts.load(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		level, err := logging.ParseLevel(cfg.Log)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", cfg.Log)
		}
		logrus.SetLevel(level)

		logrus.Infof("Starting simulation of ticks %d to %d: %d nodes, %d ranks x %d threads, seed=%d",
			cfg.StartTick, cfg.EndTick, cfg.Network.Nodes, cfg.RankCount(), cfg.Threads, cfg.Seed)
		startTime := time.Now()

		summary, err := runSimulation(cmd.Context(), cfg, level)
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		if summary != nil {
			summary.Print(os.Stdout)
		}
		logrus.Infof("Simulation complete in %s.", time.Since(startTime).Round(time.Millisecond))
	},
}

var validateOpts runOptions

// validateCmd checks a configuration without simulating
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the run configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := validateOpts.load(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		fmt.Fprintf(os.Stdout, "Configuration valid: %d states, %d interventions, %d ranks x %d threads\n",
			len(cfg.Model.States), len(cfg.Simulation().Plan.Interventions), cfg.RankCount(), cfg.Threads)
	},
}

// defaultsCmd prints the built-in configuration
var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in run configuration",
	Run: func(cmd *cobra.Command, args []string) {
		os.Stdout.Write(defaultsYAML)
	},
}

// runSimulation runs every local rank, or this process's rank of a
// websocket mesh, and returns the summary of rank 0. Other ranks of a mesh
// return a nil summary.
func runSimulation(ctx context.Context, cfg *Config, level logrus.Level) (*sim.Summary, error) {
	if cfg.Transport.Kind == "websocket" {
		tr, err := comm.NewWebsocketTransport(ctx, comm.WebsocketConfig{
			Rank:  cfg.Transport.Rank,
			Peers: cfg.Transport.Peers,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting ranks: %w", err)
		}
		return runRank(ctx, cfg, tr, level)
	}

	cluster := comm.NewLocalCluster(cfg.Ranks)
	summaries := make([]*sim.Summary, len(cluster))
	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range cluster {
		g.Go(func() error {
			summary, err := runRank(gctx, cfg, tr, level)
			summaries[tr.Rank()] = summary
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries[0], nil
}

// runRank builds the runtime and simulation of one rank and runs it to the
// end tick.
func runRank(ctx context.Context, cfg *Config, tr comm.Transport, level logrus.Level) (*sim.Summary, error) {
	rcfg := engine.RuntimeConfig{
		Transport: tr,
		Workers:   cfg.Threads,
		Seed:      cfg.Seed,
		LogLevel:  level,
	}
	// local ranks share the address space and the port
	if cfg.Transport.Kind == "websocket" || tr.Rank() == 0 {
		rcfg.MetricsAddr = cfg.MetricsAddr
	}
	if cfg.Trace != "" {
		path := cfg.Trace
		if cfg.RankCount() > 1 {
			path = fmt.Sprintf("%s.rank-%d", path, tr.Rank())
		}
		f, err := os.Create(path)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("creating trace file: %w", err)
		}
		defer f.Close()
		rcfg.TraceOut = f
	}

	rt, err := engine.NewRuntime(ctx, rcfg)
	if err != nil {
		tr.Close()
		return nil, err
	}
	s, err := engine.NewSimulation(ctx, rt, cfg.Simulation())
	if err != nil {
		return nil, errors.Join(err, rt.Close(context.Background()))
	}
	summary, err := s.Run(ctx)
	if err != nil {
		return nil, errors.Join(err, rt.Close(context.Background()))
	}
	if rt.Logs.HasErrors() {
		logrus.Warnf("Rank %d logged errors during the run", tr.Rank())
	}
	if err := errors.Join(s.Close(ctx), rt.Close(ctx)); err != nil {
		return nil, err
	}
	if tr.Rank() != 0 {
		return nil, nil
	}
	return summary, nil
}

// Execute runs the CLI root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runOpts.bind(runCmd)
	validateOpts.bind(validateCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(defaultsCmd)
}
