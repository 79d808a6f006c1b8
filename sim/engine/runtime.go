// Package engine wires the simulation of one rank: the process-wide
// runtime context and the tick loop driving the dependency graph, the
// interventions, the disease model and the action queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/episim/episim/sim"
	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/logging"
	"github.com/episim/episim/sim/team"
)

// RuntimeConfig describes the process-wide context of a rank.
type RuntimeConfig struct {
	Transport comm.Transport
	Workers   int
	Seed      int64
	LogLevel  logrus.Level
	// LogOut receives the rank's log; nil means stderr.
	LogOut io.Writer
	// TraceOut receives tick spans as JSON; nil disables tracing.
	TraceOut io.Writer
	// MetricsAddr serves /metrics when set.
	MetricsAddr string
}

// Runtime is the explicitly constructed context of one rank. It replaces
// process globals: everything that needs the rank, the communicator, the
// logs or the random streams receives the Runtime.
type Runtime struct {
	RunID    uuid.UUID
	Comm     *comm.Communicator
	Team     *team.Team
	Logs     *logging.Sinks
	RNG      *sim.PartitionedRNG
	Registry *prometheus.Registry
	Tracer   trace.Tracer
	Metrics  *Metrics

	provider *sdktrace.TracerProvider
	server   *http.Server
}

// NewRuntime builds the runtime of the rank behind cfg.Transport. All ranks
// must call it; rank 0 chooses the run ID and broadcasts it.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine: runtime needs a transport")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("engine: runtime needs at least one worker, got %d", cfg.Workers)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	rt := &Runtime{
		Team:     team.NewTeam(cfg.Workers),
		RNG:      sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed)),
		Registry: reg,
		Metrics:  NewMetrics(reg),
	}

	bootLog := logrus.New()
	bootLog.SetLevel(cfg.LogLevel)
	if cfg.LogOut != nil {
		bootLog.SetOutput(cfg.LogOut)
	}
	rt.Comm = comm.New(cfg.Transport, logrus.NewEntry(bootLog), comm.NewMetrics(reg))

	runID, err := agreeRunID(ctx, rt.Comm)
	if err != nil {
		return nil, rt.Comm.Fatal(fmt.Errorf("agreeing on run ID: %w", err))
	}
	rt.RunID = runID
	rt.Logs = logging.New(logging.Config{
		Out:   cfg.LogOut,
		Level: cfg.LogLevel,
		Rank:  rt.Comm.Rank(),
		RunID: runID.String(),
	}, cfg.Workers)

	if cfg.TraceOut != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceOut))
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		rt.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", "episim"),
				attribute.Int("episim.rank", rt.Comm.Rank()),
				attribute.String("episim.run", runID.String()),
			)),
		)
		rt.Tracer = rt.provider.Tracer("github.com/episim/episim/sim/engine")
	} else {
		rt.Tracer = noop.NewTracerProvider().Tracer("")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		rt.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.Logs.Warn(nil).Printf("metrics endpoint stopped: %v", err)
			}
		}()
	}
	return rt, nil
}

// agreeRunID broadcasts the run ID chosen by rank 0.
func agreeRunID(ctx context.Context, c *comm.Communicator) (uuid.UUID, error) {
	var id uuid.UUID
	var buf []byte
	if c.Rank() == 0 {
		id = uuid.New()
		buf = id[:]
	}
	err := c.BroadcastAll(ctx, buf, func(r *comm.Reader, root int) error {
		if root != 0 {
			return nil
		}
		copy(id[:], r.Next(len(id)))
		return r.Err()
	})
	return id, err
}

// Close stops the metrics endpoint, flushes spans and closes the transport.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.server != nil {
		errs = append(errs, rt.server.Shutdown(ctx))
	}
	if rt.provider != nil {
		errs = append(errs, rt.provider.Shutdown(ctx))
	}
	if rt.Logs != nil {
		rt.Logs.Release()
	}
	errs = append(errs, rt.Comm.Close())
	return errors.Join(errs...)
}
