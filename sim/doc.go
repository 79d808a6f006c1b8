// Package sim provides the shared primitives of the distributed epidemic
// simulator: partitioned random streams and the run summary.
//
// # Reading Guide
//
// Start with these packages to understand the simulation kernel:
//   - sim/engine: the Runtime of one rank and the tick loop
//   - sim/depgraph: computable nodes and the topological update sequence
//   - sim/actions: the per-tick action queue and the change output
//
// # Architecture
//
// A run consists of ranks, each owning a partition of the contact network
// and a team of workers. The packages layer bottom-up:
//   - sim/team: worker teams, barriers, single sections and ThreadContext slots
//   - sim/comm: transports (in-process, websocket) and the communication patterns
//     (master, broadcast, round-robin, sequential, RMA window)
//   - sim/network: partitions, mirrors of remote nodes, the synthetic generator
//     and the checkpoint store
//   - sim/model: health states, progressions and transmissions
//   - sim/sampling: distributed proportional sampling
//   - sim/intervention: sets, observables, triggers and interventions as
//     dependency graph nodes
//   - sim/logging: per-worker log sinks
//
// # Determinism
//
// Every random draw comes from a PartitionedRNG stream named by subsystem,
// rank and worker. Runs with the same seed, rank count and thread count
// produce identical output.
package sim
