package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible simulation run.
// Two runs with the same SimulationKey, configuration and rank count
// MUST produce identical change output.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemNetwork is the RNG subsystem of the synthetic network generator.
	SubsystemNetwork = "network"

	// SubsystemModel drives progressions and transmissions.
	SubsystemModel = "model"

	// SubsystemSampling selects sampled subsets of target sets.
	SubsystemSampling = "sampling"

	// SubsystemProgression draws progression dwell times.
	SubsystemProgression = "progression"
)

// SubsystemWorker returns the subsystem name of one worker of one rank, so
// that every worker draws from an isolated stream.
func SubsystemWorker(subsystem string, rank, worker int) string {
	return fmt.Sprintf("%s_r%d_w%d", subsystem, rank, worker)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName).
// Streams of individual elements (ForElement) additionally mix in the
// element ID, so that their draws do not depend on the partitioning.
//
// Thread-safety: NOT thread-safe. Use one PartitionedRNG per worker, or
// only call it from a single-worker section.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// ForElement returns a fresh RNG for element id of the named subsystem.
// It is not cached and safe to call from any worker.
func (p *PartitionedRNG) ForElement(name string, id uint64) *rand.Rand {
	return rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name) ^ int64(splitmix64(id))))
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// splitmix64 scrambles consecutive IDs into well separated seeds.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
