package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	nodePrefix   = []byte("node/")
	firingPrefix = []byte("firing/")
)

var (
	keyTick = []byte("meta/tick")
	keyRun  = []byte("meta/run")
)

// ErrNoCheckpoint is returned by Load when the store holds no checkpoint.
var ErrNoCheckpoint = errors.New("network: no checkpoint stored")

// StoreConfig selects where a Store keeps its data.
type StoreConfig struct {
	// Dir is the database directory. Required unless InMemory is set.
	Dir      string
	InMemory bool
	// Log receives badger's internal messages; nil silences them.
	Log *logrus.Entry
}

// Store persists node records of a partition. Keys are "node/" followed by
// the big endian ID, so iteration yields records in ID order.
type Store struct {
	db *badger.DB
}

// Checkpoint is the persisted state of a partition at the end of a tick.
// Firings counts the firings of each intervention up to Tick.
type Checkpoint struct {
	Tick    int
	RunID   string
	Nodes   []NodeRecord
	Firings map[string]int
}

// OpenStore opens or creates a store.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("network: store directory is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	if cfg.Log != nil {
		opts = opts.WithLogger(cfg.Log)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

func nodeKey(id ID) []byte {
	key := make([]byte, len(nodePrefix)+8)
	copy(key, nodePrefix)
	binary.BigEndian.PutUint64(key[len(nodePrefix):], uint64(id))
	return key
}

func firingKey(id string) []byte {
	key := make([]byte, 0, len(firingPrefix)+len(id))
	return append(append(key, firingPrefix...), id...)
}

// Save writes a checkpoint, replacing the records of the given nodes.
func (s *Store) Save(cp Checkpoint) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	tick := make([]byte, 8)
	binary.BigEndian.PutUint64(tick, uint64(int64(cp.Tick)))
	if err := wb.Set(keyTick, tick); err != nil {
		return fmt.Errorf("checkpoint tick: %w", err)
	}
	if err := wb.Set(keyRun, []byte(cp.RunID)); err != nil {
		return fmt.Errorf("checkpoint run id: %w", err)
	}
	for i := range cp.Nodes {
		n := &cp.Nodes[i]
		if err := wb.Set(nodeKey(n.ID), n.AppendBinary(make([]byte, 0, RecordSize))); err != nil {
			return fmt.Errorf("checkpoint node %d: %w", n.ID, err)
		}
	}
	for id, count := range cp.Firings {
		if err := wb.Set(firingKey(id), binary.BigEndian.AppendUint64(nil, uint64(count))); err != nil {
			return fmt.Errorf("checkpoint firings of %q: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

// Load reads the stored checkpoint with its nodes in ID order.
// Firings is nil when none were stored.
func (s *Store) Load() (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyTick)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoCheckpoint
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			cp.Tick = int(int64(binary.BigEndian.Uint64(v)))
			return nil
		}); err != nil {
			return err
		}

		if item, err := txn.Get(keyRun); err == nil {
			run, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cp.RunID = string(run)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec NodeRecord
			if err := it.Item().Value(rec.UnmarshalBinary); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			cp.Nodes = append(cp.Nodes, rec)
		}

		fopts := badger.DefaultIteratorOptions
		fopts.Prefix = firingPrefix
		fit := txn.NewIterator(fopts)
		defer fit.Close()
		for fit.Rewind(); fit.Valid(); fit.Next() {
			id := string(fit.Item().Key()[len(firingPrefix):])
			if err := fit.Item().Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("firings of %q: %d bytes", id, len(v))
				}
				if cp.Firings == nil {
					cp.Firings = make(map[string]int)
				}
				cp.Firings[id] = int(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return cp, err
}

// Restore overwrites the local nodes of p with the stored records of the
// same IDs and returns the checkpoint tick.
func (s *Store) Restore(p *Partition) (int, error) {
	cp, err := s.Load()
	if err != nil {
		return 0, err
	}
	restored := 0
	for i := range cp.Nodes {
		if n, ok := p.Local(cp.Nodes[i].ID); ok {
			*n = cp.Nodes[i]
			restored++
		}
	}
	if restored != len(p.Nodes()) {
		return 0, fmt.Errorf("network: checkpoint holds %d of %d local nodes", restored, len(p.Nodes()))
	}
	return cp.Tick, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
