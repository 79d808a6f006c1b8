package network

import (
	"context"
	"fmt"
	"slices"

	"github.com/episim/episim/sim/comm"
)

// NegotiateMirrors tells every rank which of its nodes this rank reads
// through local edges, creates empty mirrors for them and remembers which
// local nodes every other rank requested. Collective.
func (p *Partition) NegotiateMirrors(ctx context.Context, c *comm.Communicator) error {
	remote := p.remoteSources()
	byOwner := make(map[int][]ID)
	for _, id := range remote {
		owner := p.Owner(id)
		if owner < 0 {
			return fmt.Errorf("network: edge source %d outside the ID space", id)
		}
		byOwner[owner] = append(byOwner[owner], id)
		if _, ok := p.mirrors[id]; !ok {
			p.mirrors[id] = &NodeRecord{ID: id}
		}
	}

	return c.RoundRobinExchange(ctx,
		func(partner int) ([]byte, error) {
			ids := byOwner[partner]
			w := comm.NewWriter().Uint64(uint64(len(ids)))
			for _, id := range ids {
				w.Uint64(uint64(id))
			}
			return w.Buffer(), nil
		},
		func(r *comm.Reader, sender int) error {
			n := int(r.Uint64())
			ids := make([]ID, 0, n)
			for i := 0; i < n; i++ {
				id := ID(r.Uint64())
				if !p.IsLocal(id) {
					return fmt.Errorf("network: rank %d requested node %d not owned by rank %d", sender, id, p.rank)
				}
				ids = append(ids, id)
			}
			if err := r.Err(); err != nil {
				return err
			}
			// senders encode ascending; keep the invariant explicit for the merge-join
			slices.Sort(ids)
			p.requested[sender] = ids
			return nil
		})
}

// SyncMirrors sends every requested node to its requesting rank.
// Collective.
func (p *Partition) SyncMirrors(ctx context.Context, c *comm.Communicator) error {
	return p.exchange(ctx, c, func(partner int) []ID { return p.requested[partner] })
}

// RefreshMirrors sends the nodes of changed, sorted ascending, that other
// ranks mirror and updates the local mirrors with what they send.
// Collective.
func (p *Partition) RefreshMirrors(ctx context.Context, c *comm.Communicator, changed []ID) error {
	return p.exchange(ctx, c, func(partner int) []ID {
		return intersectSorted(changed, p.requested[partner])
	})
}

func (p *Partition) exchange(ctx context.Context, c *comm.Communicator, pick func(partner int) []ID) error {
	return c.RoundRobinExchange(ctx,
		func(partner int) ([]byte, error) {
			ids := pick(partner)
			buf := make([]byte, 0, len(ids)*RecordSize)
			for _, id := range ids {
				n, ok := p.Local(id)
				if !ok {
					return nil, fmt.Errorf("network: node %d requested by rank %d is not local", id, partner)
				}
				buf = n.AppendBinary(buf)
			}
			return buf, nil
		},
		func(r *comm.Reader, sender int) error {
			if r.Remaining()%RecordSize != 0 {
				return fmt.Errorf("network: rank %d sent %d bytes, not a multiple of the record size", sender, r.Remaining())
			}
			for r.Remaining() > 0 {
				var rec NodeRecord
				if err := rec.UnmarshalBinary(r.Next(RecordSize)); err != nil {
					return err
				}
				m, ok := p.mirrors[rec.ID]
				if !ok {
					return fmt.Errorf("network: rank %d sent node %d which is not mirrored on rank %d", sender, rec.ID, p.rank)
				}
				*m = rec
			}
			return nil
		})
}

// intersectSorted merge-joins two ascending ID lists.
func intersectSorted(a, b []ID) []ID {
	var out []ID
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
