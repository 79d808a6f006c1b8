package comm

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrClosed is returned when a closed transport is used.
var ErrClosed = errors.New("comm: transport closed")

// LocalTransport connects ranks running as goroutines of one process.
type LocalTransport struct {
	rank   int
	boxes  []*mailbox
	closed atomic.Bool
}

// NewLocalCluster returns one connected transport per rank.
func NewLocalCluster(size int) []*LocalTransport {
	if size < 1 {
		panic("comm: local cluster needs at least one rank")
	}
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	ts := make([]*LocalTransport, size)
	for i := range ts {
		ts[i] = &LocalTransport{rank: i, boxes: boxes}
	}
	return ts
}

func (t *LocalTransport) Rank() int { return t.rank }
func (t *LocalTransport) Size() int { return len(t.boxes) }

// Send copies payload into the mailbox of dest.
func (t *LocalTransport) Send(_ context.Context, dest int, tag Tag, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := checkRank(dest, len(t.boxes)); err != nil {
		return err
	}
	if err := t.boxes[t.rank].aborted(); err != nil {
		return err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.boxes[dest].push(Message{Source: t.rank, Tag: tag, Payload: buf})
	return nil
}

func (t *LocalTransport) Recv(ctx context.Context, src int, tag Tag) (Message, error) {
	if t.closed.Load() {
		return Message{}, ErrClosed
	}
	if src != AnySource {
		if err := checkRank(src, len(t.boxes)); err != nil {
			return Message{}, err
		}
	}
	return t.boxes[t.rank].pop(ctx, src, tag)
}

// Abort aborts every rank of the cluster.
func (t *LocalTransport) Abort(cause error) {
	for _, b := range t.boxes {
		b.abort(cause)
	}
}

func (t *LocalTransport) Close() error {
	t.closed.Store(true)
	return nil
}
