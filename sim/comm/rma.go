package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Op is the combining operator of a window update.
type Op uint8

const (
	OpSum Op = iota
	OpProduct
	OpMin
	OpMax
	OpReplace
)

func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpProduct:
		return "product"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	case OpReplace:
		return "replace"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Apply combines the current value with v.
func (op Op) Apply(current, v float64) float64 {
	switch op {
	case OpSum:
		return current + v
	case OpProduct:
		return current * v
	case OpMin:
		return math.Min(current, v)
	case OpMax:
		return math.Max(current, v)
	default:
		return v
	}
}

const windowHost = 0

const (
	rmaGet uint8 = iota
	rmaUpdate
	rmaStop
)

// Window is a table of float64 counters shared by all ranks and hosted on
// rank 0. Indices are allocated before the window is created; every Get and
// Update is an exclusive read-modify-write, so concurrent updates from all
// ranks are linearizable.
type Window struct {
	comm *Communicator

	// mu pairs a request of this rank with its reply
	mu      sync.Mutex
	next    int
	size    int
	created bool

	// host only
	valuesMu sync.Mutex
	values   []float64
	stop     context.CancelFunc
	done     chan struct{}
}

// NewWindow returns a window bound to c. Allocate indices, then Create.
func NewWindow(c *Communicator) *Window {
	return &Window{comm: c}
}

// AllocateIndex reserves the next counter slot. All ranks must allocate the
// same number of indices before Create.
func (w *Window) AllocateIndex() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		return -1, ErrWindowCreated
	}
	i := w.next
	w.next++
	return i, nil
}

// Size returns the number of counters of the created window.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Create opens the window on all ranks. Collective. The window size is the
// largest number of indices allocated on any rank.
func (w *Window) Create(ctx context.Context) error {
	w.mu.Lock()
	if w.created {
		w.mu.Unlock()
		return ErrWindowCreated
	}
	size := w.next
	w.mu.Unlock()

	buf := NewWriter().Uint64(uint64(size)).Buffer()
	err := w.comm.BroadcastAll(ctx, buf, func(r *Reader, _ int) error {
		size = max(size, int(r.Uint64()))
		return r.Err()
	})
	if err != nil {
		return fmt.Errorf("agreeing on RMA window size: %w", err)
	}

	w.mu.Lock()
	w.size = size
	w.next = size
	w.created = true
	w.mu.Unlock()

	if w.comm.rank == windowHost {
		w.values = make([]float64, size)
		serveCtx, cancel := context.WithCancel(context.Background())
		w.stop = cancel
		w.done = make(chan struct{})
		go w.serve(serveCtx)
	}
	return w.comm.Barrier(ctx)
}

// Free closes the window on all ranks. Collective.
func (w *Window) Free(ctx context.Context) error {
	w.mu.Lock()
	if !w.created {
		w.mu.Unlock()
		return ErrWindowNotCreated
	}
	w.mu.Unlock()

	if err := w.comm.Barrier(ctx); err != nil {
		return err
	}

	if w.comm.rank == windowHost {
		if err := w.comm.send(ctx, windowHost, TagRMARequest, []byte{rmaStop}); err != nil {
			w.stop()
		}
		<-w.done
		w.stop()
		w.values = nil
	}

	w.mu.Lock()
	w.created = false
	w.size = 0
	w.next = 0
	w.mu.Unlock()
	return nil
}

// Get returns counter i.
func (w *Window) Get(ctx context.Context, i int) (float64, error) {
	return w.request(ctx, rmaGet, i, OpReplace, 0)
}

// Update combines counter i with v using op and returns the new value.
func (w *Window) Update(ctx context.Context, i int, op Op, v float64) (float64, error) {
	return w.request(ctx, rmaUpdate, i, op, v)
}

func (w *Window) request(ctx context.Context, kind uint8, i int, op Op, v float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.created {
		return 0, ErrWindowNotCreated
	}
	if i < 0 || i >= w.size {
		return 0, fmt.Errorf("%w: index %d, window of %d", ErrIndexOutOfRange, i, w.size)
	}

	start := time.Now()
	defer func() { w.comm.metrics.rma(time.Since(start).Seconds()) }()

	if w.comm.rank == windowHost {
		return w.apply(kind, i, op, v), nil
	}

	req := NewWriter().Bytes([]byte{kind}).Uint32(uint32(i)).Bytes([]byte{byte(op)}).Float64(v)
	if err := w.comm.send(ctx, windowHost, TagRMARequest, req.Buffer()); err != nil {
		return 0, err
	}
	msg, err := w.comm.transport.Recv(ctx, windowHost, TagRMAReply)
	if err != nil {
		return 0, err
	}
	r := NewReader(msg.Payload)
	ok := r.Bool()
	value := r.Float64()
	if r.Err() != nil {
		return 0, r.Err()
	}
	if !ok {
		return 0, fmt.Errorf("%w: index %d rejected by host", ErrIndexOutOfRange, i)
	}
	return value, nil
}

func (w *Window) apply(kind uint8, i int, op Op, v float64) float64 {
	w.valuesMu.Lock()
	defer w.valuesMu.Unlock()
	if kind == rmaUpdate {
		w.values[i] = op.Apply(w.values[i], v)
	}
	return w.values[i]
}

// serve answers the requests of the other ranks, one at a time.
func (w *Window) serve(ctx context.Context) {
	defer close(w.done)
	for {
		msg, err := w.comm.transport.Recv(ctx, AnySource, TagRMARequest)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.comm.log.Debugf("RMA host stopped: %v", err)
			}
			return
		}
		r := NewReader(msg.Payload)
		kind := r.Next(1)
		if kind != nil && kind[0] == rmaStop {
			return
		}
		i := int(r.Uint32())
		opByte := r.Next(1)
		v := r.Float64()

		reply := NewWriter()
		if r.Err() != nil || i < 0 || i >= len(w.values) {
			reply.Bool(false).Float64(0)
		} else {
			reply.Bool(true).Float64(w.apply(kind[0], i, Op(opByte[0]), v))
		}
		if err := w.comm.send(ctx, msg.Source, TagRMAReply, reply.Buffer()); err != nil {
			w.comm.log.Debugf("RMA host reply to rank %d failed: %v", msg.Source, err)
			return
		}
	}
}
