package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AnySource matches messages from every rank in Recv.
const AnySource = -1

// Tag separates the message streams of the access patterns so that their
// traffic never interleaves.
type Tag uint32

const (
	TagPointToPoint Tag = iota + 1
	TagBroadcast
	TagRoundRobin
	TagMaster
	TagSequential
	TagRMARequest
	TagRMAReply
	TagBarrier

	tagHello Tag = 0xfff0 + iota
	tagAbort
)

// String returns a short label used in logs and metric labels.
func (t Tag) String() string {
	switch t {
	case TagPointToPoint:
		return "p2p"
	case TagBroadcast:
		return "broadcast"
	case TagRoundRobin:
		return "roundrobin"
	case TagMaster:
		return "master"
	case TagSequential:
		return "sequential"
	case TagRMARequest:
		return "rma_request"
	case TagRMAReply:
		return "rma_reply"
	case TagBarrier:
		return "barrier"
	case tagHello:
		return "hello"
	case tagAbort:
		return "abort"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

// ErrAborted is returned by blocked transport calls after Abort, on this
// rank or on a remote one.
var ErrAborted = errors.New("comm: transport aborted")

// Message is a received payload together with its envelope.
type Message struct {
	Source  int
	Tag     Tag
	Payload []byte
}

// Transport is the message passing substrate below the Communicator.
// Messages between one (source, destination, tag) triple are delivered in
// send order. Send never blocks on the receiver.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest int, tag Tag, payload []byte) error
	// Recv blocks until a message with tag from src (or AnySource) arrives.
	Recv(ctx context.Context, src int, tag Tag) (Message, error)
	// Abort wakes every blocked call on every rank with ErrAborted.
	Abort(cause error)
	Close() error
}

// mailbox is the receive side of a rank: an unbounded FIFO with
// (source, tag) matching.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.queue = append(m.queue, msg)
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *mailbox) abort(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	if cause == nil {
		m.err = ErrAborted
	} else {
		m.err = fmt.Errorf("%w: %v", ErrAborted, cause)
	}
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *mailbox) aborted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mailbox) pop(ctx context.Context, src int, tag Tag) (Message, error) {
	for {
		m.mu.Lock()
		for i, msg := range m.queue {
			if msg.Tag == tag && (src == AnySource || msg.Source == src) {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.mu.Unlock()
				return msg, nil
			}
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return Message{}, err
		}
		wake := m.notify
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("comm: rank %d outside [0, %d)", rank, size)
	}
	return nil
}
