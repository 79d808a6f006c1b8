// Package comm implements the collective access patterns the simulation uses
// to exchange data between ranks: point-to-point messages, all-to-all
// broadcast, round-robin pairwise exchange, coordinator fold, one-sided
// accumulation on a shared window and token-ring mutual exclusion.
//
// All patterns are blocking and must be entered by every rank in the same
// order. Inside a rank they are called from a single worker only.
package comm

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// ReceiveFunc consumes a payload sent by rank sender.
type ReceiveFunc func(r *Reader, sender int) error

// Communicator layers the access patterns over a Transport.
type Communicator struct {
	transport Transport
	rank      int
	size      int
	log       *logrus.Entry
	metrics   *Metrics

	fatalMu sync.Mutex
	fatal   *FatalError
}

// New wraps t. log and metrics may be nil.
func New(t Transport, log *logrus.Entry, metrics *Metrics) *Communicator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Communicator{
		transport: t,
		rank:      t.Rank(),
		size:      t.Size(),
		log:       log.WithField("rank", t.Rank()),
		metrics:   metrics,
	}
}

// Rank returns the rank of this process.
func (c *Communicator) Rank() int { return c.rank }

// Size returns the number of ranks.
func (c *Communicator) Size() int { return c.size }

// Transport returns the underlying transport.
func (c *Communicator) Transport() Transport { return c.transport }

// Send sends buf to dest.
func (c *Communicator) Send(ctx context.Context, dest int, buf []byte) error {
	if err := c.send(ctx, dest, TagPointToPoint, buf); err != nil {
		return err
	}
	c.metrics.operation(TagPointToPoint)
	return nil
}

// Receive blocks for the next point-to-point message from src, which may be
// AnySource, and returns its payload and actual sender.
func (c *Communicator) Receive(ctx context.Context, src int) (*Reader, int, error) {
	msg, err := c.transport.Recv(ctx, src, TagPointToPoint)
	if err != nil {
		return nil, -1, err
	}
	return NewReader(msg.Payload), msg.Source, nil
}

// Barrier blocks until every rank reached it. Rank 0 gathers one message
// from every other rank and then releases them.
func (c *Communicator) Barrier(ctx context.Context) error {
	if c.size == 1 {
		return nil
	}
	if c.rank == 0 {
		for i := 1; i < c.size; i++ {
			if _, err := c.transport.Recv(ctx, AnySource, TagBarrier); err != nil {
				return err
			}
		}
		for dest := 1; dest < c.size; dest++ {
			if err := c.send(ctx, dest, TagBarrier, nil); err != nil {
				return err
			}
		}
	} else {
		if err := c.send(ctx, 0, TagBarrier, nil); err != nil {
			return err
		}
		if _, err := c.transport.Recv(ctx, 0, TagBarrier); err != nil {
			return err
		}
	}
	c.metrics.operation(TagBarrier)
	return nil
}

// Fatal logs err with the caller location, aborts the transport so that
// every rank stops, and returns the resulting *FatalError. Only the first
// fatal error of a communicator is logged.
func (c *Communicator) Fatal(err error) *FatalError {
	_, file, line, _ := runtime.Caller(1)

	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	c.fatal = &FatalError{Rank: c.rank, File: filepath.Base(file), Line: line, Err: err}
	c.log.Error(c.fatal.Error())
	c.transport.Abort(c.fatal)
	return c.fatal
}

// Close releases the transport.
func (c *Communicator) Close() error {
	return c.transport.Close()
}

func (c *Communicator) send(ctx context.Context, dest int, tag Tag, buf []byte) error {
	if err := c.transport.Send(ctx, dest, tag, buf); err != nil {
		return err
	}
	c.metrics.sent(tag, len(buf))
	return nil
}
