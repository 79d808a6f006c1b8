package comm

import (
	"context"
	"fmt"
)

// Master folds the partial results of all ranks on center. Every rank sends
// in; the center invokes onReceive for the other ranks in ascending rank
// order and for its own partial last. outCount is the payload size in bytes
// the center expects from every rank; zero accepts any size. Only the
// center sees the fold.
func (c *Communicator) Master(ctx context.Context, center int, in []byte, outCount int, onReceive ReceiveFunc) error {
	if err := checkRank(center, c.size); err != nil {
		return err
	}
	if c.rank != center {
		if err := c.send(ctx, center, TagMaster, in); err != nil {
			return err
		}
		c.metrics.operation(TagMaster)
		return nil
	}

	var firstErr error
	fold := func(payload []byte, sender int) {
		if outCount > 0 && len(payload) != outCount {
			if firstErr == nil {
				firstErr = fmt.Errorf("comm: master fold on rank %d expected %d bytes from rank %d, got %d",
					center, outCount, sender, len(payload))
			}
			return
		}
		if err := onReceive(NewReader(payload), sender); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for sender := 0; sender < c.size; sender++ {
		if sender == center {
			continue
		}
		msg, err := c.transport.Recv(ctx, sender, TagMaster)
		if err != nil {
			return err
		}
		fold(msg.Payload, sender)
	}
	fold(in, center)

	if firstErr != nil {
		return firstErr
	}
	c.metrics.operation(TagMaster)
	return nil
}
