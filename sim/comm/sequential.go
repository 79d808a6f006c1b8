package comm

import "context"

// Sequential runs onProcess on one rank at a time, passing a token around
// the ring first, first+1, ..., first-1 and back to first. The token is
// forwarded even when onProcess fails so that the other ranks proceed;
// the error is returned afterwards.
func (c *Communicator) Sequential(ctx context.Context, first int, onProcess func() error) error {
	if err := checkRank(first, c.size); err != nil {
		return err
	}
	if c.size == 1 {
		return onProcess()
	}

	prev := (c.rank - 1 + c.size) % c.size
	next := (c.rank + 1) % c.size

	if c.rank != first {
		if _, err := c.transport.Recv(ctx, prev, TagSequential); err != nil {
			return err
		}
	}

	processErr := onProcess()

	if err := c.send(ctx, next, TagSequential, nil); err != nil {
		return err
	}
	if c.rank == first {
		// closes the ring: all ranks are done
		if _, err := c.transport.Recv(ctx, prev, TagSequential); err != nil {
			return err
		}
	}
	if processErr != nil {
		return processErr
	}
	c.metrics.operation(TagSequential)
	return nil
}
