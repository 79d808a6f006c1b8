package comm

import "context"

// BroadcastAll makes every rank the root of one broadcast in rank order.
// The local buf is sent to all other ranks; onReceive is invoked for the
// payload of every other root, never for the own one.
//
// A failing onReceive does not stop the collective, since the other ranks
// rely on this rank to forward payloads. The first callback error is
// returned after all roots were processed.
func (c *Communicator) BroadcastAll(ctx context.Context, buf []byte, onReceive ReceiveFunc) error {
	var firstErr error
	for root := 0; root < c.size; root++ {
		var payload []byte
		if root == c.rank {
			payload = buf
		}
		payload, err := c.broadcast(ctx, root, payload)
		if err != nil {
			return err
		}
		if root == c.rank || onReceive == nil {
			continue
		}
		if err := onReceive(NewReader(payload), root); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	c.metrics.operation(TagBroadcast)
	return nil
}

// broadcast distributes the root's payload along a binomial tree and
// returns it on every rank.
func (c *Communicator) broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	relative := (c.rank - root + c.size) % c.size

	mask := 1
	for mask < c.size {
		if relative&mask != 0 {
			src := (c.rank - mask + c.size) % c.size
			msg, err := c.transport.Recv(ctx, src, TagBroadcast)
			if err != nil {
				return nil, err
			}
			payload = msg.Payload
			break
		}
		mask <<= 1
	}

	mask >>= 1
	for mask > 0 {
		if relative+mask < c.size {
			dest := (c.rank + mask) % c.size
			if err := c.send(ctx, dest, TagBroadcast, payload); err != nil {
				return nil, err
			}
		}
		mask >>= 1
	}
	return payload, nil
}
