package comm

import "context"

// Bye marks a rank without partner in a round of the schedule.
const Bye = -1

// Schedule returns the round-robin tournament for size ranks: Schedule(n)[k][r]
// is the partner of rank r in round k, or Bye. Every unordered pair of ranks
// meets exactly once. An even number of ranks needs size-1 rounds, an odd
// number size rounds with one bye per round.
func Schedule(size int) [][]int {
	if size < 2 {
		return nil
	}
	n := size
	if n%2 == 1 {
		n++
	}
	rounds := make([][]int, n-1)
	for k := range rounds {
		rounds[k] = make([]int, size)
		for r := 0; r < size; r++ {
			rounds[k][r] = partner(r, k, n, size)
		}
	}
	return rounds
}

// partner implements the circle method: player n-1 is fixed and meets
// player k in round k; all other players i and j with i+j = 2k (mod n-1)
// meet. Player size only exists for odd sizes and stands for a bye.
func partner(r, k, n, size int) int {
	var p int
	switch {
	case r == n-1:
		p = k
	case r == k:
		p = n - 1
	default:
		p = ((2*k-r)%(n-1) + (n - 1)) % (n - 1)
	}
	if p >= size {
		return Bye
	}
	return p
}

// RoundRobin exchanges buf with every other rank, one partner per round.
// onReceive is invoked once for every other rank.
func (c *Communicator) RoundRobin(ctx context.Context, buf []byte, onReceive ReceiveFunc) error {
	return c.RoundRobinExchange(ctx, func(int) ([]byte, error) { return buf, nil }, onReceive)
}

// RoundRobinExchange is RoundRobin with a payload built per partner.
// A failing callback does not break the schedule; the first error is
// returned after the last round.
func (c *Communicator) RoundRobinExchange(ctx context.Context, onSend func(partner int) ([]byte, error), onReceive ReceiveFunc) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, round := range Schedule(c.size) {
		other := round[c.rank]
		if other == Bye {
			continue
		}
		payload, err := onSend(other)
		record(err)
		if err := c.send(ctx, other, TagRoundRobin, payload); err != nil {
			return err
		}
		msg, err := c.transport.Recv(ctx, other, TagRoundRobin)
		if err != nil {
			return err
		}
		if onReceive != nil {
			record(onReceive(NewReader(msg.Payload), other))
		}
	}
	if firstErr != nil {
		return firstErr
	}
	c.metrics.operation(TagRoundRobin)
	return nil
}
