package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSchedule_EveryPairMeetsOnce verifies the round-robin tournament:
// GIVEN rank counts from 2 to 9
// WHEN the schedule is built
// THEN every unordered pair meets exactly once, pairings are symmetric,
// and the round count is size-1 (even) or size (odd)
func TestSchedule_EveryPairMeetsOnce(t *testing.T) {
	for size := 2; size <= 9; size++ {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			rounds := Schedule(size)
			wantRounds := size - 1
			if size%2 == 1 {
				wantRounds = size
			}
			require.Len(t, rounds, wantRounds)

			met := map[[2]int]int{}
			for k, round := range rounds {
				byes := 0
				for r, p := range round {
					if p == Bye {
						byes++
						continue
					}
					assert.NotEqual(t, r, p, "round %d: rank paired with itself", k)
					assert.Equal(t, r, round[p], "round %d: pairing not symmetric", k)
					if r < p {
						met[[2]int{r, p}]++
					}
				}
				assert.Equal(t, size%2, byes, "round %d", k)
			}
			assert.Len(t, met, size*(size-1)/2)
			for pair, n := range met {
				assert.Equal(t, 1, n, "pair %v", pair)
			}
		})
	}
}

func TestSchedule_SingleRank(t *testing.T) {
	assert.Empty(t, Schedule(1))
}

func TestCommunicator_SendReceive(t *testing.T) {
	err := runRanks(t, 2, func(ctx context.Context, c *Communicator) error {
		if c.Rank() == 0 {
			return c.Send(ctx, 1, NewWriter().Uint64(7).Float64(2.5).Buffer())
		}
		r, src, err := c.Receive(ctx, AnySource)
		if err != nil {
			return err
		}
		if src != 0 || r.Uint64() != 7 || r.Float64() != 2.5 {
			return fmt.Errorf("unexpected message from %d", src)
		}
		return r.Err()
	})
	require.NoError(t, err)
}

// TestBroadcastAll_EveryRankSeesEveryOtherRoot verifies:
// GIVEN 5 ranks each broadcasting its rank
// WHEN BroadcastAll completes
// THEN each rank received the payload of every other rank once, in root order,
// and never its own
func TestBroadcastAll_EveryRankSeesEveryOtherRoot(t *testing.T) {
	const size = 5
	var mu sync.Mutex
	seen := make([][]int, size)

	err := runRanks(t, size, func(ctx context.Context, c *Communicator) error {
		buf := NewWriter().Uint64(uint64(c.Rank() * 100)).Buffer()
		return c.BroadcastAll(ctx, buf, func(r *Reader, root int) error {
			if got := r.Uint64(); got != uint64(root*100) {
				return fmt.Errorf("rank %d: payload %d from root %d", c.Rank(), got, root)
			}
			mu.Lock()
			seen[c.Rank()] = append(seen[c.Rank()], root)
			mu.Unlock()
			return nil
		})
	})
	require.NoError(t, err)

	for rank := 0; rank < size; rank++ {
		var want []int
		for root := 0; root < size; root++ {
			if root != rank {
				want = append(want, root)
			}
		}
		assert.Equal(t, want, seen[rank], "rank %d", rank)
	}
}

func TestBroadcastAll_RepeatedCallsStayAligned(t *testing.T) {
	err := runRanks(t, 4, func(ctx context.Context, c *Communicator) error {
		for iter := 0; iter < 20; iter++ {
			sum := uint64(c.Rank() + iter)
			err := c.BroadcastAll(ctx, NewWriter().Uint64(uint64(c.Rank()+iter)).Buffer(), func(r *Reader, _ int) error {
				sum += r.Uint64()
				return nil
			})
			if err != nil {
				return err
			}
			if want := uint64(6 + 4*iter); sum != want {
				return fmt.Errorf("rank %d iteration %d: sum %d, want %d", c.Rank(), iter, sum, want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBroadcastAll_CallbackErrorDoesNotDeadlock(t *testing.T) {
	boom := errors.New("bad payload")
	err := runRanks(t, 3, func(ctx context.Context, c *Communicator) error {
		err := c.BroadcastAll(ctx, []byte{1}, func(*Reader, int) error {
			if c.Rank() == 1 {
				return boom
			}
			return nil
		})
		if c.Rank() == 1 {
			if !errors.Is(err, boom) {
				return fmt.Errorf("expected callback error, got %v", err)
			}
			return nil
		}
		return err
	})
	require.NoError(t, err)
}

func TestRoundRobin_ExchangesWithEveryOtherRank(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 7} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			var mu sync.Mutex
			got := make([]map[int]uint64, size)

			err := runRanks(t, size, func(ctx context.Context, c *Communicator) error {
				local := map[int]uint64{}
				err := c.RoundRobinExchange(ctx,
					func(partner int) ([]byte, error) {
						return NewWriter().Uint64(uint64(c.Rank()*10 + partner)).Buffer(), nil
					},
					func(r *Reader, sender int) error {
						local[sender] = r.Uint64()
						return r.Err()
					})
				mu.Lock()
				got[c.Rank()] = local
				mu.Unlock()
				return err
			})
			require.NoError(t, err)

			for rank := 0; rank < size; rank++ {
				assert.Len(t, got[rank], size-1)
				for sender, v := range got[rank] {
					assert.Equal(t, uint64(sender*10+rank), v)
				}
			}
		})
	}
}

// TestMaster_FoldsInRankOrderOwnLast verifies the coordinator fold order.
func TestMaster_FoldsInRankOrderOwnLast(t *testing.T) {
	const center = 2
	var order []int
	var total uint64

	err := runRanks(t, 4, func(ctx context.Context, c *Communicator) error {
		in := NewWriter().Uint64(uint64(c.Rank() + 1)).Buffer()
		return c.Master(ctx, center, in, 8, func(r *Reader, sender int) error {
			order = append(order, sender)
			total += r.Uint64()
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 2}, order)
	assert.Equal(t, uint64(10), total)
}

func TestMaster_SizeMismatch_ReturnsError(t *testing.T) {
	err := runRanks(t, 2, func(ctx context.Context, c *Communicator) error {
		in := make([]byte, 4+4*c.Rank())
		return c.Master(ctx, 0, in, 4, func(*Reader, int) error { return nil })
	})
	assert.ErrorContains(t, err, "expected 4 bytes from rank 1")
}

// TestSequential_TokenRingOrder verifies mutual exclusion in ring order
// starting at first.
func TestSequential_TokenRingOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	inside := 0
	overlap := false

	err := runRanks(t, 4, func(ctx context.Context, c *Communicator) error {
		return c.Sequential(ctx, 2, func() error {
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			order = append(order, c.Rank())
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			return nil
		})
	})
	require.NoError(t, err)
	assert.False(t, overlap)
	assert.Equal(t, []int{2, 3, 0, 1}, order)
}

func TestSequential_ErrorStillPassesToken(t *testing.T) {
	boom := errors.New("write failed")
	var mu sync.Mutex
	processed := 0

	err := runRanks(t, 3, func(ctx context.Context, c *Communicator) error {
		err := c.Sequential(ctx, 0, func() error {
			mu.Lock()
			processed++
			mu.Unlock()
			if c.Rank() == 0 {
				return boom
			}
			return nil
		})
		if c.Rank() == 0 && errors.Is(err, boom) {
			return nil
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
}

func TestBarrier_AllRanksArriveBeforeRelease(t *testing.T) {
	var mu sync.Mutex
	arrived := 0
	early := false

	err := runRanks(t, 5, func(ctx context.Context, c *Communicator) error {
		mu.Lock()
		arrived++
		mu.Unlock()
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		mu.Lock()
		if arrived != 5 {
			early = true
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.False(t, early)
}

// TestFatal_AbortsBlockedRanks verifies that a fatal error on one rank wakes
// ranks blocked in a receive.
func TestFatal_AbortsBlockedRanks(t *testing.T) {
	cause := errors.New("corrupt input")
	var fatal *FatalError

	err := runRanks(t, 3, func(ctx context.Context, c *Communicator) error {
		if c.Rank() == 1 {
			fatal = c.Fatal(cause)
			return nil
		}
		_, _, err := c.Receive(ctx, AnySource)
		if !errors.Is(err, ErrAborted) {
			return fmt.Errorf("rank %d: expected abort, got %v", c.Rank(), err)
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, fatal)
	assert.Equal(t, 1, fatal.Rank)
	assert.Equal(t, "patterns_test.go", fatal.File)
	assert.ErrorIs(t, fatal, cause)
	assert.Contains(t, fatal.Error(), "Rank: 1, patterns_test.go(")
}
