package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestFrame_EncodeDecode(t *testing.T) {
	frame := encodeFrame(TagMaster, []byte("partial"))
	assert.Len(t, frame, frameHeaderSize+7)

	tag, payload, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, TagMaster, tag)
	assert.Equal(t, []byte("partial"), payload)
}

func TestFrame_DecodeMalformed(t *testing.T) {
	_, _, err := decodeFrame([]byte{1, 2, 3})
	assert.Error(t, err)

	frame := encodeFrame(TagBroadcast, []byte("abc"))
	_, _, err = decodeFrame(frame[:len(frame)-1])
	assert.Error(t, err)
}

func TestReader_ShortReadIsSticky(t *testing.T) {
	r := NewReader(NewWriter().Uint32(5).Buffer())
	assert.Equal(t, uint32(5), r.Uint32())
	assert.Equal(t, uint64(0), r.Uint64())
	assert.Error(t, r.Err())
	assert.False(t, r.Bool())
}

// TestLocalTransport_FIFOPerSourceAndTag verifies that messages from one
// sender with one tag arrive in send order and that tags do not interfere.
func TestLocalTransport_FIFOPerSourceAndTag(t *testing.T) {
	ts := NewLocalCluster(2)
	ctx := context.Background()
	for i := byte(0); i < 5; i++ {
		require.NoError(t, ts[0].Send(ctx, 1, TagRoundRobin, []byte{i}))
		require.NoError(t, ts[0].Send(ctx, 1, TagMaster, []byte{100 + i}))
	}
	for i := byte(0); i < 5; i++ {
		msg, err := ts[1].Recv(ctx, 0, TagMaster)
		require.NoError(t, err)
		assert.Equal(t, []byte{100 + i}, msg.Payload)
	}
	for i := byte(0); i < 5; i++ {
		msg, err := ts[1].Recv(ctx, AnySource, TagRoundRobin)
		require.NoError(t, err)
		assert.Equal(t, 0, msg.Source)
		assert.Equal(t, []byte{i}, msg.Payload)
	}
}

func TestLocalTransport_SendCopiesPayload(t *testing.T) {
	ts := NewLocalCluster(1)
	buf := []byte{1, 2}
	require.NoError(t, ts[0].Send(context.Background(), 0, TagPointToPoint, buf))
	buf[0] = 9
	msg, err := ts[0].Recv(context.Background(), 0, TagPointToPoint)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, msg.Payload)
}

func TestLocalTransport_InvalidRank(t *testing.T) {
	ts := NewLocalCluster(2)
	assert.Error(t, ts[0].Send(context.Background(), 2, TagPointToPoint, nil))
	_, err := ts[0].Recv(context.Background(), -5, TagPointToPoint)
	assert.Error(t, err)
}

func TestLocalTransport_RecvHonorsContext(t *testing.T) {
	ts := NewLocalCluster(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ts[0].Recv(ctx, 1, TagPointToPoint)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalTransport_AbortWakesReceivers(t *testing.T) {
	ts := NewLocalCluster(3)
	cause := errors.New("stop")
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i-1] = ts[i].Recv(context.Background(), 0, TagBarrier)
		}()
	}
	ts[0].Abort(cause)
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrAborted)
	}
	assert.ErrorIs(t, ts[1].Send(context.Background(), 0, TagBarrier, nil), ErrAborted)
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = ln.Addr().String()
		require.NoError(t, ln.Close())
	}
	return addrs
}

// TestWebsocketTransport_Mesh verifies the multi-process transport with three
// ranks on loopback running the all-to-all broadcast and a barrier.
func TestWebsocketTransport_Mesh(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	const size = 3
	peers := freeAddrs(t, size)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var mu sync.Mutex
	sums := make([]uint64, size)

	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		g.Go(func() error {
			tr, err := NewWebsocketTransport(ctx, WebsocketConfig{Rank: rank, Peers: peers, DialTimeout: 10 * time.Second})
			if err != nil {
				return err
			}
			c := New(tr, nil, nil)
			defer c.Close()

			sum := uint64(rank + 1)
			err = c.BroadcastAll(ctx, NewWriter().Uint64(uint64(rank+1)).Buffer(), func(r *Reader, _ int) error {
				sum += r.Uint64()
				return r.Err()
			})
			if err != nil {
				return fmt.Errorf("rank %d broadcast: %w", rank, err)
			}
			if err := c.Barrier(ctx); err != nil {
				return fmt.Errorf("rank %d barrier: %w", rank, err)
			}
			mu.Lock()
			sums[rank] = sum
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []uint64{6, 6, 6}, sums)
}
