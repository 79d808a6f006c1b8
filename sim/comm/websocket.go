package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const meshPath = "/episim/mesh"

// WebsocketConfig describes one rank of a websocket mesh.
type WebsocketConfig struct {
	Rank int
	// Peers holds the host:port every rank listens on, indexed by rank.
	Peers []string
	// DialTimeout bounds the whole mesh setup. Zero means 30s.
	DialTimeout time.Duration
}

// WebsocketTransport connects ranks running as separate processes. Every
// pair of ranks shares one connection: the lower rank accepts, the higher
// rank dials and introduces itself with a hello frame.
type WebsocketTransport struct {
	rank  int
	size  int
	box   *mailbox
	conns []*peerConn

	server   *http.Server
	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup
}

type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

var meshUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// NewWebsocketTransport listens on Peers[Rank], connects to every other
// rank and returns once the mesh is complete.
func NewWebsocketTransport(ctx context.Context, cfg WebsocketConfig) (*WebsocketTransport, error) {
	size := len(cfg.Peers)
	if err := checkRank(cfg.Rank, size); err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := &WebsocketTransport{
		rank:  cfg.Rank,
		size:  size,
		box:   newMailbox(),
		conns: make([]*peerConn, size),
	}

	accepted := make(chan acceptedConn, size)
	ln, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Peers[cfg.Rank], err)
	}
	t.listener = ln
	mux := http.NewServeMux()
	mux.HandleFunc(meshPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := meshUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.Warnf("rank %d: websocket upgrade failed: %v", t.rank, err)
			return
		}
		peer, err := readHello(conn)
		if err != nil || peer <= t.rank || peer >= size {
			logrus.Warnf("rank %d: rejecting peer connection (rank %d): %v", t.rank, peer, err)
			_ = conn.Close()
			return
		}
		accepted <- acceptedConn{rank: peer, conn: conn}
	})
	t.server = &http.Server{Handler: mux}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.box.abort(fmt.Errorf("mesh listener: %w", err))
		}
	}()

	for peer := 0; peer < cfg.Rank; peer++ {
		conn, err := dialPeer(ctx, cfg.Peers[peer], cfg.Rank)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("connecting rank %d to rank %d at %s: %w", cfg.Rank, peer, cfg.Peers[peer], err)
		}
		t.conns[peer] = &peerConn{conn: conn}
	}

	for pending := size - 1 - cfg.Rank; pending > 0; {
		select {
		case a := <-accepted:
			if t.conns[a.rank] != nil {
				_ = a.conn.Close()
				continue
			}
			t.conns[a.rank] = &peerConn{conn: a.conn}
			pending--
		case <-ctx.Done():
			_ = t.Close()
			return nil, fmt.Errorf("rank %d waiting for peers: %w", cfg.Rank, ctx.Err())
		}
	}

	for peer, pc := range t.conns {
		if pc == nil {
			continue
		}
		t.wg.Add(1)
		go t.readLoop(peer, pc.conn)
	}
	logrus.Debugf("rank %d: websocket mesh of %d ranks established", t.rank, size)
	return t, nil
}

type acceptedConn struct {
	rank int
	conn *websocket.Conn
}

func dialPeer(ctx context.Context, addr string, self int) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: meshPath}
	var lastErr error
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			hello := make([]byte, 4)
			binary.LittleEndian.PutUint32(hello, uint32(self))
			if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(tagHello, hello)); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		}
		lastErr = err
		// peers start in any order; retry until the setup deadline
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func readHello(conn *websocket.Conn) (int, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return -1, err
	}
	tag, payload, err := decodeFrame(data)
	if err != nil {
		return -1, err
	}
	if tag != tagHello || len(payload) != 4 {
		return -1, fmt.Errorf("expected hello frame, got %s", tag)
	}
	return int(binary.LittleEndian.Uint32(payload)), nil
}

func (t *WebsocketTransport) readLoop(peer int, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !t.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.box.abort(fmt.Errorf("connection to rank %d: %w", peer, err))
			}
			return
		}
		tag, payload, err := decodeFrame(data)
		if err != nil {
			t.box.abort(fmt.Errorf("rank %d sent a malformed frame: %w", peer, err))
			return
		}
		if tag == tagAbort {
			t.box.abort(fmt.Errorf("rank %d aborted: %s", peer, payload))
			return
		}
		t.box.push(Message{Source: peer, Tag: tag, Payload: payload})
	}
}

func (t *WebsocketTransport) Rank() int { return t.rank }
func (t *WebsocketTransport) Size() int { return t.size }

func (t *WebsocketTransport) Send(_ context.Context, dest int, tag Tag, payload []byte) error {
	if t.closing.Load() {
		return ErrClosed
	}
	if err := checkRank(dest, t.size); err != nil {
		return err
	}
	if err := t.box.aborted(); err != nil {
		return err
	}
	if dest == t.rank {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		t.box.push(Message{Source: t.rank, Tag: tag, Payload: buf})
		return nil
	}
	if err := t.conns[dest].write(encodeFrame(tag, payload)); err != nil {
		return fmt.Errorf("sending %s to rank %d: %w", tag, dest, err)
	}
	return nil
}

func (t *WebsocketTransport) Recv(ctx context.Context, src int, tag Tag) (Message, error) {
	if t.closing.Load() {
		return Message{}, ErrClosed
	}
	if src != AnySource {
		if err := checkRank(src, t.size); err != nil {
			return Message{}, err
		}
	}
	return t.box.pop(ctx, src, tag)
}

// Abort notifies every peer and wakes local blocked calls.
func (t *WebsocketTransport) Abort(cause error) {
	msg := "abort"
	if cause != nil {
		msg = cause.Error()
	}
	frame := encodeFrame(tagAbort, []byte(msg))
	for peer, pc := range t.conns {
		if pc == nil || peer == t.rank {
			continue
		}
		if err := pc.write(frame); err != nil {
			logrus.Debugf("rank %d: abort notification to rank %d failed: %v", t.rank, peer, err)
		}
	}
	t.box.abort(cause)
}

// Close shuts the listener and every peer connection down.
func (t *WebsocketTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, pc := range t.conns {
		if pc == nil {
			continue
		}
		pc.mu.Lock()
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		pc.mu.Unlock()
	}
	if t.server != nil {
		if err := t.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
