package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"javelin/pkg/protocol"
	"javelin/pkg/rpc"
)

// workerHandle is one accepted worker connection, fixed to a shard and a
// protocol family at handshake. The router reads it from the shard slot under
// the router mutex but never performs I/O while holding that lock.
type workerHandle struct {
	id      protocol.WorkerID
	shard   protocol.ShardID
	version uint32

	// Exactly one of these is set, per the negotiated family.
	legacy *legacyConn
	v3     *rpc.Conn

	raw       net.Conn
	closeOnce sync.Once
}

// done is closed once the connection is dead, whether we closed it or the
// remote did.
func (h *workerHandle) done() <-chan struct{} {
	if h.v3 != nil {
		return h.v3.Done()
	}
	return h.legacy.closed
}

// close tears the connection down. Legacy connections get an explicit
// Shutdown message first so a conforming worker can log why it was dropped.
func (h *workerHandle) close() {
	h.closeOnce.Do(func() {
		if h.legacy != nil {
			h.legacy.sendShutdown()
		}
		if h.v3 != nil {
			_ = h.v3.Close()
		}
		_ = h.raw.Close()
	})
}

// legacyConn drives the legacy one-outstanding-request-at-a-time family. A
// dedicated read loop owns the socket's read half so a remote close is
// noticed immediately, not at the next request.
type legacyConn struct {
	conn     net.Conn
	maxBytes int

	tripMu  sync.Mutex // serializes whole round trips
	writeMu sync.Mutex // serializes raw writes (round trips and shutdown notice)

	frames chan *protocol.Message
	closed chan struct{}

	errMu   sync.Mutex
	readErr error
}

func newLegacyConn(conn net.Conn, maxBytes int) *legacyConn {
	lc := &legacyConn{
		conn:     conn,
		maxBytes: maxBytes,
		frames:   make(chan *protocol.Message),
		closed:   make(chan struct{}),
	}
	go lc.readLoop()
	return lc
}

func (lc *legacyConn) readLoop() {
	for {
		data, err := protocol.ReadFrame(lc.conn, lc.maxBytes)
		if err != nil {
			lc.fail(err)
			return
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			lc.fail(err)
			return
		}
		select {
		case lc.frames <- msg:
		case <-lc.closed:
			return
		}
	}
}

func (lc *legacyConn) fail(err error) {
	lc.errMu.Lock()
	if lc.readErr == nil {
		lc.readErr = err
		close(lc.closed)
	}
	lc.errMu.Unlock()
	_ = lc.conn.Close()
}

func (lc *legacyConn) err() error {
	lc.errMu.Lock()
	defer lc.errMu.Unlock()
	if lc.readErr == nil || errors.Is(lc.readErr, io.EOF) || errors.Is(lc.readErr, net.ErrClosed) {
		return fmt.Errorf("worker connection closed")
	}
	return lc.readErr
}

// roundTrip writes one request and waits for its implicit response. A
// cancelled round trip poisons the connection (the response could still
// arrive later), so the caller must treat any error here as fatal for the
// handle.
func (lc *legacyConn) roundTrip(ctx context.Context, req *protocol.Message) (*protocol.Message, error) {
	lc.tripMu.Lock()
	defer lc.tripMu.Unlock()

	data, err := protocol.EncodeMessage(req)
	if err != nil {
		return nil, err
	}
	lc.writeMu.Lock()
	err = protocol.WriteFrame(lc.conn, data, lc.maxBytes)
	lc.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type, err)
	}

	select {
	case resp := <-lc.frames:
		if resp.Type == protocol.MsgError && resp.Error != nil {
			return nil, fmt.Errorf("worker error: %s", resp.Error.Message)
		}
		return resp, nil
	case <-lc.closed:
		return nil, fmt.Errorf("await response to %s: %w", req.Type, lc.err())
	case <-ctx.Done():
		lc.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// sendShutdown is the legacy teardown notice; best effort, bounded.
func (lc *legacyConn) sendShutdown() {
	data, err := protocol.EncodeMessage(&protocol.Message{Type: protocol.MsgShutdown})
	if err != nil {
		return
	}
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	_ = lc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.WriteFrame(lc.conn, data, lc.maxBytes)
}
