// Package rpc implements the v3 connection runtime: correlated calls over a
// framed packet stream, with id-parity enforcement, an incoming-request
// handler, notifications, and cancellation.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"javelin/pkg/protocol"
)

// ErrConnectionClosed is returned for calls issued on, or outstanding at the
// time of, a closed connection.
var ErrConnectionClosed = errors.New("rpc: connection closed")

// RemoteError is a failure reported by the peer for one specific call.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error: %s", e.Message)
}

// Role identifies which side of the connection we are. It fixes the parity of
// the request ids we assign and the parity we accept from the peer.
type Role int

// Connection roles.
const (
	RoleRouter Role = iota
	RoleWorker
)

// Handler serves one incoming request. The context is cancelled if the peer
// sends a cancel packet for the request or the connection closes.
type Handler func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Config configures a Conn.
type Config struct {
	Role     Role
	MaxBytes int // frame payload bound; 0 means protocol.DefaultMaxRPCBytes

	// Handler serves incoming requests. A nil handler answers every request
	// with an error response.
	Handler Handler

	// OnNotification, if set, observes incoming notifications.
	OnNotification func(n *protocol.Notification)
}

// Conn is one v3 connection. All methods are safe for concurrent use; calls
// from multiple goroutines are genuinely pipelined and complete out of order.
type Conn struct {
	conn   net.Conn
	cfg    Config
	closed chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan *protocol.Response
	abandoned map[uint64]struct{} // cancelled calls whose response may still arrive
	inflight  map[uint64]context.CancelFunc
	closeErr  error
}

// New wraps conn and starts its read loop. The caller must not use conn
// directly afterwards.
func New(conn net.Conn, cfg Config) *Conn {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = protocol.DefaultMaxRPCBytes
	}
	first := protocol.FirstRouterRequestID
	if cfg.Role == RoleWorker {
		first = protocol.FirstWorkerRequestID
	}
	c := &Conn{
		conn:      conn,
		cfg:       cfg,
		closed:    make(chan struct{}),
		nextID:    first,
		pending:   make(map[uint64]chan *protocol.Response),
		abandoned: make(map[uint64]struct{}),
		inflight:  make(map[uint64]context.CancelFunc),
	}
	go c.readLoop()
	return c
}

// Call sends req and waits for its correlated response. Cancellation is the
// caller's: the connection imposes no implicit timeout, since indexing calls
// are legitimately long-running.
func (c *Conn) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID
	c.nextID += protocol.RequestIDStep
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.writePacket(&protocol.Packet{Type: protocol.PacketRequest, ID: id, Request: req})
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, c.Err()
		}
		if resp.Kind == protocol.RespError {
			return nil, &RemoteError{Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		// The request already reached the peer, so a late response is still
		// legitimate traffic: remember the id so dispatch drops it instead of
		// treating it as a violation.
		c.abandon(id)
		// Best effort: tell the peer to stop working on it.
		_ = c.writePacket(&protocol.Packet{Type: protocol.PacketCancel, ID: id})
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(n *protocol.Notification) error {
	return c.writePacket(&protocol.Packet{Type: protocol.PacketNotification, Notification: n})
}

// Close tears the connection down. Outstanding calls fail with
// ErrConnectionClosed. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeWith(ErrConnectionClosed)
	return nil
}

// Done is closed when the connection has terminated for any reason.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the terminal error after Done is closed, nil before.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// --- internals ---

func (c *Conn) readLoop() {
	for {
		data, err := protocol.ReadFrame(c.conn, c.cfg.MaxBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrConnectionClosed
			}
			c.closeWith(err)
			return
		}
		pkt, err := protocol.DecodePacket(data)
		if err != nil {
			c.closeWith(fmt.Errorf("rpc: protocol violation: %w", err))
			return
		}
		if !c.dispatch(pkt) {
			return
		}
	}
}

// dispatch handles one decoded packet. Returns false when the connection has
// been closed due to a violation.
func (c *Conn) dispatch(pkt *protocol.Packet) bool {
	switch pkt.Type {
	case protocol.PacketResponse:
		c.mu.Lock()
		ch, ok := c.pending[pkt.ID]
		delete(c.pending, pkt.ID)
		if !ok {
			if _, cancelled := c.abandoned[pkt.ID]; cancelled {
				delete(c.abandoned, pkt.ID)
				c.mu.Unlock()
				return true
			}
			c.mu.Unlock()
			c.closeWith(fmt.Errorf("rpc: protocol violation: response for unknown request id %d", pkt.ID))
			return false
		}
		c.mu.Unlock()
		ch <- pkt.Response

	case protocol.PacketRequest:
		peerIsRouter := c.cfg.Role == RoleWorker
		if !protocol.ValidPeerRequestID(pkt.ID, peerIsRouter) {
			c.closeWith(fmt.Errorf("rpc: protocol violation: bad request id %d from peer", pkt.ID))
			return false
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		if _, dup := c.inflight[pkt.ID]; dup {
			c.mu.Unlock()
			cancel()
			c.closeWith(fmt.Errorf("rpc: protocol violation: duplicate in-flight request id %d", pkt.ID))
			return false
		}
		c.inflight[pkt.ID] = cancel
		c.mu.Unlock()
		go c.serve(ctx, pkt.ID, pkt.Request)

	case protocol.PacketNotification:
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(pkt.Notification)
		}

	case protocol.PacketCancel:
		c.mu.Lock()
		cancel := c.inflight[pkt.ID]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	return true
}

func (c *Conn) serve(ctx context.Context, id uint64, req *protocol.Request) {
	var resp *protocol.Response
	if c.cfg.Handler == nil {
		resp = &protocol.Response{Kind: protocol.RespError, Error: "no request handler"}
	} else {
		r, err := c.cfg.Handler(ctx, req)
		if err != nil {
			resp = &protocol.Response{Kind: protocol.RespError, Error: err.Error()}
		} else {
			resp = r
		}
	}

	c.mu.Lock()
	if cancel := c.inflight[id]; cancel != nil {
		delete(c.inflight, id)
		defer cancel()
	}
	c.mu.Unlock()

	_ = c.writePacket(&protocol.Packet{Type: protocol.PacketResponse, ID: id, Response: resp})
}

func (c *Conn) writePacket(pkt *protocol.Packet) error {
	data, err := protocol.EncodePacket(pkt)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.Err()
	default:
	}
	if err := protocol.WriteFrame(c.conn, data, c.cfg.MaxBytes); err != nil {
		c.closeWith(fmt.Errorf("rpc: write failed: %w", err))
		return err
	}
	return nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// abandon moves a still-pending call into the abandoned set. If the response
// already arrived there is nothing to remember.
func (c *Conn) abandon(id uint64) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.abandoned[id] = struct{}{}
	}
	c.mu.Unlock()
}

// closeWith records the terminal error, closes the socket, fails every
// pending call, and cancels every in-flight incoming request. Only the first
// caller's error sticks.
func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint64]chan *protocol.Response)
	c.abandoned = make(map[uint64]struct{})
	inflight := c.inflight
	c.inflight = make(map[uint64]context.CancelFunc)
	close(c.closed)
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, ch := range pending {
		ch <- nil
	}
	for _, cancel := range inflight {
		cancel()
	}
}
