package router

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"time"

	"javelin/pkg/protocol"
	"javelin/pkg/rpc"
)

// listen binds the worker transport endpoint. The pipe scheme exists for
// Windows named pipes; on other platforms it is a configuration error rather
// than a silent fallback.
func listen(addr ListenAddr) (net.Listener, error) {
	switch addr.Network {
	case NetworkUnix:
		if err := cleanStaleSocket(addr.Addr); err != nil {
			return nil, err
		}
		return net.Listen("unix", addr.Addr)
	case NetworkTCP:
		return net.Listen("tcp", addr.Addr)
	case NetworkPipe:
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("pipe listeners require windows (got %s)", runtime.GOOS)
		}
		return nil, fmt.Errorf("pipe listeners are not built into this binary")
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", addr.Network)
	}
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("router: accept: %v", err)
			continue
		}

		// Admission before any protocol work: one slot per live connection,
		// one per in-flight handshake. A full house means an immediate close,
		// never an unbounded queue.
		select {
		case r.connSlots <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}
		select {
		case r.handshakeSlots <- struct{}{}:
		default:
			<-r.connSlots
			_ = conn.Close()
			continue
		}

		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

// handleConn runs one worker handshake and, on success, installs the
// connection in its shard slot. The handshake slot is released when the
// handshake resolves either way; the connection slot is held until the
// connection dies.
func (r *Router) handleConn(conn net.Conn) {
	defer r.wg.Done()

	committed := false
	defer func() {
		<-r.handshakeSlots
		if !committed {
			<-r.connSlots
			_ = conn.Close()
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(r.cfg.HandshakeTimeout))

	data, err := protocol.ReadFrame(conn, protocol.MaxHelloBytes)
	if err != nil {
		r.event("handshake_rejected", -1, 0, fmt.Sprintf("read hello: %v", err))
		return
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil || msg.Type != protocol.MsgWorkerHello || msg.WorkerHello == nil {
		r.rejectConn(conn, -1, "first message must be worker_hello")
		return
	}
	hello := msg.WorkerHello
	shard := hello.ShardID

	if r.cfg.AuthToken != "" &&
		subtle.ConstantTimeCompare([]byte(hello.AuthToken), []byte(r.cfg.AuthToken)) != 1 {
		// Deliberately vague: the reject reason must not confirm whether a
		// token exists, let alone what it is.
		r.rejectConn(conn, int64(shard), "unauthorized")
		return
	}
	if int(shard) >= r.registry.NumShards() {
		r.rejectConn(conn, int64(shard), fmt.Sprintf("unknown shard %d", shard))
		return
	}

	theirs := hello.SupportedVersions
	if len(theirs) == 0 {
		theirs = []uint32{protocol.VersionLegacy}
	}
	version, ok := protocol.ChooseCommonVersion(protocol.SupportedVersions, theirs)
	if !ok {
		r.rejectConn(conn, int64(shard), fmt.Sprintf("no common protocol version in %v", theirs))
		return
	}

	// Reserve the shard slot before replying. One live connection per shard;
	// a replacement is only admitted after the previous one is gone.
	r.mu.Lock()
	slot := r.shards[shard]
	if r.closed || slot.pending || slot.worker != nil {
		r.mu.Unlock()
		r.rejectConn(conn, int64(shard), fmt.Sprintf("shard %d already has a connection", shard))
		return
	}
	slot.pending = true
	r.mu.Unlock()

	unreserve := func() {
		r.mu.Lock()
		slot.pending = false
		r.mu.Unlock()
	}

	caps := r.localCapabilities().Intersect(hello.Capabilities)
	workerID := protocol.WorkerID(r.nextWorker.Add(1))
	reply := &protocol.Message{
		Type: protocol.MsgRouterHello,
		RouterHello: &protocol.RouterHelloPayload{
			WorkerID:        workerID,
			ShardID:         shard,
			Revision:        protocol.Revision(r.revision.Load()),
			ProtocolVersion: version,
			Capabilities:    caps,
		},
	}
	if err := writeLegacyMessage(conn, reply, r.cfg.MaxRPCBytes); err != nil {
		unreserve()
		r.event("handshake_rejected", int64(shard), int64(workerID), fmt.Sprintf("write router_hello: %v", err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	h := &workerHandle{
		id:      workerID,
		shard:   shard,
		version: version,
		raw:     conn,
	}
	if version == protocol.VersionV3 {
		h.v3 = rpc.New(conn, rpc.Config{
			Role:     rpc.RoleRouter,
			MaxBytes: r.cfg.MaxRPCBytes,
			OnNotification: func(n *protocol.Notification) {
				r.handleNotification(h, n)
			},
		})
	} else {
		h.legacy = newLegacyConn(conn, r.cfg.MaxRPCBytes)
	}

	committed = true
	r.commitWorker(h)
	r.event("worker_connected", int64(shard), int64(workerID),
		fmt.Sprintf("protocol_version=%d cached_index=%t", version, hello.HasCachedIndex))
	log.Printf("router: worker %d connected for shard %d (v%d)", workerID, shard, version)

	r.wg.Add(1)
	go r.watchConn(h)
}

// watchConn clears the shard slot and releases the connection slot once the
// connection dies, however it dies.
func (r *Router) watchConn(h *workerHandle) {
	defer r.wg.Done()
	<-h.done()
	h.close()
	r.clearSlot(h)
	<-r.connSlots
	r.event("worker_disconnected", int64(h.shard), int64(h.id), "")
	log.Printf("router: worker %d disconnected (shard %d)", h.id, h.shard)
}

// handleNotification processes v3 notifications; today that is only a
// worker's cached-index announcement, which gets the same shard identity
// check as any response.
func (r *Router) handleNotification(h *workerHandle, n *protocol.Notification) {
	switch n.Kind {
	case protocol.NotifyCachedIndex:
		if n.CachedIndex == nil {
			return
		}
		info := *n.CachedIndex
		if info.ShardID != h.shard {
			r.disconnectWorker(h, fmt.Sprintf("cached_index labeled for shard %d", info.ShardID))
			return
		}
		r.applyAccepted(h.shard, info)
	default:
	}
}

func (r *Router) localCapabilities() protocol.Capabilities {
	maxFrame := uint32(^uint32(0))
	if uint64(r.cfg.MaxRPCBytes) < uint64(maxFrame) {
		maxFrame = uint32(r.cfg.MaxRPCBytes) //nolint:gosec // bounded above
	}
	return protocol.Capabilities{MaxFrameBytes: maxFrame}
}

// rejectConn refuses a handshake with an explicit error and shutdown notice
// so a conforming worker exits instead of retrying forever.
func (r *Router) rejectConn(conn net.Conn, shard int64, reason string) {
	r.event("handshake_rejected", shard, 0, reason)
	log.Printf("router: rejecting connection: %s", reason)
	_ = writeLegacyMessage(conn, &protocol.Message{
		Type:  protocol.MsgError,
		Error: &protocol.ErrorPayload{Message: reason},
	}, r.cfg.MaxRPCBytes)
	_ = writeLegacyMessage(conn, &protocol.Message{Type: protocol.MsgShutdown}, r.cfg.MaxRPCBytes)
}

func writeLegacyMessage(conn net.Conn, msg *protocol.Message, maxBytes int) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, data, maxBytes)
}
