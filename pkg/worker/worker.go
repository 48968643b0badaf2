// Package worker implements the shard worker runtime. A worker connects back
// to the router's listener, handshakes for one shard, and serves indexing and
// query requests over whichever protocol family the router selects. The same
// runtime backs the spawned `javelin worker` subcommand and in-process
// workers in tests.
package worker

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"slices"
	"strings"
	"time"

	"javelin/pkg/protocol"
	"javelin/pkg/rpc"
)

// handshakeTimeout bounds the wait for the router's hello reply.
const handshakeTimeout = 5 * time.Second

// Options configures one worker run.
type Options struct {
	// Connect is the router endpoint: "unix:<path>", "pipe:<name>", or
	// "tcp:<host:port>".
	Connect string

	// ShardID is the shard this worker serves. The router hangs up if the
	// shard is unknown or already connected.
	ShardID protocol.ShardID

	// CacheDir, if set, persists the shard index across restarts.
	CacheDir string

	// AuthToken is presented at handshake. Spawned workers receive it
	// through the environment.
	AuthToken string

	// MaxRPCBytes bounds frame payloads; 0 means the protocol default.
	MaxRPCBytes int

	// AllowInsecure permits plaintext TCP with a token or to a non-loopback
	// router.
	AllowInsecure bool

	// SupportedVersions restricts which protocol families this worker
	// offers; nil means all of them.
	SupportedVersions []uint32

	// Build is an informational version string sent in the hello.
	Build string
}

// Run connects, handshakes, and serves until ctx is cancelled, the router
// hangs up, or a shutdown request arrives. A clean shutdown returns nil.
func Run(ctx context.Context, opts Options) error {
	if opts.MaxRPCBytes <= 0 {
		opts.MaxRPCBytes = protocol.DefaultMaxRPCBytes
	}
	versions := opts.SupportedVersions
	if len(versions) == 0 {
		versions = protocol.SupportedVersions
	}

	conn, err := dial(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	st := newState(opts.ShardID, opts.CacheDir)
	cached, hasCached := st.loadCache()

	hello := &protocol.Message{
		Type: protocol.MsgWorkerHello,
		WorkerHello: &protocol.WorkerHelloPayload{
			ShardID:           opts.ShardID,
			AuthToken:         opts.AuthToken,
			SupportedVersions: versions,
			Capabilities:      protocol.Capabilities{MaxFrameBytes: frameCap(opts.MaxRPCBytes)},
			HasCachedIndex:    hasCached,
			WorkerBuild:       opts.Build,
		},
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeMessage(conn, hello, opts.MaxRPCBytes); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	reply, err := readMessage(conn, opts.MaxRPCBytes)
	if err != nil {
		return fmt.Errorf("read router hello: %w", err)
	}
	if reply.Type == protocol.MsgError && reply.Error != nil {
		return fmt.Errorf("router rejected handshake: %s", reply.Error.Message)
	}
	if reply.Type != protocol.MsgRouterHello || reply.RouterHello == nil {
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
	accept := reply.RouterHello
	if accept.ShardID != opts.ShardID {
		return fmt.Errorf("router assigned shard %d, expected %d", accept.ShardID, opts.ShardID)
	}
	if !slices.Contains(versions, accept.ProtocolVersion) {
		return fmt.Errorf("router chose unsupported protocol version %d", accept.ProtocolVersion)
	}
	_ = conn.SetDeadline(time.Time{})

	switch accept.ProtocolVersion {
	case protocol.VersionV3:
		return serveV3(ctx, conn, st, opts, cached, hasCached)
	default:
		return serveLegacy(ctx, conn, st, opts)
	}
}

// serveV3 runs the pipelined family: the rpc layer dispatches concurrent
// requests into the shard state, and a cached index is announced up front so
// the router has usable state before the first reindex.
func serveV3(ctx context.Context, conn net.Conn, st *state, opts Options, cached protocol.ShardIndexInfo, hasCached bool) error {
	c := rpc.New(conn, rpc.Config{
		Role:     rpc.RoleWorker,
		MaxBytes: opts.MaxRPCBytes,
		Handler:  st.handleRequest,
	})
	defer c.Close()

	if hasCached {
		if err := c.Notify(&protocol.Notification{
			Kind:        protocol.NotifyCachedIndex,
			CachedIndex: &cached,
		}); err != nil {
			return fmt.Errorf("announce cached index: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return nil
	case <-st.shutdownRequested:
		// The shutdown acknowledgement is already queued; the router closes
		// the connection once it reads it. Give that a bounded window.
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
		}
		return nil
	}
}

// serveLegacy runs the one-request-at-a-time family: read, dispatch, reply,
// repeat until Shutdown or disconnect.
func serveLegacy(ctx context.Context, conn net.Conn, st *state, opts Options) error {
	// A blocked read only wakes when the socket closes, so tie the socket's
	// lifetime to the context.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msg, err := readMessage(conn, opts.MaxRPCBytes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read request: %w", err)
		}
		if msg.Type == protocol.MsgShutdown {
			return nil
		}
		resp := st.handleLegacy(msg)
		if err := writeMessage(conn, resp, opts.MaxRPCBytes); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// dial connects to the router, refusing insecure TCP arrangements unless the
// operator explicitly opted in.
func dial(opts Options) (net.Conn, error) {
	network, addr, ok := strings.Cut(opts.Connect, ":")
	if !ok || addr == "" {
		return nil, fmt.Errorf("invalid connect address %q", opts.Connect)
	}
	switch network {
	case "unix":
		return net.DialTimeout("unix", addr, handshakeTimeout)
	case "tcp":
		if !opts.AllowInsecure {
			if opts.AuthToken != "" {
				return nil, fmt.Errorf("refusing to send auth token over plaintext tcp (use --allow-insecure)")
			}
			if !isLoopbackHost(addr) {
				return nil, fmt.Errorf("refusing plaintext tcp to non-loopback %s (use --allow-insecure)", addr)
			}
		}
		return net.DialTimeout("tcp", addr, handshakeTimeout)
	case "pipe":
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("pipe transport requires windows (got %s)", runtime.GOOS)
		}
		return nil, fmt.Errorf("pipe transport is not built into this binary")
	default:
		return nil, fmt.Errorf("unsupported connect scheme %q", network)
	}
}

func isLoopbackHost(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func frameCap(maxBytes int) uint32 {
	limit := uint32(^uint32(0))
	if uint64(maxBytes) < uint64(limit) {
		limit = uint32(maxBytes) //nolint:gosec // bounded above
	}
	return limit
}

func writeMessage(conn net.Conn, msg *protocol.Message, maxBytes int) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, data, maxBytes)
}

func readMessage(conn net.Conn, maxBytes int) (*protocol.Message, error) {
	data, err := protocol.ReadFrame(conn, maxBytes)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessage(data)
}
