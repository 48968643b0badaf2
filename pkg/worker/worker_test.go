package worker_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"javelin/pkg/protocol"
	"javelin/pkg/rpc"
	"javelin/pkg/worker"
)

const testToken = "test-secret"

// fakeRouter accepts one worker connection and performs the router side of
// the handshake, answering with the given protocol version.
type fakeRouter struct {
	t  *testing.T
	ln net.Listener
}

func newFakeRouter(t *testing.T) *fakeRouter {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "router.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeRouter{t: t, ln: ln}
}

func (f *fakeRouter) connect() string { return "unix:" + f.ln.Addr().String() }

// acceptWorker completes the handshake and returns the raw connection plus
// the worker's hello.
func (f *fakeRouter) acceptWorker(version uint32) (net.Conn, *protocol.WorkerHelloPayload) {
	f.t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		f.t.Fatalf("accept: %v", err)
	}
	f.t.Cleanup(func() { _ = conn.Close() })

	msg := readMsg(f.t, conn)
	if msg.Type != protocol.MsgWorkerHello || msg.WorkerHello == nil {
		f.t.Fatalf("first message = %q, want worker_hello", msg.Type)
	}
	writeMsg(f.t, conn, &protocol.Message{
		Type: protocol.MsgRouterHello,
		RouterHello: &protocol.RouterHelloPayload{
			WorkerID:        1,
			ShardID:         msg.WorkerHello.ShardID,
			ProtocolVersion: version,
		},
	})
	return conn, msg.WorkerHello
}

func readMsg(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()
	data, err := protocol.ReadFrame(conn, protocol.DefaultMaxRPCBytes)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func writeMsg(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if err := protocol.WriteFrame(conn, data, protocol.DefaultMaxRPCBytes); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// TestRun_LegacyFamilyServesRequests drives a worker through the legacy
// request cycle: index, update, stats, search, shutdown.
func TestRun_LegacyFamilyServesRequests(t *testing.T) {
	router := newFakeRouter(t)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(context.Background(), worker.Options{
			Connect:           router.connect(),
			ShardID:           2,
			AuthToken:         testToken,
			SupportedVersions: []uint32{protocol.VersionLegacy},
		})
	}()

	conn, hello := router.acceptWorker(protocol.VersionLegacy)
	if hello.ShardID != 2 {
		t.Errorf("hello shard = %d, want 2", hello.ShardID)
	}
	if hello.AuthToken != testToken {
		t.Errorf("hello did not carry the auth token")
	}
	if hello.HasCachedIndex {
		t.Error("cold worker claimed a cached index")
	}

	writeMsg(t, conn, &protocol.Message{
		Type: protocol.MsgIndexShard,
		IndexShard: &protocol.IndexShardPayload{
			Revision: 1,
			Files: []protocol.FileText{
				{Path: "a/Foo.java", Text: "public class Foo {}"},
				{Path: "a/Bar.java", Text: "interface Bar {}\nenum BarKind { A }"},
			},
		},
	})
	resp := readMsg(t, conn)
	if resp.Type != protocol.MsgShardIndexInfo || resp.ShardIndexInfo == nil {
		t.Fatalf("index_shard response = %q, want shard_index_info", resp.Type)
	}
	info := resp.ShardIndexInfo
	if info.ShardID != 2 || info.Revision != 1 || info.SymbolCount != 3 {
		t.Fatalf("index info = %+v, want shard 2, revision 1, 3 symbols", info)
	}

	writeMsg(t, conn, &protocol.Message{
		Type: protocol.MsgUpdateFile,
		UpdateFile: &protocol.UpdateFilePayload{
			Revision: 2,
			File:     protocol.FileText{Path: "a/Baz.java", Text: "record Baz(int x) {}"},
		},
	})
	resp = readMsg(t, conn)
	if resp.ShardIndexInfo == nil || resp.ShardIndexInfo.Revision != 2 || resp.ShardIndexInfo.SymbolCount != 4 {
		t.Fatalf("update_file info = %+v, want revision 2, 4 symbols", resp.ShardIndexInfo)
	}
	if resp.ShardIndexInfo.IndexGeneration <= info.IndexGeneration {
		t.Error("index generation did not advance on update")
	}

	writeMsg(t, conn, &protocol.Message{Type: protocol.MsgGetWorkerStats})
	resp = readMsg(t, conn)
	if resp.WorkerStats == nil || resp.WorkerStats.ShardID != 2 || resp.WorkerStats.FileCount != 3 {
		t.Fatalf("worker_stats = %+v, want shard 2 with 3 files", resp.WorkerStats)
	}

	writeMsg(t, conn, &protocol.Message{
		Type:          protocol.MsgSearchSymbols,
		SearchSymbols: &protocol.SearchSymbolsPayload{Query: "bar"},
	})
	resp = readMsg(t, conn)
	if resp.Symbols == nil || resp.Symbols.ShardID != 2 {
		t.Fatalf("symbols response = %+v, want shard 2", resp.Symbols)
	}
	if len(resp.Symbols.Items) != 2 {
		t.Fatalf("search got %d symbols, want 2 (Bar, BarKind)", len(resp.Symbols.Items))
	}

	writeMsg(t, conn, &protocol.Message{Type: protocol.MsgShutdown})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after shutdown, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on shutdown")
	}
}

// TestRun_V3FamilyServesPipelinedRequests drives a worker over the versioned
// family using the same rpc layer the router uses.
func TestRun_V3FamilyServesPipelinedRequests(t *testing.T) {
	router := newFakeRouter(t)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(context.Background(), worker.Options{
			Connect: router.connect(),
			ShardID: 0,
		})
	}()

	conn, hello := router.acceptWorker(protocol.VersionV3)
	if len(hello.SupportedVersions) != 2 {
		t.Errorf("hello offered %v, want both families", hello.SupportedVersions)
	}
	c := rpc.New(conn, rpc.Config{Role: rpc.RoleRouter})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	resp, err := c.Call(ctx, &protocol.Request{
		Kind:     protocol.ReqIndexShard,
		Revision: 7,
		Files:    []protocol.FileText{{Path: "src/Widget.java", Text: "class Widget {}"}},
	})
	if err != nil {
		t.Fatalf("index_shard: %v", err)
	}
	if resp.Kind != protocol.RespShardIndex || resp.ShardIndex == nil {
		t.Fatalf("index_shard response kind = %q", resp.Kind)
	}
	if resp.ShardIndex.Revision != 7 || len(resp.ShardIndex.Symbols) != 1 {
		t.Fatalf("shard index = %+v, want revision 7 with 1 symbol", resp.ShardIndex)
	}

	resp, err = c.Call(ctx, &protocol.Request{Kind: protocol.ReqGetWorkerStats})
	if err != nil {
		t.Fatalf("get_worker_stats: %v", err)
	}
	if resp.Stats == nil || resp.Stats.Revision != 7 {
		t.Fatalf("stats = %+v, want revision 7", resp.Stats)
	}

	resp, err = c.Call(ctx, &protocol.Request{Kind: protocol.ReqShutdown})
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if resp.Kind != protocol.RespShutdown {
		t.Fatalf("shutdown response kind = %q", resp.Kind)
	}
	_ = c.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after shutdown, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on shutdown")
	}
}

// TestRun_V3FamilyReportsDiagnostics verifies the best-effort diagnostics
// request: findings for a known file, nothing for a path never loaded.
func TestRun_V3FamilyReportsDiagnostics(t *testing.T) {
	router := newFakeRouter(t)
	go func() {
		_ = worker.Run(context.Background(), worker.Options{
			Connect: router.connect(),
			ShardID: 0,
		})
	}()

	conn, _ := router.acceptWorker(protocol.VersionV3)
	c := rpc.New(conn, rpc.Config{Role: rpc.RoleRouter})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	if _, err := c.Call(ctx, &protocol.Request{
		Kind:     protocol.ReqIndexShard,
		Revision: 1,
		Files:    []protocol.FileText{{Path: "src/Broken.java", Text: "class Broken {"}},
	}); err != nil {
		t.Fatalf("index_shard: %v", err)
	}

	resp, err := c.Call(ctx, &protocol.Request{Kind: protocol.ReqDiagnostics, Path: "src/Broken.java"})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if resp.Kind != protocol.RespDiagnostics {
		t.Fatalf("diagnostics response kind = %q", resp.Kind)
	}
	if len(resp.Diagnostics) != 1 || resp.Diagnostics[0].Severity != protocol.SeverityError {
		t.Fatalf("diagnostics = %+v, want one error for the unclosed brace", resp.Diagnostics)
	}

	resp, err = c.Call(ctx, &protocol.Request{Kind: protocol.ReqDiagnostics, Path: "src/Unknown.java"})
	if err != nil {
		t.Fatalf("diagnostics for unknown path: %v", err)
	}
	if len(resp.Diagnostics) != 0 {
		t.Fatalf("unknown path produced diagnostics: %+v", resp.Diagnostics)
	}
}

// TestRun_AnnouncesCachedIndexAfterRestart verifies the cache round trip: a
// worker that indexed with a cache dir comes back announcing that state.
func TestRun_AnnouncesCachedIndexAfterRestart(t *testing.T) {
	cacheDir := t.TempDir()
	router := newFakeRouter(t)

	runWorker := func() chan error {
		done := make(chan error, 1)
		go func() {
			done <- worker.Run(context.Background(), worker.Options{
				Connect:  router.connect(),
				ShardID:  1,
				CacheDir: cacheDir,
			})
		}()
		return done
	}

	done := runWorker()
	conn, hello := router.acceptWorker(protocol.VersionV3)
	if hello.HasCachedIndex {
		t.Fatal("first run claimed a cached index")
	}
	c := rpc.New(conn, rpc.Config{Role: rpc.RoleRouter})
	resp, err := c.Call(context.Background(), &protocol.Request{
		Kind:     protocol.ReqIndexShard,
		Revision: 3,
		Files:    []protocol.FileText{{Path: "x/Thing.java", Text: "class Thing {}"}},
	})
	if err != nil || resp.ShardIndex == nil {
		t.Fatalf("index_shard: resp=%+v err=%v", resp, err)
	}
	if _, err := c.Call(context.Background(), &protocol.Request{Kind: protocol.ReqShutdown}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_ = c.Close()
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	notified := make(chan *protocol.Notification, 1)
	done = runWorker()
	conn, hello = router.acceptWorker(protocol.VersionV3)
	if !hello.HasCachedIndex {
		t.Fatal("restarted worker did not claim its cached index")
	}
	c = rpc.New(conn, rpc.Config{
		Role: rpc.RoleRouter,
		OnNotification: func(n *protocol.Notification) {
			select {
			case notified <- n:
			default:
			}
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	select {
	case n := <-notified:
		if n.Kind != protocol.NotifyCachedIndex || n.CachedIndex == nil {
			t.Fatalf("notification = %+v, want cached_index", n)
		}
		if n.CachedIndex.ShardID != 1 || n.CachedIndex.Revision != 3 || n.CachedIndex.SymbolCount != 1 {
			t.Fatalf("cached index = %+v, want shard 1 revision 3 with 1 symbol", n.CachedIndex)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cached_index notification")
	}

	if _, err := c.Call(context.Background(), &protocol.Request{Kind: protocol.ReqShutdown}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_ = c.Close()
	if err := <-done; err != nil {
		t.Fatalf("second run: %v", err)
	}
}

// TestRun_RefusesTokenOverPlaintextTCP verifies the insecure-transport guard
// fires before any bytes leave the process.
func TestRun_LegacyFamilyStopsOnContextCancel(t *testing.T) {
	router := newFakeRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, worker.Options{
			Connect:           router.connect(),
			ShardID:           1,
			SupportedVersions: []uint32{protocol.VersionLegacy},
		})
	}()

	// Leave the worker idle, blocked reading the next request.
	router.acceptWorker(protocol.VersionLegacy)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle legacy worker did not stop on context cancellation")
	}
}

func TestRun_RefusesTokenOverPlaintextTCP(t *testing.T) {
	err := worker.Run(context.Background(), worker.Options{
		Connect:   "tcp:127.0.0.1:1",
		ShardID:   0,
		AuthToken: "secret",
	})
	if err == nil || !strings.Contains(err.Error(), "allow-insecure") {
		t.Fatalf("err = %v, want insecure-transport refusal", err)
	}
}

// TestRun_SurfacesHandshakeRejection verifies a router error reply becomes a
// descriptive failure instead of a hang.
func TestRun_SurfacesHandshakeRejection(t *testing.T) {
	router := newFakeRouter(t)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(context.Background(), worker.Options{
			Connect: router.connect(),
			ShardID: 9,
		})
	}()

	conn, err := router.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()
	_ = readMsg(t, conn)
	writeMsg(t, conn, &protocol.Message{
		Type:  protocol.MsgError,
		Error: &protocol.ErrorPayload{Message: "unknown shard 9"},
	})

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "unknown shard 9") {
			t.Fatalf("err = %v, want rejection message", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on rejection")
	}
}
