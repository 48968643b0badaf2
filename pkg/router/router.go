// Package router implements the distributed query router: it shards a
// workspace across external worker processes, routes file-scoped requests to
// the owning shard, supervises worker lifecycle, and validates that every
// response is self-consistent with the shard it was addressed to.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"javelin/pkg/eventlog"
	"javelin/pkg/protocol"
)

// workerWaitTimeout bounds how long a routed call waits for the owning shard
// to come (back) up before reporting it unavailable. The caller's context can
// always cut this shorter.
const workerWaitTimeout = 20 * time.Second

// shardSlot is the per-shard connection record. All fields are guarded by the
// router mutex; the lock is never held across I/O.
type shardSlot struct {
	root string

	worker  *workerHandle // nil while the shard is down
	pending bool          // a handshake holds a reservation

	accepted    protocol.ShardIndexInfo // last validated index state
	hasAccepted bool

	waiters []chan struct{} // closed when a worker commits
}

// Router coordinates one workspace session. Safe for concurrent use.
type Router struct {
	cfg      Config
	registry *ShardRegistry
	events   *eventlog.Log // nil when event logging is disabled

	listener net.Listener
	adminLn  net.Listener

	// Admission limits, independent of per-shard bookkeeping.
	handshakeSlots chan struct{}
	connSlots      chan struct{}

	mu     sync.Mutex
	shards []*shardSlot
	closed bool

	revision   atomic.Uint64
	nextWorker atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pm           ProcessManager
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, binds the listener, and starts the accept loop and (if
// cfg.SpawnWorkers) one supervisor per shard.
func New(cfg Config, layout WorkspaceLayout) (*Router, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	registry, err := NewShardRegistry(layout)
	if err != nil {
		return nil, err
	}
	if cfg.SpawnWorkers && cfg.AuthToken == "" && cfg.Listen.Network == NetworkUnix {
		// Local spawn with no operator-configured secret: generate one and
		// hand it to workers through their environment.
		cfg.AuthToken = uuid.New().String()
	}

	var events *eventlog.Log
	if cfg.EventLogPath != "" {
		events, err = eventlog.Open(cfg.EventLogPath)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
	}

	listener, err := listen(cfg.Listen)
	if err != nil {
		if events != nil {
			_ = events.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:            cfg,
		registry:       registry,
		events:         events,
		listener:       listener,
		handshakeSlots: make(chan struct{}, cfg.MaxInflightHandshakes),
		connSlots:      make(chan struct{}, cfg.MaxWorkerConnections),
		ctx:            ctx,
		cancel:         cancel,
	}
	r.shards = make([]*shardSlot, registry.NumShards())
	for i := range r.shards {
		root, _ := registry.Root(protocol.ShardID(i))
		r.shards[i] = &shardSlot{root: root}
	}
	r.pm = newExecProcessManager(cfg, cfg.Listen.String())

	log.Printf("router: listening on %s (%d shards, spawn_workers=%t)",
		cfg.Listen, registry.NumShards(), cfg.SpawnWorkers)

	r.wg.Add(1)
	go r.acceptLoop()

	if cfg.SpawnWorkers {
		for i := 0; i < registry.NumShards(); i++ {
			r.wg.Add(1)
			go r.superviseShard(protocol.ShardID(i))
		}
	}
	if cfg.AdminSocket != "" {
		if err := r.serveAdmin(cfg.AdminSocket); err != nil {
			_ = r.Shutdown(context.Background())
			return nil, err
		}
	}
	return r, nil
}

// Registry exposes the read-only shard registry.
func (r *Router) Registry() *ShardRegistry { return r.registry }

// setProcessManager swaps the worker spawner; tests inject fakes here.
func (r *Router) setProcessManager(pm ProcessManager) { r.pm = pm }

// --- public operations ---

// UpdateFile routes a changed file to its owning shard, assigns the next
// revision, and returns the worker's validated index summary. A response
// labeled for a different shard fails the call, is never merged, and costs
// the offending worker its connection.
func (r *Router) UpdateFile(ctx context.Context, path, text string) (protocol.ShardIndexInfo, error) {
	var zero protocol.ShardIndexInfo
	shard, ok := r.registry.ShardForPath(path)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNoOwningShard, path)
	}
	h, err := r.waitForWorker(ctx, shard)
	if err != nil {
		return zero, err
	}

	rev := protocol.Revision(r.revision.Add(1))
	info, err := callUpdateFile(ctx, h, rev, protocol.FileText{Path: path, Text: text})
	if err != nil {
		return zero, fmt.Errorf("update_file shard %d: %w", shard, err)
	}
	if info.ShardID != shard {
		r.disconnectWorker(h, fmt.Sprintf("update_file response labeled for shard %d", info.ShardID))
		return zero, &ShardMismatchError{Op: "update_file", Want: shard, Reported: info.ShardID}
	}
	r.applyAccepted(shard, info)
	return info, nil
}

// WorkerStats fans GetWorkerStats out to every connected shard. A worker
// whose self-report names a different shard than its connection fails the
// whole call and is disconnected; shards with no live connection are simply
// absent from the result.
func (r *Router) WorkerStats(ctx context.Context) (map[protocol.ShardID]protocol.WorkerStats, error) {
	type result struct {
		shard protocol.ShardID
		stats protocol.WorkerStats
		err   error
	}

	handles := r.connectedWorkers()
	results := make(chan result, len(handles))
	for _, h := range handles {
		go func(h *workerHandle) {
			stats, err := callWorkerStats(ctx, h)
			if err == nil && stats.ShardID != h.shard {
				r.disconnectWorker(h, fmt.Sprintf("worker_stats self-report labeled for shard %d", stats.ShardID))
				err = &ShardMismatchError{Op: "worker_stats", Want: h.shard, Reported: stats.ShardID}
			}
			results <- result{shard: h.shard, stats: stats, err: err}
		}(h)
	}

	out := make(map[protocol.ShardID]protocol.WorkerStats, len(handles))
	var errs []error
	for range handles {
		res := <-results
		if res.err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", res.shard, res.err))
			continue
		}
		out[res.shard] = res.stats
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// SearchSymbols fans a symbol query out to every connected shard and merges
// the results deterministically (name, then path, duplicates removed).
func (r *Router) SearchSymbols(ctx context.Context, query string, limit int) ([]protocol.Symbol, error) {
	handles := r.connectedWorkers()
	type result struct {
		h     *workerHandle
		items []protocol.Symbol
		err   error
	}
	results := make(chan result, len(handles))
	for _, h := range handles {
		go func(h *workerHandle) {
			items, reported, err := callSearchSymbols(ctx, h, query, uint32(limit)) //nolint:gosec // limit is small
			if err == nil && reported != h.shard {
				r.disconnectWorker(h, fmt.Sprintf("search_symbols response labeled for shard %d", reported))
				err = &ShardMismatchError{Op: "search_symbols", Want: h.shard, Reported: reported}
			}
			results <- result{h: h, items: items, err: err}
		}(h)
	}

	var merged []protocol.Symbol
	var errs []error
	for range handles {
		res := <-results
		if res.err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", res.h.shard, res.err))
			continue
		}
		merged = append(merged, res.items...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Name != merged[j].Name {
			return merged[i].Name < merged[j].Name
		}
		return merged[i].Path < merged[j].Path
	})
	merged = dedupeSymbols(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Diagnostics asks a file's owning shard for findings on that file. It is
// best-effort by contract: an unknown path, an unavailable or legacy-family
// worker, or a failed call all yield no diagnostics rather than an error.
func (r *Router) Diagnostics(ctx context.Context, path string) []protocol.Diagnostic {
	shard, ok := r.registry.ShardForPath(path)
	if !ok {
		return nil
	}
	h, err := r.waitForWorker(ctx, shard)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("router: diagnostics dropped, shard %d unavailable: %v", shard, err)
		}
		return nil
	}
	diags, err := callDiagnostics(ctx, h, path)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("router: diagnostics for shard %d failed: %v", shard, err)
		}
		return nil
	}
	return diags
}

// IndexWorkspace loads and indexes every shard's files from disk. Used at
// session start and harmless to repeat.
func (r *Router) IndexWorkspace(ctx context.Context) error {
	for i := 0; i < r.registry.NumShards(); i++ {
		shard := protocol.ShardID(i)
		root, _ := r.registry.Root(shard)
		files, err := collectJavaFiles(root)
		if err != nil {
			return fmt.Errorf("collect files for shard %d: %w", shard, err)
		}
		h, err := r.waitForWorker(ctx, shard)
		if err != nil {
			return err
		}
		rev := protocol.Revision(r.revision.Add(1))
		info, err := callIndexShard(ctx, h, rev, files)
		if err != nil {
			return fmt.Errorf("index_shard shard %d: %w", shard, err)
		}
		if info.ShardID != shard {
			r.disconnectWorker(h, fmt.Sprintf("index_shard response labeled for shard %d", info.ShardID))
			return &ShardMismatchError{Op: "index_shard", Want: shard, Reported: info.ShardID}
		}
		r.applyAccepted(shard, info)
	}
	return nil
}

// Shutdown sends every connected worker a shutdown request, waits up to the
// acknowledgement timeout per worker, then tears down the listener and
// supervisors. Workers that do not acknowledge are not waited on. Safe to
// call multiple times.
func (r *Router) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		// Wake every waiter so blocked calls fail fast with ErrRouterClosed.
		for _, slot := range r.shards {
			for _, ch := range slot.waiters {
				close(ch)
			}
			slot.waiters = nil
		}
		r.mu.Unlock()

		r.cancel()

		var laggards []protocol.ShardID
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, h := range r.connectedWorkers() {
			wg.Add(1)
			go func(h *workerHandle) {
				defer wg.Done()
				ackCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownAckTimeout)
				defer cancel()
				if err := callShutdown(ackCtx, h); err != nil {
					mu.Lock()
					laggards = append(laggards, h.shard)
					mu.Unlock()
				}
				h.close()
			}(h)
		}
		wg.Wait()

		_ = r.listener.Close()
		r.closeAdmin()
		r.wg.Wait()

		if r.events != nil {
			r.event("shutdown", -1, 0, "")
			_ = r.events.Close()
		}
		if len(laggards) > 0 {
			log.Printf("router: %d worker(s) did not acknowledge shutdown: %v", len(laggards), laggards)
		}
		log.Printf("router: shut down")
	})
	return r.shutdownErr
}

// --- shard slot bookkeeping ---

func (r *Router) connectedWorkers() []*workerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*workerHandle, 0, len(r.shards))
	for _, slot := range r.shards {
		if slot.worker != nil {
			handles = append(handles, slot.worker)
		}
	}
	return handles
}

func (r *Router) currentWorker(shard protocol.ShardID) *workerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shards[shard].worker
}

// connectWaiter returns a channel closed the next time a worker commits for
// shard (or immediately if one is already connected or the router closes).
func (r *Router) connectWaiter(shard protocol.ShardID) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	if r.closed || r.shards[shard].worker != nil {
		close(ch)
		return ch
	}
	r.shards[shard].waiters = append(r.shards[shard].waiters, ch)
	return ch
}

// waitForWorker returns the shard's live handle, waiting a bounded time for
// one to connect.
func (r *Router) waitForWorker(ctx context.Context, shard protocol.ShardID) (*workerHandle, error) {
	deadline := time.NewTimer(workerWaitTimeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRouterClosed
		}
		if h := r.shards[shard].worker; h != nil {
			r.mu.Unlock()
			return h, nil
		}
		ch := make(chan struct{})
		r.shards[shard].waiters = append(r.shards[shard].waiters, ch)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: shard %d", ErrShardUnavailable, shard)
		}
	}
}

// commitWorker installs a handle in its shard slot (the reservation taken at
// handshake must be held) and wakes waiters.
func (r *Router) commitWorker(h *workerHandle) {
	r.mu.Lock()
	slot := r.shards[h.shard]
	slot.pending = false
	slot.worker = h
	waiters := slot.waiters
	slot.waiters = nil
	r.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// clearSlot removes h from its shard slot if it is still the current worker.
func (r *Router) clearSlot(h *workerHandle) {
	r.mu.Lock()
	slot := r.shards[h.shard]
	if slot.worker == h {
		slot.worker = nil
	}
	r.mu.Unlock()
}

// disconnectWorker severs a connection that produced inconsistent state.
// Treated like a crash: the slot clears and the supervisor restarts with
// backoff.
func (r *Router) disconnectWorker(h *workerHandle, reason string) {
	log.Printf("router: disconnecting worker %d (shard %d): %s", h.id, h.shard, reason)
	r.event("violation", int64(h.shard), int64(h.id), reason)
	h.close()
}

// applyAccepted records a validated index summary, never regressing the
// (revision, generation) pair.
func (r *Router) applyAccepted(shard protocol.ShardID, info protocol.ShardIndexInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.shards[shard]
	if slot.hasAccepted {
		cur := slot.accepted
		if info.Revision < cur.Revision ||
			(info.Revision == cur.Revision && info.IndexGeneration <= cur.IndexGeneration) {
			return
		}
	}
	slot.accepted = info
	slot.hasAccepted = true
}

// acceptedState returns the last validated index summary for shard.
func (r *Router) acceptedState(shard protocol.ShardID) (protocol.ShardIndexInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.shards[shard]
	return slot.accepted, slot.hasAccepted
}

// event records a lifecycle event when the event log is enabled. Shard -1
// means router-wide.
func (r *Router) event(typ string, shard, workerID int64, detail string) {
	if r.events == nil {
		return
	}
	if err := r.events.Record(context.Background(), typ, shard, workerID, detail); err != nil {
		log.Printf("router: event log write failed: %v", err)
	}
}

func dedupeSymbols(symbols []protocol.Symbol) []protocol.Symbol {
	out := symbols[:0]
	for i, sym := range symbols {
		if i > 0 && sym == symbols[i-1] {
			continue
		}
		out = append(out, sym)
	}
	return out
}
