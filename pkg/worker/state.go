package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"javelin/pkg/protocol"
)

// state is the worker's shard-local index. All request handling funnels
// through the mutex; v3 pipelining is concurrency at the transport, not in
// the index.
type state struct {
	shard    protocol.ShardID
	cacheDir string

	mu         sync.Mutex
	revision   protocol.Revision
	generation uint64
	files      map[string]string
	symbols    []protocol.Symbol

	shutdownOnce      sync.Once
	shutdownRequested chan struct{}
}

func newState(shard protocol.ShardID, cacheDir string) *state {
	return &state{
		shard:             shard,
		cacheDir:          cacheDir,
		files:             make(map[string]string),
		shutdownRequested: make(chan struct{}),
	}
}

// handleRequest serves one v3 request.
func (st *state) handleRequest(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	switch req.Kind {
	case protocol.ReqLoadFiles:
		st.loadFiles(req.Revision, req.Files)
		return &protocol.Response{Kind: protocol.RespAck}, nil

	case protocol.ReqIndexShard:
		st.loadFiles(req.Revision, req.Files)
		idx := st.reindex(req.Revision)
		return &protocol.Response{Kind: protocol.RespShardIndex, ShardIndex: &idx}, nil

	case protocol.ReqUpdateFile:
		if req.File == nil {
			return nil, fmt.Errorf("update_file without file")
		}
		st.upsertFile(*req.File)
		idx := st.reindex(req.Revision)
		return &protocol.Response{Kind: protocol.RespShardIndex, ShardIndex: &idx}, nil

	case protocol.ReqDiagnostics:
		return &protocol.Response{
			Kind:        protocol.RespDiagnostics,
			Diagnostics: st.diagnostics(req.Path),
		}, nil

	case protocol.ReqGetWorkerStats:
		stats := st.stats()
		return &protocol.Response{Kind: protocol.RespWorkerStats, Stats: &stats}, nil

	case protocol.ReqSearchSymbols:
		return &protocol.Response{
			Kind:    protocol.RespSymbols,
			Symbols: st.search(req.Query, req.Limit),
		}, nil

	case protocol.ReqShutdown:
		st.shutdownOnce.Do(func() { close(st.shutdownRequested) })
		return &protocol.Response{Kind: protocol.RespShutdown}, nil

	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

// handleLegacy serves one legacy request. Responses carry index summaries;
// the symbol list stays worker-side on this family.
func (st *state) handleLegacy(msg *protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.MsgLoadFiles:
		if msg.LoadFiles == nil {
			return legacyError("load_files without payload")
		}
		st.loadFiles(msg.LoadFiles.Revision, msg.LoadFiles.Files)
		return &protocol.Message{Type: protocol.MsgAck}

	case protocol.MsgIndexShard:
		if msg.IndexShard == nil {
			return legacyError("index_shard without payload")
		}
		st.loadFiles(msg.IndexShard.Revision, msg.IndexShard.Files)
		idx := st.reindex(msg.IndexShard.Revision)
		info := idx.Info()
		return &protocol.Message{Type: protocol.MsgShardIndexInfo, ShardIndexInfo: &info}

	case protocol.MsgUpdateFile:
		if msg.UpdateFile == nil {
			return legacyError("update_file without payload")
		}
		st.upsertFile(msg.UpdateFile.File)
		idx := st.reindex(msg.UpdateFile.Revision)
		info := idx.Info()
		return &protocol.Message{Type: protocol.MsgShardIndexInfo, ShardIndexInfo: &info}

	case protocol.MsgGetWorkerStats:
		stats := st.stats()
		return &protocol.Message{Type: protocol.MsgWorkerStats, WorkerStats: &stats}

	case protocol.MsgSearchSymbols:
		if msg.SearchSymbols == nil {
			return legacyError("search_symbols without payload")
		}
		return &protocol.Message{
			Type: protocol.MsgSymbols,
			Symbols: &protocol.SymbolsPayload{
				ShardID: st.shard,
				Items:   st.search(msg.SearchSymbols.Query, msg.SearchSymbols.Limit),
			},
		}

	default:
		return legacyError(fmt.Sprintf("unexpected request type %q", msg.Type))
	}
}

func legacyError(message string) *protocol.Message {
	return &protocol.Message{
		Type:  protocol.MsgError,
		Error: &protocol.ErrorPayload{Message: message},
	}
}

func (st *state) loadFiles(rev protocol.Revision, files []protocol.FileText) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.files = make(map[string]string, len(files))
	for _, f := range files {
		st.files[f.Path] = f.Text
	}
	if rev > st.revision {
		st.revision = rev
	}
}

func (st *state) upsertFile(file protocol.FileText) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.files[file.Path] = file.Text
}

// reindex rebuilds the symbol table from the current file set, bumps the
// generation, and persists the cache.
func (st *state) reindex(rev protocol.Revision) protocol.ShardIndex {
	st.mu.Lock()
	defer st.mu.Unlock()

	var symbols []protocol.Symbol
	for path, text := range st.files {
		symbols = append(symbols, extractSymbols(path, text)...)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Name != symbols[j].Name {
			return symbols[i].Name < symbols[j].Name
		}
		return symbols[i].Path < symbols[j].Path
	})

	if rev > st.revision {
		st.revision = rev
	}
	st.generation++
	st.symbols = symbols

	idx := protocol.ShardIndex{
		ShardID:         st.shard,
		Revision:        st.revision,
		IndexGeneration: st.generation,
		Symbols:         symbols,
	}
	st.saveCacheLocked()
	return idx
}

func (st *state) stats() protocol.WorkerStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return protocol.WorkerStats{
		ShardID:         st.shard,
		Revision:        st.revision,
		IndexGeneration: st.generation,
		FileCount:       uint32(len(st.files)), //nolint:gosec // file counts are small
	}
}

// diagnostics returns findings for one file. A path this worker has never
// seen yields none; diagnostics are best-effort by contract.
func (st *state) diagnostics(path string) []protocol.Diagnostic {
	st.mu.Lock()
	text, ok := st.files[path]
	st.mu.Unlock()
	if !ok {
		return nil
	}
	return checkBalance(text)
}

// search returns symbols whose name contains query, case-insensitively.
func (st *state) search(query string, limit uint32) []protocol.Symbol {
	st.mu.Lock()
	defer st.mu.Unlock()

	needle := strings.ToLower(query)
	var out []protocol.Symbol
	for _, sym := range st.symbols {
		if needle != "" && !strings.Contains(strings.ToLower(sym.Name), needle) {
			continue
		}
		out = append(out, sym)
		if limit > 0 && uint32(len(out)) >= limit {
			break
		}
	}
	return out
}
