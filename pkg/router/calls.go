package router

import (
	"context"
	"fmt"

	"javelin/pkg/protocol"
)

// The call helpers below dispatch one operation over whichever family the
// handle negotiated and normalize the response shape. They do NOT validate
// the reported shard id; that policy lives with the callers in Router.

func callUpdateFile(ctx context.Context, h *workerHandle, rev protocol.Revision, file protocol.FileText) (protocol.ShardIndexInfo, error) {
	var zero protocol.ShardIndexInfo
	if h.v3 != nil {
		resp, err := h.v3.Call(ctx, &protocol.Request{
			Kind:     protocol.ReqUpdateFile,
			Revision: rev,
			File:     &file,
		})
		if err != nil {
			return zero, err
		}
		if resp.Kind != protocol.RespShardIndex || resp.ShardIndex == nil {
			return zero, fmt.Errorf("update_file: unexpected response kind %q", resp.Kind)
		}
		return resp.ShardIndex.Info(), nil
	}

	resp, err := h.legacy.roundTrip(ctx, &protocol.Message{
		Type:       protocol.MsgUpdateFile,
		UpdateFile: &protocol.UpdateFilePayload{Revision: rev, File: file},
	})
	if err != nil {
		return zero, err
	}
	if resp.Type != protocol.MsgShardIndexInfo || resp.ShardIndexInfo == nil {
		return zero, fmt.Errorf("update_file: unexpected response type %q", resp.Type)
	}
	return *resp.ShardIndexInfo, nil
}

func callIndexShard(ctx context.Context, h *workerHandle, rev protocol.Revision, files []protocol.FileText) (protocol.ShardIndexInfo, error) {
	var zero protocol.ShardIndexInfo
	if h.v3 != nil {
		resp, err := h.v3.Call(ctx, &protocol.Request{
			Kind:     protocol.ReqIndexShard,
			Revision: rev,
			Files:    files,
		})
		if err != nil {
			return zero, err
		}
		if resp.Kind != protocol.RespShardIndex || resp.ShardIndex == nil {
			return zero, fmt.Errorf("index_shard: unexpected response kind %q", resp.Kind)
		}
		return resp.ShardIndex.Info(), nil
	}

	resp, err := h.legacy.roundTrip(ctx, &protocol.Message{
		Type:       protocol.MsgIndexShard,
		IndexShard: &protocol.IndexShardPayload{Revision: rev, Files: files},
	})
	if err != nil {
		return zero, err
	}
	if resp.Type != protocol.MsgShardIndexInfo || resp.ShardIndexInfo == nil {
		return zero, fmt.Errorf("index_shard: unexpected response type %q", resp.Type)
	}
	return *resp.ShardIndexInfo, nil
}

// callDiagnostics is v3-only; the legacy family has no diagnostics message,
// so legacy workers report none.
func callDiagnostics(ctx context.Context, h *workerHandle, path string) ([]protocol.Diagnostic, error) {
	if h.v3 == nil {
		return nil, nil
	}
	resp, err := h.v3.Call(ctx, &protocol.Request{
		Kind: protocol.ReqDiagnostics,
		Path: path,
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.RespDiagnostics {
		return nil, fmt.Errorf("diagnostics: unexpected response kind %q", resp.Kind)
	}
	return resp.Diagnostics, nil
}

func callWorkerStats(ctx context.Context, h *workerHandle) (protocol.WorkerStats, error) {
	var zero protocol.WorkerStats
	if h.v3 != nil {
		resp, err := h.v3.Call(ctx, &protocol.Request{Kind: protocol.ReqGetWorkerStats})
		if err != nil {
			return zero, err
		}
		if resp.Kind != protocol.RespWorkerStats || resp.Stats == nil {
			return zero, fmt.Errorf("get_worker_stats: unexpected response kind %q", resp.Kind)
		}
		return *resp.Stats, nil
	}

	resp, err := h.legacy.roundTrip(ctx, &protocol.Message{Type: protocol.MsgGetWorkerStats})
	if err != nil {
		return zero, err
	}
	if resp.Type != protocol.MsgWorkerStats || resp.WorkerStats == nil {
		return zero, fmt.Errorf("get_worker_stats: unexpected response type %q", resp.Type)
	}
	return *resp.WorkerStats, nil
}

func callSearchSymbols(ctx context.Context, h *workerHandle, query string, limit uint32) ([]protocol.Symbol, protocol.ShardID, error) {
	if h.v3 != nil {
		resp, err := h.v3.Call(ctx, &protocol.Request{
			Kind:  protocol.ReqSearchSymbols,
			Query: query,
			Limit: limit,
		})
		if err != nil {
			return nil, 0, err
		}
		if resp.Kind != protocol.RespSymbols {
			return nil, 0, fmt.Errorf("search_symbols: unexpected response kind %q", resp.Kind)
		}
		// v3 responses are already authenticated to the connection by the
		// correlation id; the shard label rides on the handle.
		return resp.Symbols, h.shard, nil
	}

	resp, err := h.legacy.roundTrip(ctx, &protocol.Message{
		Type:          protocol.MsgSearchSymbols,
		SearchSymbols: &protocol.SearchSymbolsPayload{Query: query, Limit: limit},
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.Type != protocol.MsgSymbols || resp.Symbols == nil {
		return nil, 0, fmt.Errorf("search_symbols: unexpected response type %q", resp.Type)
	}
	return resp.Symbols.Items, resp.Symbols.ShardID, nil
}

// callShutdown asks the worker to exit cleanly. On v3 the acknowledgement is
// a RespShutdown; legacy workers get the one-way Shutdown notice and are
// considered acknowledged once it is written.
func callShutdown(ctx context.Context, h *workerHandle) error {
	if h.v3 != nil {
		resp, err := h.v3.Call(ctx, &protocol.Request{Kind: protocol.ReqShutdown})
		if err != nil {
			return err
		}
		if resp.Kind != protocol.RespShutdown {
			return fmt.Errorf("shutdown: unexpected response kind %q", resp.Kind)
		}
		return nil
	}
	h.legacy.sendShutdown()
	return nil
}
