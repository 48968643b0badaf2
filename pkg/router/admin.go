package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"time"

	"javelin/pkg/protocol"
)

// AdminRequest is one line of the line-delimited JSON admin protocol.
type AdminRequest struct {
	Type string `json:"type"` // PING, STATS, SHUTDOWN
}

// AdminShardStatus is one shard's row in an admin STATS reply.
type AdminShardStatus struct {
	ShardID         protocol.ShardID  `json:"shard_id"`
	Root            string            `json:"root"`
	Connected       bool              `json:"connected"`
	WorkerID        protocol.WorkerID `json:"worker_id,omitempty"`
	ProtocolVersion uint32            `json:"protocol_version,omitempty"`
	Revision        protocol.Revision `json:"revision,omitempty"`
	IndexGeneration uint64            `json:"index_generation,omitempty"`
	SymbolCount     uint32            `json:"symbol_count,omitempty"`
}

// AdminResponse is the reply line for every admin request.
type AdminResponse struct {
	OK       bool               `json:"ok"`
	Error    string             `json:"error,omitempty"`
	Revision uint64             `json:"revision,omitempty"`
	Shards   []AdminShardStatus `json:"shards,omitempty"`
}

// serveAdmin binds the admin Unix socket and serves stats and shutdown
// requests. One request line, one response line, short-lived connections.
func (r *Router) serveAdmin(path string) error {
	if err := cleanStaleSocket(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.adminLn = ln
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("router: admin accept: %v", err)
				continue
			}
			r.wg.Add(1)
			go r.handleAdminConn(conn)
		}
	}()
	return nil
}

func (r *Router) closeAdmin() {
	r.mu.Lock()
	ln := r.adminLn
	r.adminLn = nil
	r.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (r *Router) handleAdminConn(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)
	for scanner.Scan() {
		var req AdminRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = encoder.Encode(AdminResponse{Error: "malformed request"})
			return
		}
		switch req.Type {
		case "PING":
			_ = encoder.Encode(AdminResponse{OK: true})
		case "STATS":
			_ = encoder.Encode(r.adminStats())
		case "SHUTDOWN":
			_ = encoder.Encode(AdminResponse{OK: true})
			// Shut down off the admin goroutine so the acknowledgement line
			// gets out first.
			go func() {
				_ = r.Shutdown(context.Background())
			}()
			return
		default:
			_ = encoder.Encode(AdminResponse{Error: "unknown request type " + req.Type})
		}
	}
}

func (r *Router) adminStats() AdminResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := AdminResponse{OK: true, Revision: r.revision.Load()}
	for i, slot := range r.shards {
		row := AdminShardStatus{
			ShardID: protocol.ShardID(i), //nolint:gosec // shard count is small
			Root:    slot.root,
		}
		if slot.worker != nil {
			row.Connected = true
			row.WorkerID = slot.worker.id
			row.ProtocolVersion = slot.worker.version
		}
		if slot.hasAccepted {
			row.Revision = slot.accepted.Revision
			row.IndexGeneration = slot.accepted.IndexGeneration
			row.SymbolCount = slot.accepted.SymbolCount
		}
		resp.Shards = append(resp.Shards, row)
	}
	return resp
}
