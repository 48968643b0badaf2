package protocol

import (
	"encoding/json"
	"fmt"
)

// MsgType tags a legacy-family message.
type MsgType string

// Legacy message types. WorkerHello/RouterHello form the handshake and are
// the first exchange on every connection regardless of which family the
// connection ends up speaking.
const (
	MsgWorkerHello    MsgType = "WORKER_HELLO"
	MsgRouterHello    MsgType = "ROUTER_HELLO"
	MsgLoadFiles      MsgType = "LOAD_FILES"
	MsgIndexShard     MsgType = "INDEX_SHARD"
	MsgUpdateFile     MsgType = "UPDATE_FILE"
	MsgGetWorkerStats MsgType = "GET_WORKER_STATS"
	MsgSearchSymbols  MsgType = "SEARCH_SYMBOLS"
	MsgAck            MsgType = "ACK"
	MsgShardIndexInfo MsgType = "SHARD_INDEX_INFO"
	MsgWorkerStats    MsgType = "WORKER_STATS"
	MsgSymbols        MsgType = "SYMBOLS"
	MsgError          MsgType = "ERROR"
	MsgShutdown       MsgType = "SHUTDOWN"
)

// Message is the legacy flat wire message. Exactly one payload field matching
// Type is set. The legacy family allows one outstanding request per
// connection; each request type has a fixed response type (UpdateFile ->
// ShardIndexInfo, GetWorkerStats -> WorkerStats, LoadFiles -> Ack,
// IndexShard -> ShardIndexInfo, SearchSymbols -> Symbols).
type Message struct {
	Type MsgType `json:"type"`

	WorkerHello    *WorkerHelloPayload   `json:"worker_hello,omitempty"`
	RouterHello    *RouterHelloPayload   `json:"router_hello,omitempty"`
	LoadFiles      *LoadFilesPayload     `json:"load_files,omitempty"`
	IndexShard     *IndexShardPayload    `json:"index_shard,omitempty"`
	UpdateFile     *UpdateFilePayload    `json:"update_file,omitempty"`
	SearchSymbols  *SearchSymbolsPayload `json:"search_symbols,omitempty"`
	ShardIndexInfo *ShardIndexInfo       `json:"shard_index_info,omitempty"`
	WorkerStats    *WorkerStats          `json:"worker_stats,omitempty"`
	Symbols        *SymbolsPayload       `json:"symbols,omitempty"`
	Error          *ErrorPayload         `json:"error,omitempty"`
}

// LoadFilesPayload replaces the worker's file set without reindexing.
type LoadFilesPayload struct {
	Revision Revision   `json:"revision"`
	Files    []FileText `json:"files"`
}

// IndexShardPayload replaces the worker's file set and requests a full index.
type IndexShardPayload struct {
	Revision Revision   `json:"revision"`
	Files    []FileText `json:"files"`
}

// UpdateFilePayload upserts one file and requests a reindex.
type UpdateFilePayload struct {
	Revision Revision `json:"revision"`
	File     FileText `json:"file"`
}

// SearchSymbolsPayload asks the worker for its best symbol matches.
type SearchSymbolsPayload struct {
	Query string `json:"query"`
	Limit uint32 `json:"limit"`
}

// SymbolsPayload is the SearchSymbols response.
type SymbolsPayload struct {
	ShardID ShardID  `json:"shard_id"`
	Items   []Symbol `json:"items"`
}

// ErrorPayload reports a worker-side failure for the in-flight request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeMessage serializes a legacy message for framing.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("encode message: missing type")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeMessage deserializes a framed legacy payload. An unknown type is a
// protocol violation, not a silently ignored message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case MsgWorkerHello, MsgRouterHello, MsgLoadFiles, MsgIndexShard,
		MsgUpdateFile, MsgGetWorkerStats, MsgSearchSymbols, MsgAck,
		MsgShardIndexInfo, MsgWorkerStats, MsgSymbols, MsgError, MsgShutdown:
		return &msg, nil
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", msg.Type)
	}
}
