package protocol

import (
	"encoding/json"
	"fmt"
)

// PacketType tags a v3-family packet.
type PacketType string

// v3 packet types. Every Request is answered by exactly one Response with the
// same id; Notifications and Cancels carry no reply.
const (
	PacketRequest      PacketType = "request"
	PacketResponse     PacketType = "response"
	PacketNotification PacketType = "notification"
	PacketCancel       PacketType = "cancel"
)

// Request id parity: the router assigns even ids starting at 2, the worker
// odd ids starting at 1, both stepping by 2. Id 0 is reserved. A packet whose
// id has the wrong parity for its sender is a protocol violation.
const (
	FirstRouterRequestID uint64 = 2
	FirstWorkerRequestID uint64 = 1
	RequestIDStep        uint64 = 2
)

// ValidPeerRequestID reports whether an incoming request id is legal from a
// peer of the given role.
func ValidPeerRequestID(id uint64, peerIsRouter bool) bool {
	if id == 0 {
		return false
	}
	if peerIsRouter {
		return id%2 == 0
	}
	return id%2 == 1
}

// Packet is one v3 frame. Exactly one of Request/Response/Notification is set
// according to Type; Cancel packets carry only the id being cancelled.
type Packet struct {
	Type         PacketType    `json:"type"`
	ID           uint64        `json:"id,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// RequestKind tags a v3 request.
type RequestKind string

// v3 request kinds.
const (
	ReqLoadFiles      RequestKind = "load_files"
	ReqIndexShard     RequestKind = "index_shard"
	ReqUpdateFile     RequestKind = "update_file"
	ReqDiagnostics    RequestKind = "diagnostics"
	ReqGetWorkerStats RequestKind = "get_worker_stats"
	ReqSearchSymbols  RequestKind = "search_symbols"
	ReqShutdown       RequestKind = "shutdown"
)

// Request is a v3 call body.
type Request struct {
	Kind     RequestKind `json:"kind"`
	Revision Revision    `json:"revision,omitempty"`
	Files    []FileText  `json:"files,omitempty"`
	File     *FileText   `json:"file,omitempty"`
	Path     string      `json:"path,omitempty"`
	Query    string      `json:"query,omitempty"`
	Limit    uint32      `json:"limit,omitempty"`
}

// ResponseKind tags a v3 response.
type ResponseKind string

// v3 response kinds.
const (
	RespAck         ResponseKind = "ack"
	RespShardIndex  ResponseKind = "shard_index"
	RespDiagnostics ResponseKind = "diagnostics"
	RespWorkerStats ResponseKind = "worker_stats"
	RespSymbols     ResponseKind = "symbols"
	RespShutdown    ResponseKind = "shutdown"
	RespError       ResponseKind = "error"
)

// Response is a v3 reply body. RespError carries Error; the other kinds carry
// their matching payload field.
type Response struct {
	Kind        ResponseKind `json:"kind"`
	ShardIndex  *ShardIndex  `json:"shard_index,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Stats       *WorkerStats `json:"stats,omitempty"`
	Symbols     []Symbol     `json:"symbols,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// NotificationKind tags a v3 notification.
type NotificationKind string

// v3 notification kinds. CachedIndex lets a freshly connected worker announce
// index state restored from its cache without being asked.
const (
	NotifyCachedIndex NotificationKind = "cached_index"
)

// Notification is a fire-and-forget v3 message.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	CachedIndex *ShardIndexInfo  `json:"cached_index,omitempty"`
}

// EncodePacket serializes a v3 packet for framing.
func EncodePacket(pkt *Packet) ([]byte, error) {
	if pkt.Type == "" {
		return nil, fmt.Errorf("encode packet: missing type")
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("encode packet %s: %w", pkt.Type, err)
	}
	return data, nil
}

// DecodePacket deserializes a framed v3 payload and checks the type/payload
// pairing. Malformed packets are protocol violations.
func DecodePacket(data []byte) (*Packet, error) {
	var pkt Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	switch pkt.Type {
	case PacketRequest:
		if pkt.Request == nil {
			return nil, fmt.Errorf("decode packet: request without body")
		}
	case PacketResponse:
		if pkt.Response == nil {
			return nil, fmt.Errorf("decode packet: response without body")
		}
	case PacketNotification:
		if pkt.Notification == nil {
			return nil, fmt.Errorf("decode packet: notification without body")
		}
	case PacketCancel:
	default:
		return nil, fmt.Errorf("decode packet: unknown type %q", pkt.Type)
	}
	return &pkt, nil
}
