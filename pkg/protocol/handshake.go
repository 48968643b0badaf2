package protocol

import "fmt"

// Protocol family versions. A connection's family is fixed at handshake: the
// first frame is always a legacy-encoded WorkerHello carrying the worker's
// supported versions; the router replies with the highest version both sides
// support and the connection speaks only that family afterwards.
const (
	VersionLegacy uint32 = 2
	VersionV3     uint32 = 3
)

// SupportedVersions lists every version this build can speak, newest last.
var SupportedVersions = []uint32{VersionLegacy, VersionV3}

// ChooseCommonVersion returns the highest version present in both lists.
func ChooseCommonVersion(ours, theirs []uint32) (uint32, bool) {
	best := uint32(0)
	found := false
	for _, v := range ours {
		for _, w := range theirs {
			if v == w && (!found || v > best) {
				best = v
				found = true
			}
		}
	}
	return best, found
}

// Capabilities are negotiated alongside the version on v3 connections. The
// effective value of each field is the weaker of the two sides'.
type Capabilities struct {
	MaxFrameBytes uint32   `json:"max_frame_bytes"`
	Compression   []string `json:"compression,omitempty"`
}

// Intersect returns the capabilities both sides can honor: the smaller frame
// bound and the common compression codecs, preserving the receiver's order.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	out := Capabilities{MaxFrameBytes: c.MaxFrameBytes}
	if other.MaxFrameBytes < out.MaxFrameBytes {
		out.MaxFrameBytes = other.MaxFrameBytes
	}
	for _, name := range c.Compression {
		for _, theirs := range other.Compression {
			if name == theirs {
				out.Compression = append(out.Compression, name)
				break
			}
		}
	}
	return out
}

// WorkerHelloPayload is the first message on every worker connection. The
// auth token is compared constant-time by the router and must never appear in
// logs; String redacts it.
type WorkerHelloPayload struct {
	ShardID           ShardID      `json:"shard_id"`
	AuthToken         string       `json:"auth_token,omitempty"`
	SupportedVersions []uint32     `json:"supported_versions"`
	Capabilities      Capabilities `json:"capabilities"`
	HasCachedIndex    bool         `json:"has_cached_index"`
	WorkerBuild       string       `json:"worker_build,omitempty"`
}

func (p WorkerHelloPayload) String() string {
	auth := "absent"
	if p.AuthToken != "" {
		auth = "present"
	}
	return fmt.Sprintf(
		"WorkerHello{shard_id: %d, auth: %s, supported_versions: %v, has_cached_index: %t, worker_build: %q}",
		p.ShardID, auth, p.SupportedVersions, p.HasCachedIndex, p.WorkerBuild,
	)
}

// GoString matches String so %#v formatting cannot leak the token either.
func (p WorkerHelloPayload) GoString() string { return p.String() }

// RouterHelloPayload accepts a worker. ProtocolVersion is the family the
// connection will speak from here on.
type RouterHelloPayload struct {
	WorkerID        WorkerID     `json:"worker_id"`
	ShardID         ShardID      `json:"shard_id"`
	Revision        Revision     `json:"revision"`
	ProtocolVersion uint32       `json:"protocol_version"`
	Capabilities    Capabilities `json:"capabilities"`
}
