package router

import (
	"errors"
	"fmt"

	"javelin/pkg/protocol"
)

// Sentinel errors for caller-facing operations. Callers distinguish "nobody
// owns this path" from "the owner is temporarily down" from "the owner
// answered but failed validation".
var (
	// ErrNoOwningShard means the path is outside every configured source root.
	ErrNoOwningShard = errors.New("router: no shard owns this path")

	// ErrShardUnavailable means the owning shard has no live connection.
	ErrShardUnavailable = errors.New("router: shard has no connected worker")

	// ErrRouterClosed means the router has been shut down.
	ErrRouterClosed = errors.New("router: closed")
)

// ShardMismatchError is a cross-shard poisoning rejection: a worker addressed
// as one shard answered with state labeled for another. The response is
// discarded, the call fails, and the offending connection is disconnected.
type ShardMismatchError struct {
	Op       string
	Want     protocol.ShardID
	Reported protocol.ShardID
}

func (e *ShardMismatchError) Error() string {
	return fmt.Sprintf("router: %s: worker for shard %d reported shard %d; rejecting response",
		e.Op, e.Want, e.Reported)
}
