package router //nolint:testpackage // white-box: drives the accepted-state bookkeeping directly

import (
	"testing"

	"javelin/pkg/protocol"
)

// TestApplyAccepted_NeverRegresses verifies a stale index summary can never
// roll back the recorded (revision, generation) pair, no matter how late it
// lands.
func TestApplyAccepted_NeverRegresses(t *testing.T) {
	r := &Router{shards: []*shardSlot{{root: "/ws/core"}}}

	if _, ok := r.acceptedState(0); ok {
		t.Fatal("fresh shard should have no accepted state")
	}

	steps := []struct {
		name       string
		info       protocol.ShardIndexInfo
		wantAccept bool
	}{
		{
			name:       "first summary is recorded",
			info:       protocol.ShardIndexInfo{ShardID: 0, Revision: 5, IndexGeneration: 2, SymbolCount: 10},
			wantAccept: true,
		},
		{
			name:       "older revision is dropped",
			info:       protocol.ShardIndexInfo{ShardID: 0, Revision: 4, IndexGeneration: 9, SymbolCount: 99},
			wantAccept: false,
		},
		{
			name:       "same revision, same generation is dropped",
			info:       protocol.ShardIndexInfo{ShardID: 0, Revision: 5, IndexGeneration: 2, SymbolCount: 99},
			wantAccept: false,
		},
		{
			name:       "same revision, newer generation advances",
			info:       protocol.ShardIndexInfo{ShardID: 0, Revision: 5, IndexGeneration: 3, SymbolCount: 11},
			wantAccept: true,
		},
		{
			name:       "newer revision advances even with a lower generation",
			info:       protocol.ShardIndexInfo{ShardID: 0, Revision: 6, IndexGeneration: 1, SymbolCount: 12},
			wantAccept: true,
		},
	}

	var want protocol.ShardIndexInfo
	for _, step := range steps {
		r.applyAccepted(0, step.info)
		if step.wantAccept {
			want = step.info
		}
		got, ok := r.acceptedState(0)
		if !ok {
			t.Fatalf("%s: accepted state missing", step.name)
		}
		if got != want {
			t.Errorf("%s: accepted state = %+v, want %+v", step.name, got, want)
		}
	}
}
