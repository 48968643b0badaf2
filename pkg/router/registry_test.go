package router_test

import (
	"os"
	"path/filepath"
	"testing"

	"javelin/pkg/protocol"
	"javelin/pkg/router"
)

func layoutOf(paths ...string) router.WorkspaceLayout {
	var layout router.WorkspaceLayout
	for _, p := range paths {
		layout.SourceRoots = append(layout.SourceRoots, router.SourceRoot{Path: p})
	}
	return layout
}

// TestShardRegistry_OrderAssignsIDs pins shard ids to layout order.
func TestShardRegistry_OrderAssignsIDs(t *testing.T) {
	reg, err := router.NewShardRegistry(layoutOf("/ws/core", "/ws/api", "/ws/tests"))
	if err != nil {
		t.Fatalf("NewShardRegistry: %v", err)
	}
	if reg.NumShards() != 3 {
		t.Fatalf("NumShards = %d, want 3", reg.NumShards())
	}
	for i, want := range []string{"/ws/core", "/ws/api", "/ws/tests"} {
		root, ok := reg.Root(protocol.ShardID(i))
		if !ok || root != want {
			t.Errorf("Root(%d) = %q, %t; want %q", i, root, ok, want)
		}
	}
	if _, ok := reg.Root(3); ok {
		t.Error("Root(3) reported a root for an unknown shard")
	}
}

// TestShardRegistry_ShardForPath_FirstAncestorWins checks that nested roots
// resolve to the earlier root in layout order.
func TestShardRegistry_ShardForPath_FirstAncestorWins(t *testing.T) {
	reg, err := router.NewShardRegistry(layoutOf("/ws/core", "/ws/core/generated"))
	if err != nil {
		t.Fatalf("NewShardRegistry: %v", err)
	}
	shard, ok := reg.ShardForPath("/ws/core/generated/Gen.java")
	if !ok || shard != 0 {
		t.Fatalf("ShardForPath = %d, %t; want shard 0 (first ancestor)", shard, ok)
	}
}

// TestShardRegistry_ShardForPath_SegmentBoundaries ensures prefix matching
// respects path segments: /ws/api2 is not inside /ws/api.
func TestShardRegistry_ShardForPath_SegmentBoundaries(t *testing.T) {
	reg, err := router.NewShardRegistry(layoutOf("/ws/api", "/ws/api2"))
	if err != nil {
		t.Fatalf("NewShardRegistry: %v", err)
	}
	cases := []struct {
		path  string
		shard int
		ok    bool
	}{
		{"/ws/api/Handler.java", 0, true},
		{"/ws/api2/Handler.java", 1, true},
		{"/ws/api", 0, true},
		{"/ws/apiX/Handler.java", 0, false},
		{"/elsewhere/Handler.java", 0, false},
	}
	for _, tc := range cases {
		shard, ok := reg.ShardForPath(tc.path)
		if ok != tc.ok || (ok && int(shard) != tc.shard) {
			t.Errorf("ShardForPath(%q) = %d, %t; want %d, %t", tc.path, shard, ok, tc.shard, tc.ok)
		}
	}
}

// TestLoadLayout_RoundTrip reads a layout file and rejects an empty one.
func TestLoadLayout_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.yaml")
	content := "source_roots:\n  - path: /ws/core\n  - path: /ws/api\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	layout, err := router.LoadLayout(path)
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if len(layout.SourceRoots) != 2 || layout.SourceRoots[1].Path != "/ws/api" {
		t.Fatalf("layout = %+v", layout)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("source_roots: []\n"), 0o600); err != nil {
		t.Fatalf("write empty layout: %v", err)
	}
	if _, err := router.LoadLayout(empty); err == nil {
		t.Fatal("LoadLayout accepted an empty layout")
	}
}
