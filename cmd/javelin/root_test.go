package main

import (
	"strings"
	"testing"

	"javelin/pkg/router"
)

// TestNewRootCmd_HasExpectedSubcommands pins the CLI surface.
func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{
		"serve":    false,
		"worker":   false,
		"stats":    false,
		"events":   false,
		"shutdown": false,
	}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q is missing", name)
		}
	}
}

// TestServeCmd_RequiresLayout checks the flag validation path.
func TestServeCmd_RequiresLayout(t *testing.T) {
	cmd := newServeCmd()
	cmd.SetArgs([]string{"--listen", "unix:/tmp/never-used.sock"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--layout") {
		t.Fatalf("err = %v, want missing-layout error", err)
	}
}

// TestWriteStatsTable renders connected and vacant shards distinctly.
func TestWriteStatsTable(t *testing.T) {
	resp := router.AdminResponse{
		OK:       true,
		Revision: 42,
		Shards: []router.AdminShardStatus{
			{ShardID: 0, Root: "/ws/core", Connected: true, WorkerID: 7, ProtocolVersion: 3, Revision: 41, SymbolCount: 120},
			{ShardID: 1, Root: "/ws/api"},
		},
	}
	var sb strings.Builder
	if err := writeStatsTable(&sb, resp); err != nil {
		t.Fatalf("writeStatsTable: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "revision 42") {
		t.Errorf("missing revision header: %s", out)
	}
	if !strings.Contains(out, "/ws/core") || !strings.Contains(out, "v3") {
		t.Errorf("missing connected shard row: %s", out)
	}
	if !strings.Contains(out, "/ws/api") {
		t.Errorf("missing vacant shard row: %s", out)
	}
}
