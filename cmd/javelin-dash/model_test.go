package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"javelin/pkg/eventlog"
	"javelin/pkg/router"
)

// TestViewShowsConnectionStatus verifies the header reflects router health.
func TestViewShowsConnectionStatus(t *testing.T) {
	tests := []struct {
		name         string
		online       bool
		wantContains []string
	}{
		{
			name:         "unreachable router shows unreachable",
			online:       false,
			wantContains: []string{"javelin router", "unreachable"},
		},
		{
			name:         "online router shows online and revision",
			online:       true,
			wantContains: []string{"javelin router", "online", "revision 42"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel("/tmp/admin.sock", "")
			m.online = tt.online
			m.stats = router.AdminResponse{OK: true, Revision: 42}

			view := m.View()
			for _, want := range tt.wantContains {
				if !strings.Contains(view, want) {
					t.Errorf("View() missing %q, got:\n%s", want, view)
				}
			}
		})
	}
}

func TestRenderShards(t *testing.T) {
	m := newModel("/tmp/admin.sock", "")
	m.online = true
	m.stats = router.AdminResponse{
		OK: true,
		Shards: []router.AdminShardStatus{
			{ShardID: 0, Root: "/ws/core", Connected: true, WorkerID: 7, ProtocolVersion: 3, Revision: 12, SymbolCount: 340},
			{ShardID: 1, Root: "/ws/api", Connected: false},
		},
	}

	out := m.renderShards()
	for _, want := range []string{"/ws/core", "#7", "v3", "340", "/ws/api", "down"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderShards() missing %q, got:\n%s", want, out)
		}
	}
}

func TestRenderShardsEmpty(t *testing.T) {
	m := newModel("/tmp/admin.sock", "")
	if out := m.renderShards(); !strings.Contains(out, "no shards") {
		t.Errorf("renderShards() on empty stats should say so, got:\n%s", out)
	}
}

func TestRenderEvents(t *testing.T) {
	m := newModel("/tmp/admin.sock", "/tmp/events.db")
	m.events = []eventlog.Event{
		{Type: "violation", ShardID: 1, WorkerID: 3, Detail: "stats labeled for shard 0", CreatedAt: time.Now()},
		{Type: "shutdown", ShardID: -1, CreatedAt: time.Now()},
	}

	out := m.renderEvents()
	for _, want := range []string{"RECENT EVENTS", "violation", "shard 1", "router"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderEvents() missing %q, got:\n%s", want, out)
		}
	}
}

// TestUpdateStatsMsg verifies online state follows the fetch result.
func TestUpdateStatsMsg(t *testing.T) {
	m := newModel("/tmp/admin.sock", "")

	got, _ := m.Update(statsMsg(&router.AdminResponse{OK: true, Revision: 9}))
	m = got.(Model)
	if !m.online || m.stats.Revision != 9 {
		t.Errorf("Update(statsMsg) = online %t revision %d, want online with revision 9", m.online, m.stats.Revision)
	}

	got, _ = m.Update(statsMsg(nil))
	m = got.(Model)
	if m.online {
		t.Error("Update(statsMsg(nil)) should mark the router unreachable")
	}
}

func TestRobotModeOutputsJSON(t *testing.T) {
	stats := router.AdminResponse{
		OK:       true,
		Revision: 5,
		Shards: []router.AdminShardStatus{
			{ShardID: 0, Root: "/ws/core", Connected: true, WorkerID: 1},
		},
	}

	data, err := robotMode(stats)
	if err != nil {
		t.Fatalf("robotMode() error: %v", err)
	}

	var decoded router.AdminResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("robotMode() output is not valid JSON: %v", err)
	}
	if decoded.Revision != 5 || len(decoded.Shards) != 1 {
		t.Errorf("robotMode() round-trip = revision %d, %d shards; want 5 and 1", decoded.Revision, len(decoded.Shards))
	}
}

func TestWatchEventLogRequiresDatabase(t *testing.T) {
	if cmd := watchEventLog(""); cmd != nil {
		t.Error("watchEventLog(\"\") should return nil so the dashboard falls back to polling")
	}
}
