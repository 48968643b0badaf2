package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"

	"javelin/pkg/eventlog"
)

// TestLog_RecordAndQuery verifies that recorded events come back through the
// read-only reader, newest first.
func TestLog_RecordAndQuery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	log, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ctx := context.Background()
	if err := log.Record(ctx, "spawn", 0, 0, ""); err != nil {
		t.Fatalf("Record spawn: %v", err)
	}
	if err := log.Record(ctx, "worker_connected", 0, 1, "protocol_version=3"); err != nil {
		t.Fatalf("Record worker_connected: %v", err)
	}
	if err := log.Record(ctx, "violation", 1, 2, "update_file response labeled for shard 0"); err != nil {
		t.Fatalf("Record violation: %v", err)
	}

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	events, err := reader.Query(ctx, eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != "violation" {
		t.Errorf("newest event type = %q, want violation", events[0].Type)
	}
	if events[0].ShardID != 1 || events[0].WorkerID != 2 {
		t.Errorf("violation event = shard %d worker %d, want shard 1 worker 2", events[0].ShardID, events[0].WorkerID)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("created_at was not populated")
	}
}

// TestReader_QueryFilters verifies shard, type, and limit filtering.
func TestReader_QueryFilters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	log, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := log.Record(ctx, "spawn", int64(i%2), 0, ""); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := log.Record(ctx, "shutdown", -1, 0, ""); err != nil {
		t.Fatalf("Record shutdown: %v", err)
	}

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	shard := int64(1)
	events, err := reader.Query(ctx, eventlog.QueryOpts{ShardID: &shard})
	if err != nil {
		t.Fatalf("Query shard filter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("shard filter got %d events, want 2", len(events))
	}

	events, err = reader.Query(ctx, eventlog.QueryOpts{EventType: "spawn", Limit: 3})
	if err != nil {
		t.Fatalf("Query type filter: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("type+limit filter got %d events, want 3", len(events))
	}
	for _, e := range events {
		if e.Type != "spawn" {
			t.Errorf("type filter leaked event %q", e.Type)
		}
	}
}

// TestNewReader_MissingDatabase verifies the reader refuses to create a new
// database as a side effect of a read.
func TestNewReader_MissingDatabase(t *testing.T) {
	_, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db"))
	if err == nil {
		t.Fatal("expected error for missing database")
	}
}
