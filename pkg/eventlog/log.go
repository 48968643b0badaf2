// Package eventlog persists the router's worker-lifecycle events (spawns,
// handshakes, disconnects, protocol violations) in SQLite for diagnostics,
// and provides read-only access for the dashboard and CLI.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	shard_id   INTEGER NOT NULL DEFAULT -1,
	worker_id  INTEGER NOT NULL DEFAULT 0,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_events_shard ON events(shard_id, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
`

// Log is the write side of the event log. Safe for concurrent use; database/sql
// serializes access to the single SQLite connection.
type Log struct {
	db *sql.DB
}

// Open creates or opens the event database at path in WAL mode and ensures
// the schema exists. Parent directories are created as needed.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create event log dir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create event log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one event. Shard -1 means router-wide; workerID 0 means no
// connection was involved.
func (l *Log) Record(ctx context.Context, typ string, shardID, workerID int64, detail string) error {
	if typ == "" {
		return fmt.Errorf("record event: empty type")
	}
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (type, shard_id, worker_id, detail) VALUES (?, ?, ?, ?)",
		typ, shardID, workerID, detail,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", typ, err)
	}
	return nil
}

// Close releases the database connection. Safe to call multiple times.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
