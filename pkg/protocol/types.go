// Package protocol defines the wire protocol between the query router and its
// shard workers: length-prefixed framing, the legacy flat message family, and
// the versioned v3 request/response family negotiated at handshake.
package protocol

// ShardID identifies one partition of the workspace. Shard ids are assigned
// at router construction from the ordered source-root list and never change
// for the life of the process.
type ShardID uint32

// WorkerID identifies one accepted worker connection. Ids are unique per
// router process, not stable across reconnects.
type WorkerID uint32

// Revision is a monotonically increasing counter identifying the version of a
// shard's index after an update.
type Revision uint64

// Symbol is one indexed declaration (class, interface, enum, record).
type Symbol struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// FileText carries the full text of one source file.
type FileText struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// ShardIndex is a worker's full index for its shard. The shard_id and
// revision fields are the integrity anchor the router validates before
// accepting the payload.
type ShardIndex struct {
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	IndexGeneration uint64   `json:"index_generation"`
	Symbols         []Symbol `json:"symbols"`
}

// ShardIndexInfo is the summary form of ShardIndex returned on the legacy
// family, where the worker keeps the symbol list on its side.
type ShardIndexInfo struct {
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	IndexGeneration uint64   `json:"index_generation"`
	SymbolCount     uint32   `json:"symbol_count"`
}

// Info converts a full ShardIndex to its summary form.
func (s *ShardIndex) Info() ShardIndexInfo {
	n := len(s.Symbols)
	count := uint32(n)
	if uint64(n) > uint64(^uint32(0)) {
		count = ^uint32(0)
	}
	return ShardIndexInfo{
		ShardID:         s.ShardID,
		Revision:        s.Revision,
		IndexGeneration: s.IndexGeneration,
		SymbolCount:     count,
	}
}

// DiagnosticSeverity grades one diagnostic finding.
type DiagnosticSeverity string

// Diagnostic severities.
const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityInfo    DiagnosticSeverity = "info"
	SeverityHint    DiagnosticSeverity = "hint"
)

// Diagnostic is one finding for a single file. Line and Column are 1-based.
type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Line     uint32             `json:"line"`
	Column   uint32             `json:"column"`
	Message  string             `json:"message"`
}

// WorkerStats is a worker's self-report used for diagnostics and integrity
// checks. ShardID must match the shard whose connection it arrived on.
type WorkerStats struct {
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	IndexGeneration uint64   `json:"index_generation"`
	FileCount       uint32   `json:"file_count"`
}
