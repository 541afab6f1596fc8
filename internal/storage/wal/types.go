package wal

import "github.com/ChuLiYu/marketplace-partner/internal/storage/kv"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// Entry is one committed KV batch. A batch is logged as a single line so a
// replay either sees all of its ops or none of them.
type Entry struct {
	Seq       uint64  `json:"seq"`       // monotonically increasing, survives rotation
	Timestamp int64   `json:"timestamp"` // Unix millisecond timestamp
	Ops       []kv.Op `json:"ops"`       // ops in apply order
	Checksum  uint32  `json:"checksum"`  // CRC32 over seq + ops
}

// EntryHandler is called once per entry during Replay, in log order.
type EntryHandler func(entry Entry) error
