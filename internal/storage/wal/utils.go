package wal

// ============================================================================
// WAL 工具函式
// 職責：掃描、統計與輸出 WAL 內容
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// scanResult summarises one pass over a WAL file.
type scanResult struct {
	Count     int
	FirstSeq  uint64
	LastSeq   uint64
	ValidSize int64 // bytes up to and including the last complete entry
	Torn      bool  // the final line was incomplete
}

// readEntries 逐行讀取 WAL 檔案
//
// 規則：
//   - 最後一行若不完整（缺換行或 JSON 無法解析），視為未確認的寫入，標記 Torn 並停止
//   - 其他位置的 JSON 錯誤回傳 CorruptionError
//   - 任何位置的 checksum 錯誤回傳 ChecksumError
//   - seq 必須嚴格遞增
//
// 檔案不存在時回傳空結果。fn 可為 nil。
func readEntries(path string, fn func(Entry) error) (scanResult, error) {
	var res scanResult

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, readErr
		}
		if len(raw) == 0 {
			return res, nil
		}
		line++

		complete := raw[len(raw)-1] == '\n'
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			offset += int64(len(raw))
			if complete {
				res.ValidSize = offset
			}
			if readErr != nil {
				return res, nil
			}
			continue
		}

		var entry Entry
		decodeErr := json.Unmarshal(trimmed, &entry)
		if !complete || decodeErr != nil {
			if isLast(reader, readErr) {
				res.Torn = true
				return res, nil
			}
			if decodeErr == nil {
				decodeErr = errors.New("missing line terminator")
			}
			return res, &CorruptionError{Line: line, Offset: offset, Cause: decodeErr}
		}

		if !VerifyChecksum(entry) {
			return res, &ChecksumError{
				Seq:      entry.Seq,
				Expected: CalculateChecksum(entry.Seq, entry.Ops),
				Actual:   entry.Checksum,
			}
		}
		if res.Count > 0 && entry.Seq <= res.LastSeq {
			return res, fmt.Errorf("%w: seq %d after %d at line %d", ErrOutOfOrder, entry.Seq, res.LastSeq, line)
		}

		if fn != nil {
			if err := fn(entry); err != nil {
				return res, err
			}
		}

		if res.Count == 0 {
			res.FirstSeq = entry.Seq
		}
		res.Count++
		res.LastSeq = entry.Seq
		offset += int64(len(raw))
		res.ValidSize = offset

		if readErr != nil {
			return res, nil
		}
	}
}

// isLast reports whether nothing but whitespace follows the current line.
func isLast(reader *bufio.Reader, readErr error) bool {
	if readErr != nil {
		return true
	}
	rest, err := io.ReadAll(reader)
	if err != nil {
		return false
	}
	return len(bytes.TrimSpace(rest)) == 0
}

// GetLastEntry 從 WAL 檔案讀取最後一個完整記錄
//
// 檔案為空或不存在時回傳 ErrEmptyWAL。
func GetLastEntry(path string) (*Entry, error) {
	var last *Entry
	_, err := readEntries(path, func(e Entry) error {
		entry := e
		last = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEntries 計算 WAL 中的完整記錄總數
func CountEntries(path string) (int, error) {
	res, err := readEntries(path, nil)
	return res.Count, err
}

// Stats WAL 統計資訊
type Stats struct {
	Entries   int               `json:"entries"`
	FirstSeq  uint64            `json:"firstSeq"`
	LastSeq   uint64            `json:"lastSeq"`
	Ops       map[kv.OpType]int `json:"ops"`
	TimeRange [2]int64          `json:"timeRange"` // [earliest, latest] Unix ms
	TornTail  bool              `json:"tornTail"`
}

// GetStats 掃描整個 WAL 並收集統計資料
//
// 檔案損壞時回傳錯誤，僅最後一行不完整時以 TornTail 標示。
func GetStats(path string) (*Stats, error) {
	stats := &Stats{Ops: make(map[kv.OpType]int)}
	res, err := readEntries(path, func(e Entry) error {
		for _, op := range e.Ops {
			stats.Ops[op.Type]++
		}
		if stats.TimeRange[0] == 0 || e.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = e.Timestamp
		}
		if e.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = e.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Entries = res.Count
	stats.FirstSeq = res.FirstSeq
	stats.LastSeq = res.LastSeq
	stats.TornTail = res.Torn
	return stats, nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] 2024-01-01T00:00:00Z set claim:c1 (84 bytes)
func DumpWAL(path string, w io.Writer) error {
	_, err := readEntries(path, func(e Entry) error {
		at := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		for _, op := range e.Ops {
			if _, err := fmt.Fprintf(w, "[seq:%d] %s %s %s (%d bytes)\n",
				e.Seq, at, op.Type, op.Key, len(op.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
