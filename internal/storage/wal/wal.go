package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 KV 批次到日誌檔案（append-only，一批一行）
// 2. 提供重放功能以恢復 store 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// DefaultKeepRotated is how many rotated WAL files Rotate leaves on disk.
const DefaultKeepRotated = 3

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後寫入的序號
	syncOnAppend bool          // 是否每次追加都強制同步
	keepRotated  int
	closed       bool
	failed       error // 寫入失敗後檔案尾端狀態未知，拒絕後續追加
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描全部記錄取得最後的 seq 並繼續
- 最後一行不完整時截斷該行（未確認的寫入）
- 中間記錄損壞或 checksum 錯誤時回傳錯誤，不開啟
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	res, err := readEntries(path, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: scan %s: %w", path, err)
	}
	if res.Torn {
		slog.Warn("wal: dropping incomplete trailing entry", "path", path, "validBytes", res.ValidSize)
		if err := os.Truncate(path, res.ValidSize); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          res.LastSeq,
		syncOnAppend: syncOnAppend,
		keepRotated:  DefaultKeepRotated,
	}, nil
}

// Append 追加一個批次到 WAL，回傳分配的 seq
//
// 一個批次寫成一行 JSON，呼叫者必須在 Append 成功後才套用 ops。
func (w *WAL) Append(ops []kv.Op) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if w.failed != nil {
		return 0, fmt.Errorf("wal: unusable after earlier write failure: %w", w.failed)
	}

	seq := w.seq + 1
	entry := Entry{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Ops:       ops,
		Checksum:  CalculateChecksum(seq, ops),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		w.failed = err
		return 0, fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			w.failed = err
			return 0, fmt.Errorf("wal: sync seq=%d: %w", seq, err)
		}
	}

	w.seq = seq
	return seq, nil
}

// Replay 依序重放所有 WAL 記錄
//
// 驗證每個記錄的 checksum，handler 回傳錯誤時立即停止。
func (w *WAL) Replay(handler EntryHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := readEntries(w.path, handler)
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 <path>.<seq>，並開啟新的空檔案。seq 不歸零，
// 旋轉後的記錄仍大於快照的 LastSeq。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := fmt.Sprintf("%s.%020d", w.path, w.seq)
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.failed = nil

	if err := pruneRotated(w.path, w.keepRotated); err != nil {
		slog.Warn("wal: prune rotated files", "path", w.path, "error", err)
	}
	return nil
}

// AdvanceTo 確保下一個 seq 大於 seq
//
// 快照之後 WAL 可能是空的，開啟時要以快照的 LastSeq 為起點。
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// LastSeq 取得最後寫入的序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the active log file path.
func (w *WAL) Path() string {
	return w.path
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// pruneRotated 刪除較舊的旋轉檔，只保留最近 keep 個
func pruneRotated(path string, keep int) error {
	if keep < 0 {
		return nil
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return err
	}
	rotated := matches[:0]
	for _, m := range matches {
		if isRotatedName(path, m) {
			rotated = append(rotated, m)
		}
	}
	if len(rotated) <= keep {
		return nil
	}
	// zero-padded seq suffix sorts lexically
	sort.Strings(rotated)
	for _, old := range rotated[:len(rotated)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}

func isRotatedName(path, candidate string) bool {
	suffix := candidate[len(path)+1:]
	if len(suffix) != 20 {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
