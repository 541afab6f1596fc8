package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 涵蓋 seq 與每個 op 的 type、key、value，不含 Timestamp。
// 欄位之間以 0 位元組分隔，避免 "ab"+"c" 與 "a"+"bc" 產生相同輸入。
func CalculateChecksum(seq uint64, ops []kv.Op) uint32 {
	h := crc32.NewIEEE()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])

	sep := []byte{0}
	for _, op := range ops {
		h.Write([]byte(op.Type))
		h.Write(sep)
		h.Write([]byte(op.Key))
		h.Write(sep)
		binary.BigEndian.PutUint64(buf[:], uint64(len(op.Value)))
		h.Write(buf[:])
		h.Write(op.Value)
	}
	return h.Sum32()
}

// VerifyChecksum 驗證記錄的校驗和是否正確
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry.Seq, entry.Ops)
}
