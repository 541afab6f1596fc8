package worker

import (
	"context"
	"time"
)

// Handler 執行單一任務. For the expiry sweep it is transfer.Sweeper.Sweep:
// it returns the record kind and whether the record was deleted.
type Handler func(ctx context.Context, key string) (kind string, swept bool, err error)

// Task 代表要執行的任務
type Task struct {
	Key     string        // 記錄的存儲 key
	Timeout time.Duration // 執行超時時間, 0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	Key      string        // 任務 key
	Kind     string        // 記錄類型 (claim / transfer)
	Swept    bool          // 是否已刪除
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
