package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/store"
)

// Collection 为执行记录集合名。
const Collection = "executions"

// Writer 将执行记录追加写入文档存储。
// 记录只增不改：每条记录写入新文档，失败的运行同样留痕。
type Writer struct {
	store  *store.Store
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewWriter 创建执行记录写入器。
func NewWriter(st *store.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: st, logger: logger}
}

// Record 追加一条执行记录，返回写入的文档路径。
// 文档 ID 由执行时间与进程内序号组成，同一纳秒内的并发写入也不会互相覆盖。
func (w *Writer) Record(ctx context.Context, rec ExecutionRecord) (string, error) {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	if rec.Orders == nil {
		rec.Orders = []broker.PlacedOrder{}
	}

	id := fmt.Sprintf("%d-%04d", rec.ExecutedAt.UnixNano(), w.seq.Add(1)%10000)
	path := Collection + "/" + id

	if err := w.store.SetDocument(ctx, path, rec); err != nil {
		return "", fmt.Errorf("ledger: 写入执行记录失败: %w", err)
	}

	w.logger.Info("执行记录已写入",
		zap.String("path", path),
		zap.String("status", rec.Status),
		zap.String("trigger", rec.Trigger),
		zap.Bool("dry_run", rec.DryRun),
		zap.Int("orders", len(rec.Orders)),
		zap.Int("failures", len(rec.Failures)),
	)
	return path, nil
}
