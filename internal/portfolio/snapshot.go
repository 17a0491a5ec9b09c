package portfolio

import (
	"time"

	"ib-allocator/internal/broker"
)

// Snapshot 为存储中的持仓快照：当前持仓与未完成委托，
// 由对账流程整体覆盖写入，分配引擎只读。
type Snapshot struct {
	UpdatedAt      time.Time          `json:"updated_at"`
	NetLiquidation float64            `json:"net_liquidation"`
	AvailableFunds float64            `json:"available_funds"`
	Holdings       []broker.Holding   `json:"holdings"`
	OpenOrders     []broker.OpenOrder `json:"open_orders"`
}

// DocumentPath 返回指定交易模式下快照的文档路径。
func DocumentPath(tradingMode string) string {
	return "positions/" + tradingMode + "/latest_portfolio"
}

// StaleAt 判断快照在给定时刻是否超出新鲜度窗口。
func (s Snapshot) StaleAt(now time.Time, window time.Duration) bool {
	if s.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(s.UpdatedAt) > window
}

// HoldingsByKey 将持仓按合约聚合键索引，同键持仓数量合并。
func (s Snapshot) HoldingsByKey() map[string]broker.Holding {
	byKey := make(map[string]broker.Holding, len(s.Holdings))
	for _, h := range s.Holdings {
		key := h.Instrument.Key()
		if existing, ok := byKey[key]; ok {
			existing.Quantity += h.Quantity
			byKey[key] = existing
			continue
		}
		byKey[key] = h
	}
	return byKey
}
