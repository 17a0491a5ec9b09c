package intent

import (
	"time"

	"ib-allocator/internal/instrument"
)

// 策略意图状态。
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// TargetPosition 为策略对单个合约声明的期望绝对仓位（非增量）。
type TargetPosition struct {
	Instrument instrument.Instrument `json:"instrument"`
	Quantity   int64                 `json:"quantity"`
}

// StrategyIntent 为一个策略独立发布的期望终态。
type StrategyIntent struct {
	StrategyID      string           `json:"strategy_id"`
	Status          string           `json:"status"`
	Error           string           `json:"error,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	TargetPositions []TargetPosition `json:"target_positions"`
}

// StaleAt 判断意图在给定时刻是否超出新鲜度窗口。
func (s StrategyIntent) StaleAt(now time.Time, window time.Duration) bool {
	if s.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(s.UpdatedAt) > window
}

// StrategyConfig 为策略注册表中的配置文档。
type StrategyConfig struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// ConfigPath 返回策略配置文档路径。
func ConfigPath(strategyID string) string {
	return "strategies/" + strategyID
}

// LatestPath 返回策略最新意图文档路径。
func LatestPath(strategyID string) string {
	return "strategies/" + strategyID + "/intents/latest"
}

// Contribution 记录单个策略对聚合目标的贡献。
type Contribution struct {
	StrategyID string `json:"strategy_id"`
	Quantity   int64  `json:"quantity"`
}

// AggregatedTarget 为单个合约上全部有效策略目标之和。
type AggregatedTarget struct {
	Instrument   instrument.Instrument `json:"instrument"`
	Quantity     int64                 `json:"quantity"`
	Contributors []Contribution        `json:"contributors"`
}

// StrategySnapshot 记录聚合时刻单个策略的状态，用于审计。
type StrategySnapshot struct {
	StrategyID string    `json:"strategy_id"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	IntentRef  string    `json:"intent_ref,omitempty"`
	Targets    int       `json:"targets,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Aggregation 为一次聚合的完整结果。
type Aggregation struct {
	Snapshots map[string]StrategySnapshot `json:"strategy_snapshots"`
	Stale     []string                    `json:"stale_strategies"`
	Missing   []string                    `json:"missing_strategies"`
	Targets   map[string]AggregatedTarget `json:"aggregated_targets"`
}
