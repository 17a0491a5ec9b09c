package ledger

import (
	"time"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
	"ib-allocator/internal/execution"
	"ib-allocator/internal/intent"
)

// 执行记录状态。
const (
	StatusSuccess = "success"
	StatusAborted = "aborted"
	StatusError   = "error"
)

// RecordContext 记录决策时刻的上游状态，使记录可独立复盘。
type RecordContext struct {
	PortfolioSnapshotRef string                             `json:"portfolio_snapshot_ref,omitempty"`
	PortfolioUpdatedAt   time.Time                          `json:"portfolio_updated_at,omitempty"`
	PortfolioStale       bool                               `json:"portfolio_stale,omitempty"`
	StrategySnapshots    map[string]intent.StrategySnapshot `json:"strategy_snapshots,omitempty"`
	MissingStrategies    []string                           `json:"missing_strategies,omitempty"`
	StaleStrategies      []string                           `json:"stale_strategies,omitempty"`
}

// Decision 记录聚合目标、应用清仓策略后的最终目标与委托计划。
type Decision struct {
	AggregatedTargets []intent.AggregatedTarget `json:"aggregated_target,omitempty"`
	FinalTargets      []intent.AggregatedTarget `json:"final_target,omitempty"`
	Diff              []allocation.PlanEntry    `json:"diff,omitempty"`
}

// ExecutionRecord 为一次分配运行的完整审计文档。
// 每次运行恰好产生一条记录，写入后不再变更。
type ExecutionRecord struct {
	ExecutedAt time.Time                `json:"executed_at"`
	Trigger    string                   `json:"trigger"`
	Status     string                   `json:"status"`
	Summary    string                   `json:"summary,omitempty"`
	DryRun     bool                     `json:"dry_run"`
	Context    RecordContext            `json:"context"`
	Decision   Decision                 `json:"decision"`
	Orders     []broker.PlacedOrder     `json:"orders"`
	Failures   []execution.OrderFailure `json:"failures,omitempty"`
}
