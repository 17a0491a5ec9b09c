package execution

import (
	"context"
	"time"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
)

// OrderFailure 记录单个计划条目的执行失败，不影响其余条目。
type OrderFailure struct {
	Instrument instrument.Instrument `json:"instrument"`
	Action     broker.OrderAction    `json:"action"`
	Quantity   int64                 `json:"quantity"`
	Error      string                `json:"error"`
}

// Result 为一次计划执行的结果摘要。
type Result struct {
	Orders     []broker.PlacedOrder `json:"orders"`
	Failures   []OrderFailure       `json:"failures,omitempty"`
	DryRun     bool                 `json:"dry_run"`
	ExecutedAt time.Time            `json:"executed_at"`
}

// Trader 抽象执行器接口，方便在真实下单与干跑之间切换。
type Trader interface {
	Execute(ctx context.Context, entries []allocation.PlanEntry) (Result, error)
}

var (
	_ Trader = (*Executor)(nil)
	_ Trader = (*Simulator)(nil)
)
