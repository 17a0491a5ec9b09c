package execution

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
)

// Simulator 为干跑执行器：不接触券商，仅把计划条目转换为模拟回执。
// 回执中的委托类型与真实执行时的配置一致，便于事后对照台账。
type Simulator struct {
	opts   Options
	logger *zap.Logger
}

// NewSimulator 创建干跑执行器。
func NewSimulator(opts Options, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{opts: opts, logger: logger}
}

// Execute 为每个条目生成 simulated=true 的回执，无任何外部副作用。
func (s *Simulator) Execute(_ context.Context, entries []allocation.PlanEntry) (Result, error) {
	result := Result{
		Orders:     make([]broker.PlacedOrder, 0, len(entries)),
		DryRun:     true,
		ExecutedAt: time.Now().UTC(),
	}

	orderType := broker.OrderTypeMarket
	if strings.EqualFold(s.opts.OrderType, "limit") {
		orderType = broker.OrderTypeLimit
	}

	for _, entry := range entries {
		result.Orders = append(result.Orders, broker.PlacedOrder{
			Instrument: entry.Instrument,
			Action:     entry.Action,
			Quantity:   entry.Quantity,
			OrderType:  orderType,
			Status:     "simulated",
			Simulated:  true,
		})
		s.logger.Info("干跑模拟委托",
			zap.String("symbol", entry.Instrument.Display()),
			zap.String("action", string(entry.Action)),
			zap.Int64("quantity", entry.Quantity),
		)
	}

	return result, nil
}
