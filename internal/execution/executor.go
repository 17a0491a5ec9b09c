package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
)

// Options 控制下单参数。
type Options struct {
	// OrderType 为 market 或 limit。限价单以最新收盘价作为限价。
	OrderType string
	// GraceDelay 为批量提交后等待券商侧状态传播的缓冲时长，
	// 仅用于平滑后续查询，不影响经济正确性。
	GraceDelay time.Duration
}

// Executor 将委托计划逐条提交给券商。
// 单个合约的确认或下单失败被隔离记录，不阻断其余条目。
type Executor struct {
	broker broker.Broker
	opts   Options
	logger *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(brk broker.Broker, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		broker: brk,
		opts:   opts,
		logger: logger,
	}
}

// Execute 并发提交全部计划条目，提交即回执，不等待成交确认。
func (e *Executor) Execute(ctx context.Context, entries []allocation.PlanEntry) (Result, error) {
	result := Result{
		Orders:     make([]broker.PlacedOrder, 0, len(entries)),
		ExecutedAt: time.Now().UTC(),
	}

	if len(entries) == 0 {
		return result, nil
	}

	placed := make([]*broker.PlacedOrder, len(entries))
	failures := make([]*OrderFailure, len(entries))

	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, entry := range entries {
		group.Go(func() error {
			order, err := e.submitEntry(groupCtx, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Error("计划条目执行失败",
					zap.String("symbol", entry.Instrument.Display()),
					zap.String("action", string(entry.Action)),
					zap.Int64("quantity", entry.Quantity),
					zap.Error(err),
				)
				failures[i] = &OrderFailure{
					Instrument: entry.Instrument,
					Action:     entry.Action,
					Quantity:   entry.Quantity,
					Error:      err.Error(),
				}
				return nil
			}
			placed[i] = &order
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}

	for i := range entries {
		if placed[i] != nil {
			result.Orders = append(result.Orders, *placed[i])
		}
		if failures[i] != nil {
			result.Failures = append(result.Failures, *failures[i])
		}
	}

	if e.opts.GraceDelay > 0 && len(result.Orders) > 0 {
		timer := time.NewTimer(e.opts.GraceDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	return result, nil
}

func (e *Executor) submitEntry(ctx context.Context, entry allocation.PlanEntry) (broker.PlacedOrder, error) {
	inst := entry.Instrument
	if !inst.Qualified() {
		qualified, err := e.broker.QualifyInstrument(ctx, inst)
		if err != nil {
			return broker.PlacedOrder{}, fmt.Errorf("合约确认失败: %w", err)
		}
		inst = qualified
	}

	orderType := broker.OrderTypeMarket
	limitPrice := 0.0
	if strings.EqualFold(e.opts.OrderType, "limit") {
		orderType = broker.OrderTypeLimit
		price, err := e.latestClose(ctx, inst)
		if err != nil {
			return broker.PlacedOrder{}, fmt.Errorf("获取限价失败: %w", err)
		}
		limitPrice = price
	}

	order, err := e.broker.PlaceOrder(ctx, inst, entry.Action, entry.Quantity, orderType, limitPrice)
	if err != nil {
		return broker.PlacedOrder{}, fmt.Errorf("下单失败: %w", err)
	}
	return order, nil
}

func (e *Executor) latestClose(ctx context.Context, inst instrument.Instrument) (float64, error) {
	candles, err := e.broker.HistoricalCandles(ctx, inst, "1m", 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 || candles[len(candles)-1].Close <= 0 {
		return 0, fmt.Errorf("execution: %s 无有效最新价", inst.Display())
	}
	return candles[len(candles)-1].Close, nil
}

// CancelOpenOrders 撤销全部未完成委托，返回成功撤销的数量。
// 供外部的一键平仓操作复用；对账流程不会调用该方法。
func (e *Executor) CancelOpenOrders(ctx context.Context) (int, error) {
	orders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution: 拉取未完成委托失败: %w", err)
	}

	cancelled := 0
	for _, order := range orders {
		if err := e.broker.CancelOrder(ctx, order); err != nil {
			e.logger.Warn("撤单失败",
				zap.String("order_id", order.OrderID),
				zap.String("symbol", order.Instrument.Display()),
				zap.Error(err),
			)
			continue
		}
		cancelled++
	}

	return cancelled, nil
}
