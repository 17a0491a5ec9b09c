package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/store"
)

// Reconciler 将券商的权威状态同步进存储，作为后续分配决策的唯一事实来源。
// 只读取并落库，不触发任何下单或撤单。
type Reconciler struct {
	broker       broker.Broker
	store        *store.Store
	tradingMode  string
	baseCurrency string
	logger       *zap.Logger
}

// NewReconciler 创建对账器。
func NewReconciler(brk broker.Broker, st *store.Store, tradingMode, baseCurrency string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		broker:       brk,
		store:        st,
		tradingMode:  tradingMode,
		baseCurrency: baseCurrency,
		logger:       logger,
	}
}

// Reconcile 拉取券商持仓、未完成委托与账户指标，整体覆盖持仓快照文档。
func (r *Reconciler) Reconcile(ctx context.Context) (Snapshot, error) {
	r.logger.Info("开始对账", zap.String("trading_mode", r.tradingMode))

	var (
		holdings       []broker.Holding
		openOrders     []broker.OpenOrder
		netLiquidation float64
		availableFunds float64
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := r.broker.PortfolioPositions(groupCtx)
		if err != nil {
			return fmt.Errorf("拉取持仓失败: %w", err)
		}
		holdings = data
		return nil
	})

	group.Go(func() error {
		data, err := r.broker.OpenOrders(groupCtx)
		if err != nil {
			return fmt.Errorf("拉取未完成委托失败: %w", err)
		}
		openOrders = data
		return nil
	})

	group.Go(func() error {
		value, err := r.broker.AccountValue(groupCtx, broker.TagNetLiquidation, r.baseCurrency)
		if err != nil {
			return fmt.Errorf("查询净清算价值失败: %w", err)
		}
		netLiquidation = value
		return nil
	})

	group.Go(func() error {
		value, err := r.broker.AccountValue(groupCtx, broker.TagAvailableFunds, r.baseCurrency)
		if err != nil {
			return fmt.Errorf("查询可用资金失败: %w", err)
		}
		availableFunds = value
		return nil
	})

	if err := group.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("portfolio: 对账失败: %w", err)
	}

	snapshot := Snapshot{
		UpdatedAt:      time.Now().UTC(),
		NetLiquidation: netLiquidation,
		AvailableFunds: availableFunds,
		Holdings:       holdings,
		OpenOrders:     openOrders,
	}

	if err := r.store.SetDocument(ctx, DocumentPath(r.tradingMode), snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("portfolio: 写入持仓快照失败: %w", err)
	}

	r.logger.Info("对账完成",
		zap.Int("holdings", len(snapshot.Holdings)),
		zap.Int("open_orders", len(snapshot.OpenOrders)),
		zap.Float64("net_liquidation", snapshot.NetLiquidation),
	)

	return snapshot, nil
}

// Load 读取当前持仓快照，文档缺失时返回 exists=false。
func Load(ctx context.Context, st *store.Store, tradingMode string) (Snapshot, bool, error) {
	raw, exists, err := st.GetDocument(ctx, DocumentPath(tradingMode))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("portfolio: 读取持仓快照失败: %w", err)
	}
	if !exists {
		return Snapshot{}, false, nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("portfolio: 解析持仓快照失败: %w", err)
	}
	return snapshot, true, nil
}
