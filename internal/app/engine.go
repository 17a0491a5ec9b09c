package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
	"ib-allocator/internal/config"
	"ib-allocator/internal/execution"
	"ib-allocator/internal/intent"
	"ib-allocator/internal/ledger"
	"ib-allocator/internal/portfolio"
	"ib-allocator/internal/store"
)

// AllocateRequest 描述一次分配运行的触发参数。
type AllocateRequest struct {
	// Trigger 标识触发来源：scheduler / http / close_all。
	Trigger string
	// Strategies 非空时只聚合指定策略，且无视启停标记。
	Strategies []string
	// DryRun 非 nil 时覆盖配置中的干跑开关。
	DryRun *bool
}

// Engine 为分配引擎：读取持仓快照与策略意图，计算并执行委托计划，
// 每次运行无论成败都会向执行账本追加一条记录。
type Engine struct {
	cfg        *config.Config
	broker     broker.Broker
	store      *store.Store
	aggregator *intent.Aggregator
	executor   *execution.Executor
	simulator  *execution.Simulator
	ledger     *ledger.Writer
	logger     *zap.Logger

	// 同一时刻只允许一次分配运行，防止重复下单。
	mu sync.Mutex
}

// NewEngine 创建分配引擎。
func NewEngine(
	cfg *config.Config,
	brk broker.Broker,
	st *store.Store,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	execOpts := execution.Options{
		OrderType:  cfg.Allocation.OrderType,
		GraceDelay: cfg.Allocation.GraceDelay,
	}
	return &Engine{
		cfg:        cfg,
		broker:     brk,
		store:      st,
		aggregator: intent.NewAggregator(st, logger),
		executor:   execution.NewExecutor(brk, execOpts, logger),
		simulator:  execution.NewSimulator(execOpts, logger),
		ledger:     ledger.NewWriter(st, logger),
		logger:     logger,
	}
}

// Allocate 执行一轮分配：聚合意图、计算差额、提交委托并落账。
// 返回本次运行写入账本的执行记录。
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (ledger.ExecutionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	dryRun := e.cfg.Allocation.DryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	rec := ledger.ExecutionRecord{
		ExecutedAt: now,
		Trigger:    req.Trigger,
		Status:     ledger.StatusSuccess,
		DryRun:     dryRun,
	}

	if !e.cfg.Allocation.TradingEnabled {
		rec.Status = ledger.StatusAborted
		rec.Summary = "交易开关关闭，跳过分配"
		e.logger.Warn(rec.Summary, zap.String("trigger", req.Trigger))
		return e.finish(ctx, rec, nil)
	}

	if e.cfg.Exposure.Overall <= 0 {
		rec.Status = ledger.StatusAborted
		rec.Summary = "总体敞口为0，跳过分配"
		e.logger.Warn(rec.Summary, zap.String("trigger", req.Trigger))
		return e.finish(ctx, rec, nil)
	}

	snapshot, found, err := portfolio.Load(ctx, e.store, e.cfg.App.TradingMode)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("读取持仓快照失败: %v", err)
		return e.finish(ctx, rec, err)
	}
	if !found {
		err := fmt.Errorf("app: 持仓快照缺失，需先完成对账")
		rec.Status = ledger.StatusError
		rec.Summary = err.Error()
		return e.finish(ctx, rec, err)
	}

	rec.Context.PortfolioSnapshotRef = portfolio.DocumentPath(e.cfg.App.TradingMode)
	rec.Context.PortfolioUpdatedAt = snapshot.UpdatedAt

	window := e.cfg.Allocation.FreshnessWindow()
	if snapshot.StaleAt(now, window) {
		// 快照过期只告警不中止，对账循环随后会刷新它。
		rec.Context.PortfolioStale = true
		e.logger.Warn("持仓快照超出新鲜度窗口",
			zap.Time("updated_at", snapshot.UpdatedAt),
			zap.Duration("window", window),
		)
	}

	agg, err := e.aggregator.Aggregate(ctx, req.Strategies, now, window)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("聚合策略意图失败: %v", err)
		return e.finish(ctx, rec, err)
	}
	rec.Context.StrategySnapshots = agg.Snapshots
	rec.Context.MissingStrategies = agg.Missing
	rec.Context.StaleStrategies = agg.Stale
	rec.Decision.AggregatedTargets = sortedTargets(agg.Targets)

	holdings := snapshot.HoldingsByKey()
	rec.Decision.FinalTargets = finalTargets(agg.Targets, holdings, e.cfg.Allocation.LiquidateUntargeted)

	plan := allocation.ComputePlan(
		agg.Targets,
		holdings,
		snapshot.OpenOrders,
		e.cfg.Allocation.LiquidateUntargeted,
	)
	rec.Decision.Diff = plan

	if len(plan) == 0 {
		rec.Summary = "目标与持仓一致，无需调仓"
		e.logger.Info(rec.Summary, zap.String("trigger", req.Trigger))
		return e.finish(ctx, rec, nil)
	}

	var trader execution.Trader = e.executor
	if dryRun {
		trader = e.simulator
	}

	result, err := trader.Execute(ctx, plan)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("执行委托计划失败: %v", err)
		return e.finish(ctx, rec, err)
	}

	rec.Orders = result.Orders
	rec.Failures = result.Failures
	rec.Summary = fmt.Sprintf("计划 %d 条，提交 %d 笔，失败 %d 笔",
		len(plan), len(result.Orders), len(result.Failures))

	e.logger.Info("分配运行完成",
		zap.String("trigger", req.Trigger),
		zap.Bool("dry_run", dryRun),
		zap.Int("plan", len(plan)),
		zap.Int("orders", len(result.Orders)),
		zap.Int("failures", len(result.Failures)),
	)
	return e.finish(ctx, rec, nil)
}

// CloseAll 撤销全部未完成委托并清空全部持仓，供紧急止损使用。
// 持仓直接向券商实时查询，不依赖可能过期的快照。
func (e *Engine) CloseAll(ctx context.Context) (ledger.ExecutionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	rec := ledger.ExecutionRecord{
		ExecutedAt: now,
		Trigger:    "close_all",
		Status:     ledger.StatusSuccess,
		DryRun:     false,
	}

	// 交易开关对平仓同样生效：关闭即禁止一切券商侧改动。
	if !e.cfg.Allocation.TradingEnabled {
		rec.Status = ledger.StatusAborted
		rec.Summary = "交易开关关闭，跳过平仓"
		e.logger.Warn(rec.Summary)
		return e.finish(ctx, rec, nil)
	}

	cancelled, err := e.executor.CancelOpenOrders(ctx)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("撤销未完成委托失败: %v", err)
		return e.finish(ctx, rec, err)
	}

	holdings, err := e.broker.PortfolioPositions(ctx)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("拉取券商持仓失败: %v", err)
		return e.finish(ctx, rec, err)
	}

	byKey := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		key := h.Instrument.Key()
		if existing, ok := byKey[key]; ok {
			existing.Quantity += h.Quantity
			byKey[key] = existing
			continue
		}
		byKey[key] = h
	}

	// 目标全为隐式0，所有持仓都会被平掉。
	plan := allocation.ComputePlan(nil, byKey, nil, true)
	rec.Decision.Diff = plan

	result, err := e.executor.Execute(ctx, plan)
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Summary = fmt.Sprintf("平仓执行失败: %v", err)
		return e.finish(ctx, rec, err)
	}

	rec.Orders = result.Orders
	rec.Failures = result.Failures
	rec.Summary = fmt.Sprintf("撤单 %d 笔，平仓委托 %d 笔，失败 %d 笔",
		cancelled, len(result.Orders), len(result.Failures))

	e.logger.Info("一键平仓完成",
		zap.Int("cancelled", cancelled),
		zap.Int("orders", len(result.Orders)),
		zap.Int("failures", len(result.Failures)),
	)
	return e.finish(ctx, rec, nil)
}

// finish 落账并返回。账本写入失败不吞掉原始错误。
func (e *Engine) finish(ctx context.Context, rec ledger.ExecutionRecord, runErr error) (ledger.ExecutionRecord, error) {
	if _, err := e.ledger.Record(ctx, rec); err != nil {
		e.logger.Error("执行记录写入失败", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return rec, runErr
}

// Summary 汇总当前系统状态：持仓快照、策略聚合结果与最近的执行记录。
type Summary struct {
	TradingMode      string              `json:"trading_mode"`
	Portfolio        *portfolio.Snapshot `json:"portfolio,omitempty"`
	Aggregation      *intent.Aggregation `json:"aggregation,omitempty"`
	RecentExecutions []json.RawMessage   `json:"recent_executions"`
}

// Summarize 并行汇总系统状态，供监控接口使用。
func (e *Engine) Summarize(ctx context.Context, executionLimit int) (Summary, error) {
	now := time.Now().UTC()
	summary := Summary{TradingMode: e.cfg.App.TradingMode}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		snapshot, found, err := portfolio.Load(groupCtx, e.store, e.cfg.App.TradingMode)
		if err != nil {
			return err
		}
		if found {
			summary.Portfolio = &snapshot
		}
		return nil
	})

	group.Go(func() error {
		agg, err := e.aggregator.Aggregate(groupCtx, nil, now, e.cfg.Allocation.FreshnessWindow())
		if err != nil {
			return err
		}
		summary.Aggregation = &agg
		return nil
	})

	group.Go(func() error {
		records, err := e.RecentExecutions(groupCtx, executionLimit)
		if err != nil {
			return err
		}
		summary.RecentExecutions = records
		return nil
	})

	if err := group.Wait(); err != nil {
		return Summary{}, fmt.Errorf("app: 汇总系统状态失败: %w", err)
	}
	return summary, nil
}

// RecentExecutions 返回最近的执行记录，按写入顺序从新到旧。
func (e *Engine) RecentExecutions(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	docs, err := e.store.StreamCollection(ctx, ledger.Collection)
	if err != nil {
		return nil, fmt.Errorf("app: 读取执行记录失败: %w", err)
	}

	// 文档 ID 以纳秒时间戳开头，字典序即时间序。
	records := make([]json.RawMessage, 0, limit)
	for i := len(docs) - 1; i >= 0 && len(records) < limit; i-- {
		records = append(records, docs[i].Data)
	}
	return records, nil
}

// finalTargets 为聚合目标加上清仓策略产生的隐式零目标，按合约键排序。
func finalTargets(
	targets map[string]intent.AggregatedTarget,
	holdings map[string]broker.Holding,
	liquidateUntargeted bool,
) []intent.AggregatedTarget {
	merged := make(map[string]intent.AggregatedTarget, len(targets)+len(holdings))
	for key, target := range targets {
		merged[key] = target
	}
	if liquidateUntargeted {
		for key, holding := range holdings {
			if _, ok := merged[key]; !ok {
				merged[key] = intent.AggregatedTarget{Instrument: holding.Instrument}
			}
		}
	}
	return sortedTargets(merged)
}

func sortedTargets(targets map[string]intent.AggregatedTarget) []intent.AggregatedTarget {
	keys := make([]string, 0, len(targets))
	for key := range targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]intent.AggregatedTarget, 0, len(keys))
	for _, key := range keys {
		out = append(out, targets[key])
	}
	return out
}
