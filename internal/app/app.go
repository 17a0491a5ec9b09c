package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/config"
	"ib-allocator/internal/instrument"
	"ib-allocator/internal/portfolio"
	"ib-allocator/internal/store"
	"ib-allocator/internal/strategy"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	broker     broker.Broker
	registry   *strategy.Registry
	runner     *strategy.Runner
	reconciler *portfolio.Reconciler
	engine     *Engine
}

// New 创建 App 实例并完成全部组件装配。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	gateway, err := broker.NewGateway(cfg.Broker, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化券商网关失败: %w", err)
	}
	return newWithBroker(cfg, logger, st, gateway)
}

func newWithBroker(cfg *config.Config, logger *zap.Logger, st *store.Store, brk broker.Broker) (*App, error) {
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		broker:   brk,
		registry: registry,
		runner: strategy.NewRunner(
			registry, brk, st,
			cfg.Exposure, cfg.Broker.BaseCurrency, logger,
		),
		reconciler: portfolio.NewReconciler(
			brk, st,
			cfg.App.TradingMode, cfg.Broker.BaseCurrency, logger,
		),
		engine: NewEngine(cfg, brk, st, logger),
	}, nil
}

// buildRegistry 按配置声明的形态构造策略合约。
// 运行器发布意图前会向券商确认为规范形态，此处的声明不直接参与聚合。
func buildRegistry(cfg *config.Config, logger *zap.Logger) (*strategy.Registry, error) {
	strategies := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, spec := range cfg.Strategies {
		currency := spec.Currency
		if currency == "" {
			currency = cfg.Broker.BaseCurrency
		}
		switch strings.ToLower(spec.Type) {
		case "macd_cross":
			risk := instrument.Stock(spec.RiskSymbol, spec.Exchange, currency)
			hedge := instrument.Stock(spec.HedgeSymbol, spec.Exchange, currency)
			strategies = append(strategies, strategy.NewMACDCross(spec.ID, risk, hedge))
		default:
			return nil, fmt.Errorf("未知策略类型: %q", spec.Type)
		}
	}
	return strategy.NewRegistry(logger, strategies...)
}

// Engine 暴露分配引擎，供触发接口使用。
func (a *App) Engine() *Engine {
	return a.engine
}

// Run 启动主循环：按调度节奏运行策略、对账与分配，直至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("分配系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("trading_mode", a.cfg.App.TradingMode),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("dry_run", a.cfg.Allocation.DryRun),
		zap.Strings("strategies", a.registry.IDs()),
	)

	if err := a.registry.Sync(ctx, a.store); err != nil {
		return err
	}

	if a.cfg.Server.Enabled {
		if err := startServer(ctx, a, a.cfg.Server.Port, a.logger); err != nil {
			return err
		}
	}

	sched := newScheduler(a, a.cfg.Scheduler, a.logger)
	sched.tick(ctx)

	ticker := time.NewTicker(a.cfg.Scheduler.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			sched.tick(ctx)
		}
	}
}

// scheduler 按间隔驱动三类周期任务：对账、策略信号与分配。
type scheduler struct {
	app    *App
	cfg    config.SchedulerConfig
	logger *zap.Logger

	lastReconcile  time.Time
	lastAllocation time.Time
}

func newScheduler(app *App, cfg config.SchedulerConfig, logger *zap.Logger) *scheduler {
	return &scheduler{app: app, cfg: cfg, logger: logger}
}

func (s *scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	allocateDue := s.lastAllocation.IsZero() || now.Sub(s.lastAllocation) >= s.cfg.AllocationInterval
	reconcileDue := allocateDue ||
		s.lastReconcile.IsZero() || now.Sub(s.lastReconcile) >= s.cfg.ReconcileInterval

	if allocateDue {
		if err := s.app.runner.RunAll(ctx); err != nil {
			s.logger.Error("策略调度失败", zap.Error(err))
			// 策略失败不阻断对账，旧意图会被新鲜度窗口过滤。
		}
	}

	if reconcileDue {
		if _, err := s.app.reconciler.Reconcile(ctx); err != nil {
			s.logger.Error("对账调度失败", zap.Error(err))
			return
		}
		s.lastReconcile = now
	}

	if allocateDue {
		if _, err := s.app.engine.Allocate(ctx, AllocateRequest{Trigger: "scheduler"}); err != nil {
			s.logger.Error("分配调度失败", zap.Error(err))
			return
		}
		s.lastAllocation = now
	}
}
