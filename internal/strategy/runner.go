package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/config"
	"ib-allocator/internal/instrument"
	"ib-allocator/internal/intent"
	"ib-allocator/internal/store"
)

// Runner 驱动已注册策略产出信号，按资金预算换算为整数目标仓位，
// 并把结果作为策略意图发布到文档存储。
type Runner struct {
	registry *Registry
	broker   broker.Broker
	store    *store.Store
	exposure config.ExposureConfig
	baseCcy  string
	logger   *zap.Logger
}

// NewRunner 创建策略运行器。
func NewRunner(
	registry *Registry,
	brk broker.Broker,
	st *store.Store,
	exposure config.ExposureConfig,
	baseCurrency string,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		broker:   brk,
		store:    st,
		exposure: exposure,
		baseCcy:  baseCurrency,
		logger:   logger,
	}
}

// RunAll 依次运行全部已注册策略。
// 单个策略失败不会中断其余策略，失败会以 status=error 的意图留痕，
// 下游聚合器据此把该策略从本轮目标中剔除。
func (r *Runner) RunAll(ctx context.Context) error {
	netLiq, err := r.broker.AccountValue(ctx, broker.TagNetLiquidation, r.baseCcy)
	if err != nil {
		return fmt.Errorf("strategy: 查询账户净值失败: %w", err)
	}

	for _, id := range r.registry.IDs() {
		s, _ := r.registry.Get(id)
		if err := r.runOne(ctx, s, netLiq); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, s Strategy, netLiq float64) error {
	now := time.Now().UTC()
	doc := intent.StrategyIntent{
		StrategyID: s.ID(),
		Status:     intent.StatusSuccess,
		UpdatedAt:  now,
	}

	signals, err := s.Evaluate(ctx, r.broker)
	if err != nil {
		r.logger.Error("策略信号计算失败",
			zap.String("strategy", s.ID()),
			zap.Error(err),
		)
		doc.Status = intent.StatusError
		doc.Error = err.Error()
		return r.publish(ctx, doc)
	}

	budget := netLiq * r.exposure.Overall * r.exposure.StrategyWeight(s.ID())
	doc.TargetPositions = make([]intent.TargetPosition, 0, len(signals))
	for _, sig := range signals {
		// 发布前确认为券商规范形态，目标与持仓、在途委托共用同一聚合键。
		sig.Instrument = r.qualify(ctx, s.ID(), sig.Instrument)
		qty := r.sizeSignal(ctx, s.ID(), sig, budget)
		doc.TargetPositions = append(doc.TargetPositions, intent.TargetPosition{
			Instrument: sig.Instrument,
			Quantity:   qty,
		})
	}

	r.logger.Info("策略意图已生成",
		zap.String("strategy", s.ID()),
		zap.Float64("budget", budget),
		zap.Int("targets", len(doc.TargetPositions)),
	)
	return r.publish(ctx, doc)
}

// qualify 向券商确认合约。确认失败时保留策略声明的形态并告警，
// 该合约后续下单同样会被券商拒绝，不会因此放大风险。
func (r *Runner) qualify(ctx context.Context, strategyID string, inst instrument.Instrument) instrument.Instrument {
	qualified, err := r.broker.QualifyInstrument(ctx, inst)
	if err != nil {
		r.logger.Warn("合约确认失败，保留策略声明的标识",
			zap.String("strategy", strategyID),
			zap.String("symbol", inst.Display()),
			zap.Error(err),
		)
		return inst
	}
	return qualified
}

// sizeSignal 把比例信号换算为整数股数，向零截断，绝不向上取整。
// 取不到有效价格时目标记 0 并告警，避免用陈旧或零价格放大仓位。
func (r *Runner) sizeSignal(ctx context.Context, strategyID string, sig Signal, budget float64) int64 {
	price := sig.Price
	var err error
	if price <= 0 {
		price, err = r.latestClose(ctx, sig.Instrument)
	}
	if err != nil || price <= 0 {
		r.logger.Warn("合约价格不可用，目标仓位记0",
			zap.String("strategy", strategyID),
			zap.String("symbol", sig.Instrument.Display()),
			zap.Error(err),
		)
		return 0
	}

	fx := 1.0
	if sig.Instrument.Currency != "" && sig.Instrument.Currency != r.baseCcy {
		rate, err := r.broker.ExchangeRate(ctx, sig.Instrument.Currency, r.baseCcy)
		if err != nil || rate <= 0 {
			r.logger.Warn("汇率不可用，目标仓位记0",
				zap.String("strategy", strategyID),
				zap.String("currency", sig.Instrument.Currency),
				zap.Error(err),
			)
			return 0
		}
		fx = rate
	}

	return int64(budget * sig.Weight / (price * fx))
}

func (r *Runner) latestClose(ctx context.Context, inst instrument.Instrument) (float64, error) {
	candles, err := r.broker.HistoricalCandles(ctx, inst, "1d", 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("strategy: %s 无可用K线", inst.Display())
	}
	return candles[len(candles)-1].Close, nil
}

func (r *Runner) publish(ctx context.Context, doc intent.StrategyIntent) error {
	path := intent.LatestPath(doc.StrategyID)
	if err := r.store.SetDocument(ctx, path, doc); err != nil {
		return fmt.Errorf("strategy: 发布策略意图 %s 失败: %w", doc.StrategyID, err)
	}
	return nil
}
