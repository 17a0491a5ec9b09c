package strategy

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
	"ib-allocator/internal/intent"
	"ib-allocator/internal/store"
)

// Signal 为策略输出的单合约配置意愿。
// Weight 表示该合约占策略预算的比例，全部信号的权重之和不应超过 1。
// Price 为策略已知的参考价，留空（0）时由运行器自行取最新收盘价。
type Signal struct {
	Instrument instrument.Instrument
	Weight     float64
	Price      float64
}

// Strategy 抽象单个交易策略：只负责产出信号，不关心资金与下单。
type Strategy interface {
	ID() string
	Description() string
	Evaluate(ctx context.Context, brk broker.Broker) ([]Signal, error)
}

// Registry 管理进程内注册的全部策略。
type Registry struct {
	strategies map[string]Strategy
	order      []string
	logger     *zap.Logger
}

// NewRegistry 创建策略注册表。
func NewRegistry(logger *zap.Logger, strategies ...Strategy) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		strategies: make(map[string]Strategy, len(strategies)),
		logger:     logger,
	}
	for _, s := range strategies {
		if s.ID() == "" {
			return nil, fmt.Errorf("strategy: 策略 ID 不能为空")
		}
		if _, exists := r.strategies[s.ID()]; exists {
			return nil, fmt.Errorf("strategy: 策略 %s 重复注册", s.ID())
		}
		r.strategies[s.ID()] = s
		r.order = append(r.order, s.ID())
	}
	sort.Strings(r.order)
	return r, nil
}

// IDs 返回全部已注册策略 ID，按字典序排列。
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get 返回指定策略。
func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.strategies[id]
	return s, ok
}

// Sync 为每个已注册策略补齐配置文档。
// 仅在文档缺失时创建（enabled 默认 true），已有的启停状态不会被覆盖，
// 这样运维侧对单个策略的禁用在进程重启后依然生效。
func (r *Registry) Sync(ctx context.Context, st *store.Store) error {
	for _, id := range r.order {
		path := intent.ConfigPath(id)
		_, found, err := st.GetDocument(ctx, path)
		if err != nil {
			return fmt.Errorf("strategy: 读取策略配置 %s 失败: %w", id, err)
		}
		if found {
			continue
		}
		cfg := intent.StrategyConfig{
			Enabled:     true,
			Description: r.strategies[id].Description(),
		}
		if err := st.SetDocument(ctx, path, cfg); err != nil {
			return fmt.Errorf("strategy: 初始化策略配置 %s 失败: %w", id, err)
		}
		r.logger.Info("策略配置已初始化", zap.String("strategy", id))
	}
	return nil
}
