package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ib-allocator/internal/store"
)

// Aggregator 读取各策略的意图文档并聚合为每合约的目标仓位。
// 单个策略的读取或解析失败只会使其进入 missing 列表，不影响其他策略。
type Aggregator struct {
	store  *store.Store
	logger *zap.Logger
}

// NewAggregator 创建聚合器。
func NewAggregator(st *store.Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: st, logger: logger}
}

type fetchOutcome struct {
	strategyID string
	config     *StrategyConfig
	intent     *StrategyIntent
	intentRef  string
	err        error
}

// Aggregate 聚合策略目标仓位。
// allowList 非空时只处理其中的策略且无视 enabled 标记；
// 为空时处理注册表中全部启用的策略。
func (a *Aggregator) Aggregate(ctx context.Context, allowList []string, now time.Time, window time.Duration) (Aggregation, error) {
	configs, err := a.listConfigs(ctx)
	if err != nil {
		return Aggregation{}, err
	}

	var candidates []string
	if len(allowList) > 0 {
		candidates = append(candidates, allowList...)
	} else {
		for id, cfg := range configs {
			if cfg.Enabled {
				candidates = append(candidates, id)
			}
		}
	}
	sort.Strings(candidates)

	outcomes := make([]fetchOutcome, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, id := range candidates {
		group.Go(func() error {
			outcome := a.fetchIntent(groupCtx, id, configs)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}

	// fetchIntent 不向 errgroup 传播错误，Wait 仅用于汇合。
	if err := group.Wait(); err != nil {
		return Aggregation{}, err
	}

	result := Aggregation{
		Snapshots: make(map[string]StrategySnapshot, len(candidates)),
		Stale:     []string{},
		Missing:   []string{},
		Targets:   make(map[string]AggregatedTarget),
	}

	for _, outcome := range outcomes {
		snapshot := StrategySnapshot{StrategyID: outcome.strategyID}
		if outcome.config != nil {
			snapshot.Enabled = outcome.config.Enabled
		}

		switch {
		case outcome.err != nil:
			snapshot.Error = outcome.err.Error()
			result.Missing = append(result.Missing, outcome.strategyID)
			a.logger.Warn("策略意图不可用，按缺失处理",
				zap.String("strategy", outcome.strategyID),
				zap.Error(outcome.err),
			)
		case outcome.intent == nil:
			result.Missing = append(result.Missing, outcome.strategyID)
		default:
			snapshot.Status = outcome.intent.Status
			snapshot.UpdatedAt = outcome.intent.UpdatedAt
			snapshot.IntentRef = outcome.intentRef
			snapshot.Targets = len(outcome.intent.TargetPositions)

			if outcome.intent.Status != StatusSuccess || outcome.intent.StaleAt(now, window) {
				result.Stale = append(result.Stale, outcome.strategyID)
				a.logger.Warn("策略意图过期或失败，不参与聚合",
					zap.String("strategy", outcome.strategyID),
					zap.String("status", outcome.intent.Status),
					zap.Time("updated_at", outcome.intent.UpdatedAt),
				)
				break
			}

			accumulate(result.Targets, outcome.strategyID, outcome.intent.TargetPositions)
		}

		result.Snapshots[outcome.strategyID] = snapshot
	}

	mergeAliasedTargets(result.Targets)

	sort.Strings(result.Stale)
	sort.Strings(result.Missing)
	for key, target := range result.Targets {
		sort.Slice(target.Contributors, func(i, j int) bool {
			return target.Contributors[i].StrategyID < target.Contributors[j].StrategyID
		})
		result.Targets[key] = target
	}

	return result, nil
}

func (a *Aggregator) listConfigs(ctx context.Context) (map[string]StrategyConfig, error) {
	docs, err := a.store.StreamCollection(ctx, "strategies")
	if err != nil {
		return nil, fmt.Errorf("intent: 读取策略注册表失败: %w", err)
	}

	configs := make(map[string]StrategyConfig, len(docs))
	for _, doc := range docs {
		var cfg StrategyConfig
		if err := json.Unmarshal(doc.Data, &cfg); err != nil {
			a.logger.Warn("策略配置文档损坏，跳过",
				zap.String("strategy", doc.ID),
				zap.Error(err),
			)
			continue
		}
		configs[doc.ID] = cfg
	}
	return configs, nil
}

func (a *Aggregator) fetchIntent(ctx context.Context, strategyID string, configs map[string]StrategyConfig) fetchOutcome {
	outcome := fetchOutcome{strategyID: strategyID}
	if cfg, ok := configs[strategyID]; ok {
		outcome.config = &cfg
	}

	path := LatestPath(strategyID)
	raw, exists, err := a.store.GetDocument(ctx, path)
	if err != nil {
		outcome.err = err
		return outcome
	}
	if !exists {
		return outcome
	}

	var parsed StrategyIntent
	if err := json.Unmarshal(raw, &parsed); err != nil {
		outcome.err = fmt.Errorf("解析意图文档失败: %w", err)
		return outcome
	}
	if parsed.StrategyID == "" {
		parsed.StrategyID = strategyID
	}

	outcome.intent = &parsed
	outcome.intentRef = path
	return outcome
}

// mergeAliasedTargets 把同一合约的未确认形态并入已确认条目。
// 个别策略在合约确认失败时仍按组合键发布意图，
// 若不折叠，同一合约会在净额计算里被当成两个标的。
func mergeAliasedTargets(targets map[string]AggregatedTarget) {
	for key, target := range targets {
		if target.Instrument.Qualified() {
			continue
		}
		for otherKey, other := range targets {
			if otherKey == key || !other.Instrument.Qualified() {
				continue
			}
			if !other.Instrument.SameAs(target.Instrument) {
				continue
			}
			other.Quantity += target.Quantity
			other.Contributors = append(other.Contributors, target.Contributors...)
			targets[otherKey] = other
			delete(targets, key)
			break
		}
	}
}

func accumulate(targets map[string]AggregatedTarget, strategyID string, positions []TargetPosition) {
	for _, pos := range positions {
		key := pos.Instrument.Key()
		target, ok := targets[key]
		if !ok {
			target = AggregatedTarget{Instrument: pos.Instrument}
		}
		// 已确认编号的合约信息优先保留。
		if !target.Instrument.Qualified() && pos.Instrument.Qualified() {
			target.Instrument = pos.Instrument
		}
		target.Quantity += pos.Quantity
		target.Contributors = append(target.Contributors, Contribution{
			StrategyID: strategyID,
			Quantity:   pos.Quantity,
		})
		targets[key] = target
	}
}
