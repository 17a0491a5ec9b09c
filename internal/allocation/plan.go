package allocation

import (
	"sort"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
	"ib-allocator/internal/intent"
)

// PlanEntry 为单个合约的交易指令：从"当前+在途"移动到聚合目标所需的委托。
type PlanEntry struct {
	Instrument      instrument.Instrument `json:"instrument"`
	DesiredQuantity int64                 `json:"desired_quantity"`
	CurrentQuantity int64                 `json:"current_quantity"`
	InFlight        int64                 `json:"in_flight_quantity"`
	Delta           int64                 `json:"delta"`
	Action          broker.OrderAction    `json:"action"`
	Quantity        int64                 `json:"quantity"`
	Contributors    []intent.Contribution `json:"contributors,omitempty"`
}

// ComputePlan 将聚合目标与当前持仓、在途委托净额合并，计算每合约的委托计划。
//
//   - 在途数量按 BUY 为正、SELL 为负计入，使重复调用在委托未成交时保持幂等；
//   - liquidateUntargeted 为 true 时，未被任何策略覆盖的持仓按隐式目标 0 清仓；
//   - delta 为 0 的合约不产生计划条目；
//   - 输出按合约聚合键排序，相同输入产生逐字节相同的结果。
func ComputePlan(
	targets map[string]intent.AggregatedTarget,
	holdings map[string]broker.Holding,
	openOrders []broker.OpenOrder,
	liquidateUntargeted bool,
) []PlanEntry {
	inFlight := make(map[string]int64)
	for _, order := range openOrders {
		if order.RemainingQuantity <= 0 {
			continue
		}
		signed := order.SignedRemaining()
		if signed == 0 {
			// 无法识别的方向不计入在途净额。
			continue
		}
		inFlight[order.Instrument.Key()] += signed
	}

	universe := make(map[string]instrument.Instrument, len(targets)+len(holdings))
	for key, target := range targets {
		universe[key] = target.Instrument
	}
	for key, holding := range holdings {
		if _, targeted := universe[key]; targeted {
			continue
		}
		if !liquidateUntargeted {
			continue
		}
		universe[key] = holding.Instrument
	}

	keys := make([]string, 0, len(universe))
	for key := range universe {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]PlanEntry, 0, len(keys))
	for _, key := range keys {
		desired := int64(0)
		var contributors []intent.Contribution
		if target, ok := targets[key]; ok {
			desired = target.Quantity
			contributors = target.Contributors
		}

		current := int64(0)
		if holding, ok := holdings[key]; ok {
			current = holding.Quantity
		}

		delta := desired - (current + inFlight[key])
		if delta == 0 {
			continue
		}

		action := broker.ActionBuy
		quantity := delta
		if delta < 0 {
			action = broker.ActionSell
			quantity = -delta
		}

		entries = append(entries, PlanEntry{
			Instrument:      universe[key],
			DesiredQuantity: desired,
			CurrentQuantity: current,
			InFlight:        inFlight[key],
			Delta:           delta,
			Action:          action,
			Quantity:        quantity,
			Contributors:    contributors,
		})
	}

	return entries
}
