package strategy

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
)

// MACD 默认参数。
const (
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	macdLookback     = 200
)

// MACDCross 为基于日线 MACD 金叉/死叉的轮动策略：
// MACD 线高于信号线时全仓风险资产，否则切换到对冲资产。
type MACDCross struct {
	id    string
	risk  instrument.Instrument
	hedge instrument.Instrument
}

// NewMACDCross 创建 MACD 轮动策略。
func NewMACDCross(id string, risk, hedge instrument.Instrument) *MACDCross {
	return &MACDCross{id: id, risk: risk, hedge: hedge}
}

func (m *MACDCross) ID() string {
	return m.id
}

func (m *MACDCross) Description() string {
	return fmt.Sprintf("%s/%s 日线MACD轮动", m.risk.Symbol, m.hedge.Symbol)
}

// Evaluate 以风险资产的日线收盘序列计算 MACD，输出单一满仓信号。
func (m *MACDCross) Evaluate(ctx context.Context, brk broker.Broker) ([]Signal, error) {
	candles, err := brk.HistoricalCandles(ctx, m.risk, "1d", macdLookback)
	if err != nil {
		return nil, fmt.Errorf("strategy: 获取 %s 日线失败: %w", m.risk.Display(), err)
	}
	if len(candles) < macdSlowPeriod+macdSignalPeriod {
		return nil, fmt.Errorf("strategy: %s K线数量不足: %d", m.risk.Display(), len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	macd, signal, _ := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	last := len(macd) - 1

	if macd[last] > signal[last] {
		// 风险资产自身的最新收盘价已在手，直接随信号给出。
		return []Signal{{Instrument: m.risk, Weight: 1.0, Price: closes[len(closes)-1]}}, nil
	}
	return []Signal{{Instrument: m.hedge, Weight: 1.0}}, nil
}
