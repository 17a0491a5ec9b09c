package broker

import (
	"context"

	"ib-allocator/internal/instrument"
)

// Broker 抽象券商网关，分配引擎只依赖该接口。
type Broker interface {
	// QualifyInstrument 将合约解析为券商确认的唯一合约。
	QualifyInstrument(ctx context.Context, inst instrument.Instrument) (instrument.Instrument, error)
	// OpenOrders 返回全部未完成委托。
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	// PortfolioPositions 返回券商权威持仓列表，供对账使用。
	PortfolioPositions(ctx context.Context) ([]Holding, error)
	// PlaceOrder 提交委托，limitPrice 仅在限价单时有效。
	// 语义为提交即回执，不等待成交。
	PlaceOrder(ctx context.Context, inst instrument.Instrument, action OrderAction, quantity int64, orderType OrderType, limitPrice float64) (PlacedOrder, error)
	// CancelOrder 撤销指定委托。
	CancelOrder(ctx context.Context, order OpenOrder) error
	// AccountValue 查询账户指标（如 NetLiquidation）。
	AccountValue(ctx context.Context, tag string, currency string) (float64, error)
	// HistoricalCandles 获取历史K线，供策略信号计算。
	HistoricalCandles(ctx context.Context, inst instrument.Instrument, timeframe string, limit int64) ([]Candle, error)
	// ExchangeRate 返回 currency 兑 base 的汇率。
	ExchangeRate(ctx context.Context, currency string, base string) (float64, error)
}
