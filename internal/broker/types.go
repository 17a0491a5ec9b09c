package broker

import (
	"time"

	"ib-allocator/internal/instrument"
)

// OrderAction 表示委托方向。
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
)

// 账户指标标签。
const (
	TagNetLiquidation = "NetLiquidation"
	TagAvailableFunds = "AvailableFunds"
)

// Holding 为券商确认的单个合约持仓，正数为多头。
type Holding struct {
	Instrument  instrument.Instrument `json:"instrument"`
	Quantity    int64                 `json:"quantity"`
	AverageCost float64               `json:"average_cost,omitempty"`
}

// OpenOrder 为已被券商接受但尚未全部成交的委托。
type OpenOrder struct {
	Instrument        instrument.Instrument `json:"instrument"`
	Action            OrderAction           `json:"action"`
	RemainingQuantity int64                 `json:"remaining_quantity"`
	OrderID           string                `json:"order_id"`
	Status            string                `json:"status"`
}

// SignedRemaining 返回在途数量的带符号贡献：
// BUY 为 +remaining，SELL 为 -remaining，其余方向为 0。
func (o OpenOrder) SignedRemaining() int64 {
	switch o.Action {
	case ActionBuy:
		return o.RemainingQuantity
	case ActionSell:
		return -o.RemainingQuantity
	default:
		return 0
	}
}

// PlacedOrder 为一次委托提交（或模拟提交）的回执。
type PlacedOrder struct {
	OrderID    string                `json:"order_id,omitempty"`
	Instrument instrument.Instrument `json:"instrument"`
	Action     OrderAction           `json:"action"`
	Quantity   int64                 `json:"quantity"`
	OrderType  OrderType             `json:"order_type"`
	LimitPrice float64               `json:"limit_price,omitempty"`
	Status     string                `json:"status,omitempty"`
	Simulated  bool                  `json:"simulated"`
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
