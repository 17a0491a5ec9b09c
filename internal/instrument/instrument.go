package instrument

import (
	"fmt"
	"strings"
)

// SecurityType 表示合约类别。
type SecurityType string

const (
	SecurityStock    SecurityType = "STK"
	SecurityForex    SecurityType = "CASH"
	SecurityFuture   SecurityType = "FUT"
	SecurityOption   SecurityType = "OPT"
	SecurityIndex    SecurityType = "IND"
	SecurityContract SecurityType = "CONTRACT"
)

// Instrument 表示一个可交易合约的身份。
// ID 为券商在合约确认后分配的唯一编号，确认前为 0。
type Instrument struct {
	ID           int64        `json:"con_id,omitempty"`
	Symbol       string       `json:"symbol"`
	SecurityType SecurityType `json:"sec_type"`
	Exchange     string       `json:"exchange"`
	Currency     string       `json:"currency"`
	LocalSymbol  string       `json:"local_symbol,omitempty"`
}

// Qualified 表示合约是否已获得券商唯一编号。
func (i Instrument) Qualified() bool {
	return i.ID != 0
}

// Key 返回合约的聚合键：优先使用券商编号，
// 未确认时退回 symbol|type|exchange|currency 组合键。
func (i Instrument) Key() string {
	if i.ID != 0 {
		return fmt.Sprintf("%d", i.ID)
	}
	return i.compositeKey()
}

func (i Instrument) compositeKey() string {
	return strings.Join([]string{
		strings.ToUpper(i.Symbol),
		string(i.SecurityType),
		strings.ToUpper(i.Exchange),
		strings.ToUpper(i.Currency),
	}, "|")
}

// SameAs 判断两个合约是否指向同一标的：
// 双方编号均已知时只比较编号；任一方未确认时比较组合键，
// 已确认合约因此仍能匹配到它自己的未确认形态。
func (i Instrument) SameAs(other Instrument) bool {
	if i.ID != 0 && other.ID != 0 {
		return i.ID == other.ID
	}
	return i.compositeKey() == other.compositeKey()
}

// Display 返回用于日志的可读名称。
func (i Instrument) Display() string {
	if i.LocalSymbol != "" {
		return i.LocalSymbol
	}
	return i.Symbol
}

// Stock 构造一个股票合约。
func Stock(symbol, exchange, currency string) Instrument {
	return Instrument{
		Symbol:       symbol,
		SecurityType: SecurityStock,
		Exchange:     exchange,
		Currency:     currency,
	}
}

// Forex 构造一个外汇对合约，pair 形如 EURUSD。
func Forex(pair string) Instrument {
	return Instrument{
		Symbol:       pair,
		SecurityType: SecurityForex,
		Exchange:     "IDEALPRO",
		Currency:     "USD",
	}
}
