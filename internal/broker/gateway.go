package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"ib-allocator/internal/config"
	"ib-allocator/internal/instrument"
)

// Gateway 为基于 ccxt 的券商网关实现，内建每次调用的超时与重试。
type Gateway struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
	markets       map[string]ccxt.MarketInterface
}

var _ Broker = (*Gateway)(nil)

// NewGateway 构造网关客户端。
func NewGateway(cfg config.BrokerConfig, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// QualifyInstrument 将合约确认为网关的规范形态。
// 持仓与在途委托同样以该形态产出，确认过的目标与它们共享同一聚合键，
// 净额计算不会把同一合约当成两个标的。
func (g *Gateway) QualifyInstrument(ctx context.Context, inst instrument.Instrument) (instrument.Instrument, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return inst, err
	}

	if _, ok := g.markets[inst.Symbol]; !ok {
		return inst, fmt.Errorf("%w: %s", ErrUnknownInstrument, inst.Symbol)
	}

	return g.marketInstrument(inst.Symbol), nil
}

// OpenOrders 返回全部未完成委托。
func (g *Gateway) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var raw []ccxt.Order
	err := g.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := g.exchange.FetchOpenOrders()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		symbol := derefString(o.Symbol)
		if symbol == "" {
			continue
		}
		remaining := derefFloat(o.Remaining)
		if remaining == 0 {
			remaining = derefFloat(o.Amount) - derefFloat(o.Filled)
		}

		orders = append(orders, OpenOrder{
			Instrument:        g.marketInstrument(symbol),
			Action:            actionFromSide(derefString(o.Side)),
			RemainingQuantity: int64(math.Round(math.Abs(remaining))),
			OrderID:           derefString(o.Id),
			Status:            derefString(o.Status),
		})
	}

	return orders, nil
}

// PortfolioPositions 返回券商权威持仓。
func (g *Gateway) PortfolioPositions(ctx context.Context) ([]Holding, error) {
	var raw []ccxt.Position
	err := g.callWithRetry(ctx, "fetch_positions", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := g.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(raw))
	for _, p := range raw {
		symbol := derefString(p.Symbol)
		size := derefFloat(p.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		quantity := int64(math.Round(size))
		if strings.EqualFold(derefString(p.Side), "short") {
			quantity = -quantity
		}
		if quantity == 0 {
			continue
		}

		holdings = append(holdings, Holding{
			Instrument:  g.marketInstrument(symbol),
			Quantity:    quantity,
			AverageCost: derefFloat(p.EntryPrice),
		})
	}

	return holdings, nil
}

// PlaceOrder 提交委托。提交即回执，不等待成交。
func (g *Gateway) PlaceOrder(ctx context.Context, inst instrument.Instrument, action OrderAction, quantity int64, orderType OrderType, limitPrice float64) (PlacedOrder, error) {
	if quantity <= 0 {
		return PlacedOrder{}, fmt.Errorf("broker: 委托数量无效 quantity=%d", quantity)
	}

	side := "buy"
	if action == ActionSell {
		side = "sell"
	}

	var order ccxt.Order
	err := g.callWithRetry(ctx, "place_order", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var callErr error
		switch orderType {
		case OrderTypeLimit:
			if limitPrice <= 0 {
				return fmt.Errorf("broker: 限价单价格无效 price=%f", limitPrice)
			}
			order, callErr = g.exchange.CreateLimitOrder(inst.Symbol, side, float64(quantity), limitPrice)
		default:
			order, callErr = g.exchange.CreateMarketOrder(inst.Symbol, side, float64(quantity))
		}
		return callErr
	})
	if err != nil {
		return PlacedOrder{}, err
	}

	status := derefString(order.Status)
	if status == "" {
		status = "submitted"
	}

	placed := PlacedOrder{
		OrderID:    derefString(order.Id),
		Instrument: inst,
		Action:     action,
		Quantity:   quantity,
		OrderType:  orderType,
		LimitPrice: limitPrice,
		Status:     status,
	}

	g.logger.Info("委托已提交",
		zap.String("symbol", inst.Display()),
		zap.String("action", string(action)),
		zap.Int64("quantity", quantity),
		zap.String("order_id", placed.OrderID),
	)

	return placed, nil
}

// CancelOrder 撤销指定委托。
func (g *Gateway) CancelOrder(ctx context.Context, order OpenOrder) error {
	return g.callWithRetry(ctx, "cancel_order", func() error {
		_, err := g.exchange.CancelOrder(order.OrderID, ccxt.WithCancelOrderSymbol(order.Instrument.Symbol))
		return err
	})
}

// AccountValue 查询账户指标。目前支持 NetLiquidation 与 AvailableFunds。
func (g *Gateway) AccountValue(ctx context.Context, tag string, currency string) (float64, error) {
	var balances ccxt.Balances
	err := g.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := g.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	switch tag {
	case TagNetLiquidation:
		return pickBalance(balances.Total, balances.Info, currency, "accountValue"), nil
	case TagAvailableFunds:
		return pickBalance(balances.Free, balances.Info, currency, "withdrawable"), nil
	default:
		return 0, fmt.Errorf("broker: 不支持的账户指标 %q", tag)
	}
}

// HistoricalCandles 获取指定周期的历史K线。
func (g *Gateway) HistoricalCandles(ctx context.Context, inst instrument.Instrument, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := g.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := g.exchange.FetchOHLCV(
			inst.Symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// ExchangeRate 返回 currency 兑 base 的汇率。
func (g *Gateway) ExchangeRate(ctx context.Context, currency string, base string) (float64, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	base = strings.ToUpper(strings.TrimSpace(base))
	if currency == base {
		return 1, nil
	}

	rate, err := g.fetchTickerPrice(ctx, currency+"/"+base)
	if err == nil && rate > 0 {
		return rate, nil
	}

	// 正向报价不存在时尝试反向货币对取倒数。
	inverse, invErr := g.fetchTickerPrice(ctx, base+"/"+currency)
	if invErr == nil && inverse > 0 {
		return 1 / inverse, nil
	}

	if err == nil {
		err = invErr
	}
	return 0, fmt.Errorf("broker: 获取汇率 %s/%s 失败: %w", currency, base, err)
}

func (g *Gateway) fetchTickerPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := g.callWithRetry(ctx, "fetch_ticker", func() error {
		result, err := g.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	if last := derefFloat(ticker.Last); last > 0 {
		return last, nil
	}
	if closePrice := derefFloat(ticker.Close); closePrice > 0 {
		return closePrice, nil
	}
	bid := derefFloat(ticker.Bid)
	ask := derefFloat(ticker.Ask)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2, nil
	}
	return 0, fmt.Errorf("broker: ticker %s 无有效价格", symbol)
}

// marketInstrument 构造合约的网关规范形态，网关提供数字编号时一并回填。
func (g *Gateway) marketInstrument(symbol string) instrument.Instrument {
	currency := ""
	if idx := strings.Index(symbol, "/"); idx > 0 {
		currency = symbol[idx+1:]
		if sep := strings.Index(currency, ":"); sep > 0 {
			currency = currency[:sep]
		}
	}

	inst := instrument.Instrument{
		Symbol:       symbol,
		SecurityType: instrument.SecurityContract,
		Exchange:     g.cfg.Name,
		Currency:     currency,
		LocalSymbol:  symbol,
	}
	if m, ok := g.markets[symbol].(map[string]interface{}); ok {
		if id := parseNumeric(m["numericId"]); id > 0 {
			inst.ID = int64(id)
		}
	}
	return inst
}

func (g *Gateway) ensureMarketsLoaded(ctx context.Context) error {
	g.marketsMu.Lock()
	defer g.marketsMu.Unlock()

	if g.marketsLoaded {
		return nil
	}

	loadErr := g.callWithRetry(ctx, "load_markets", func() error {
		markets, err := g.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		g.markets = markets
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	g.marketsLoaded = true
	g.logger.Info("已完成市场元数据加载", zap.Int("markets", len(g.markets)))
	return nil
}

func (g *Gateway) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := g.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := g.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	callTimeout := g.cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := runWithTimeout(ctx, callTimeout, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := g.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			g.logger.Warn("券商网关维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= g.cfg.Retry.MaxAttempts {
			g.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		g.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// runWithTimeout 在独立协程中执行底层同步调用，避免阻塞调用方超出时限。
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-callCtx.Done():
		return callCtx.Err()
	case err := <-done:
		return err
	}
}

func (g *Gateway) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "broker under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}

	if IsRetryable(err) {
		return err, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func actionFromSide(side string) OrderAction {
	if strings.EqualFold(strings.TrimSpace(side), "sell") {
		return ActionSell
	}
	return ActionBuy
}

func pickBalance(values map[string]*float64, info map[string]interface{}, currency string, infoKey string) float64 {
	if values != nil {
		if v, ok := values[strings.ToUpper(currency)]; ok && v != nil {
			return *v
		}
		for _, code := range []string{"USD", "USDT", "USDC"} {
			if v, ok := values[code]; ok && v != nil && *v > 0 {
				return *v
			}
		}
	}

	if info != nil {
		if summary, ok := info["marginSummary"].(map[string]interface{}); ok {
			if v := parseNumeric(summary[infoKey]); v > 0 {
				return v
			}
		}
		if v := parseNumeric(info[infoKey]); v > 0 {
			return v
		}
	}

	return 0
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
