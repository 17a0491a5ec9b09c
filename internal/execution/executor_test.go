package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"ib-allocator/internal/allocation"
	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
)

// mockBroker 记录全部调用，按符号注入失败。
type mockBroker struct {
	mu         sync.Mutex
	calls      []string
	failPlace  map[string]error
	openOrders []broker.OpenOrder
	cancelErr  map[string]error
	nextID     int
}

func (m *mockBroker) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockBroker) QualifyInstrument(_ context.Context, inst instrument.Instrument) (instrument.Instrument, error) {
	m.record("QualifyInstrument:" + inst.Symbol)
	inst.ID = int64(1000 + len(inst.Symbol))
	return inst, nil
}

func (m *mockBroker) OpenOrders(context.Context) ([]broker.OpenOrder, error) {
	m.record("OpenOrders")
	return m.openOrders, nil
}

func (m *mockBroker) PortfolioPositions(context.Context) ([]broker.Holding, error) {
	m.record("PortfolioPositions")
	return nil, nil
}

func (m *mockBroker) PlaceOrder(_ context.Context, inst instrument.Instrument, action broker.OrderAction, quantity int64, orderType broker.OrderType, limitPrice float64) (broker.PlacedOrder, error) {
	m.record("PlaceOrder:" + inst.Symbol)
	if err, ok := m.failPlace[inst.Symbol]; ok {
		return broker.PlacedOrder{}, err
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	return broker.PlacedOrder{
		OrderID:    fmt.Sprintf("ord-%d", id),
		Instrument: inst,
		Action:     action,
		Quantity:   quantity,
		OrderType:  orderType,
		LimitPrice: limitPrice,
		Status:     "submitted",
	}, nil
}

func (m *mockBroker) CancelOrder(_ context.Context, order broker.OpenOrder) error {
	m.record("CancelOrder:" + order.OrderID)
	if err, ok := m.cancelErr[order.OrderID]; ok {
		return err
	}
	return nil
}

func (m *mockBroker) AccountValue(context.Context, string, string) (float64, error) {
	m.record("AccountValue")
	return 100000, nil
}

func (m *mockBroker) HistoricalCandles(_ context.Context, inst instrument.Instrument, _ string, _ int64) ([]broker.Candle, error) {
	m.record("HistoricalCandles:" + inst.Symbol)
	return []broker.Candle{{Close: 420.5}}, nil
}

func (m *mockBroker) ExchangeRate(context.Context, string, string) (float64, error) {
	m.record("ExchangeRate")
	return 1, nil
}

func qualifiedStock(id int64, symbol string) instrument.Instrument {
	inst := instrument.Stock(symbol, "SMART", "USD")
	inst.ID = id
	return inst
}

func planEntry(inst instrument.Instrument, action broker.OrderAction, qty int64) allocation.PlanEntry {
	return allocation.PlanEntry{Instrument: inst, Action: action, Quantity: qty}
}

func TestExecutorExecute_SubmitsAllEntries(t *testing.T) {
	mock := &mockBroker{}
	exec := NewExecutor(mock, Options{OrderType: "market"}, nil)

	entries := []allocation.PlanEntry{
		planEntry(qualifiedStock(1, "SPY"), broker.ActionBuy, 8),
		planEntry(qualifiedStock(2, "VIXY"), broker.ActionSell, 4),
	}

	result, err := exec.Execute(context.Background(), entries)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.DryRun {
		t.Errorf("expected DryRun=false")
	}
	if len(result.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(result.Orders))
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failures)
	}
	for _, order := range result.Orders {
		if order.Simulated {
			t.Errorf("expected live order, got simulated for %s", order.Instrument.Symbol)
		}
		if order.OrderType != broker.OrderTypeMarket {
			t.Errorf("expected market order, got %s", order.OrderType)
		}
	}
}

func TestExecutorExecute_FailureIsolatedPerInstrument(t *testing.T) {
	mock := &mockBroker{failPlace: map[string]error{"SPY": errors.New("rejected")}}
	exec := NewExecutor(mock, Options{OrderType: "market"}, nil)

	entries := []allocation.PlanEntry{
		planEntry(qualifiedStock(1, "SPY"), broker.ActionBuy, 8),
		planEntry(qualifiedStock(2, "VIXY"), broker.ActionSell, 4),
	}

	result, err := exec.Execute(context.Background(), entries)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(result.Orders) != 1 || result.Orders[0].Instrument.Symbol != "VIXY" {
		t.Fatalf("expected VIXY order to survive, got %+v", result.Orders)
	}
	if len(result.Failures) != 1 || result.Failures[0].Instrument.Symbol != "SPY" {
		t.Fatalf("expected SPY failure recorded, got %+v", result.Failures)
	}
}

func TestExecutorExecute_QualifiesUnconfirmedInstruments(t *testing.T) {
	mock := &mockBroker{}
	exec := NewExecutor(mock, Options{OrderType: "market"}, nil)

	entries := []allocation.PlanEntry{
		planEntry(instrument.Stock("SPY", "SMART", "USD"), broker.ActionBuy, 8),
	}

	result, err := exec.Execute(context.Background(), entries)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(result.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(result.Orders))
	}
	if !result.Orders[0].Instrument.Qualified() {
		t.Errorf("expected instrument qualified before submission")
	}

	mock.mu.Lock()
	calls := append([]string(nil), mock.calls...)
	mock.mu.Unlock()
	sort.Strings(calls)
	want := []string{"PlaceOrder:SPY", "QualifyInstrument:SPY"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("unexpected broker calls: %v", calls)
	}
}

func TestExecutorExecute_LimitOrdersCarryPrice(t *testing.T) {
	mock := &mockBroker{}
	exec := NewExecutor(mock, Options{OrderType: "limit"}, nil)

	entries := []allocation.PlanEntry{
		planEntry(qualifiedStock(1, "SPY"), broker.ActionBuy, 2),
	}

	result, err := exec.Execute(context.Background(), entries)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(result.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(result.Orders))
	}
	if result.Orders[0].OrderType != broker.OrderTypeLimit {
		t.Errorf("expected limit order, got %s", result.Orders[0].OrderType)
	}
	if result.Orders[0].LimitPrice != 420.5 {
		t.Errorf("expected limit price 420.5, got %f", result.Orders[0].LimitPrice)
	}
}

func TestSimulatorExecute_NoBrokerSideEffects(t *testing.T) {
	sim := NewSimulator(Options{OrderType: "market"}, nil)

	entries := []allocation.PlanEntry{
		planEntry(qualifiedStock(1, "SPY"), broker.ActionBuy, 8),
		planEntry(instrument.Stock("VIXY", "SMART", "USD"), broker.ActionSell, 4),
	}

	result, err := sim.Execute(context.Background(), entries)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.DryRun {
		t.Errorf("expected DryRun=true")
	}
	if len(result.Orders) != 2 {
		t.Fatalf("expected 2 simulated orders, got %d", len(result.Orders))
	}
	for _, order := range result.Orders {
		if !order.Simulated || order.Status != "simulated" {
			t.Errorf("expected simulated receipt, got %+v", order)
		}
		if order.OrderID != "" {
			t.Errorf("expected no broker order id, got %s", order.OrderID)
		}
		if order.OrderType != broker.OrderTypeMarket {
			t.Errorf("expected market order type, got %s", order.OrderType)
		}
	}
}

func TestSimulatorExecute_MirrorsConfiguredOrderType(t *testing.T) {
	sim := NewSimulator(Options{OrderType: "limit"}, nil)

	result, err := sim.Execute(context.Background(), []allocation.PlanEntry{
		planEntry(qualifiedStock(1, "SPY"), broker.ActionBuy, 8),
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(result.Orders) != 1 {
		t.Fatalf("expected 1 simulated order, got %d", len(result.Orders))
	}
	// 干跑回执的委托类型与真实执行时的配置一致。
	if result.Orders[0].OrderType != broker.OrderTypeLimit {
		t.Errorf("expected limit order type in simulated receipt, got %s", result.Orders[0].OrderType)
	}
}

func TestCancelOpenOrders_ToleratesPerOrderFailure(t *testing.T) {
	mock := &mockBroker{
		openOrders: []broker.OpenOrder{
			{OrderID: "a", Instrument: qualifiedStock(1, "SPY")},
			{OrderID: "b", Instrument: qualifiedStock(2, "VIXY")},
		},
		cancelErr: map[string]error{"a": errors.New("already filled")},
	}
	exec := NewExecutor(mock, Options{OrderType: "market"}, nil)

	cancelled, err := exec.CancelOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("CancelOpenOrders returned error: %v", err)
	}
	if cancelled != 1 {
		t.Errorf("expected 1 cancelled, got %d", cancelled)
	}
}
