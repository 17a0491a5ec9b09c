package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/config"
	"ib-allocator/internal/instrument"
	"ib-allocator/internal/intent"
	"ib-allocator/internal/ledger"
	"ib-allocator/internal/portfolio"
	"ib-allocator/internal/store"
)

type recordingBroker struct {
	broker.Broker

	mu         sync.Mutex
	placed     []broker.PlacedOrder
	holdings   []broker.Holding
	openOrders []broker.OpenOrder
	cancelled  []string
}

func (r *recordingBroker) QualifyInstrument(_ context.Context, inst instrument.Instrument) (instrument.Instrument, error) {
	if inst.ID == 0 {
		inst.ID = int64(9000 + len(inst.Symbol))
	}
	return inst, nil
}

func (r *recordingBroker) PlaceOrder(_ context.Context, inst instrument.Instrument, action broker.OrderAction, quantity int64, orderType broker.OrderType, limitPrice float64) (broker.PlacedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := broker.PlacedOrder{
		OrderID:    fmt.Sprintf("ord-%d", len(r.placed)+1),
		Instrument: inst,
		Action:     action,
		Quantity:   quantity,
		OrderType:  orderType,
		LimitPrice: limitPrice,
		Status:     "submitted",
	}
	r.placed = append(r.placed, order)
	return order, nil
}

func (r *recordingBroker) PortfolioPositions(context.Context) ([]broker.Holding, error) {
	return r.holdings, nil
}

func (r *recordingBroker) OpenOrders(context.Context) ([]broker.OpenOrder, error) {
	return r.openOrders, nil
}

func (r *recordingBroker) CancelOrder(_ context.Context, order broker.OpenOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, order.OrderID)
	return nil
}

func (r *recordingBroker) placedOrders() []broker.PlacedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.PlacedOrder(nil), r.placed...)
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test", TradingMode: "paper"},
		Exposure: config.ExposureConfig{
			Overall:    0.5,
			Strategies: map[string]float64{"alpha": 1},
		},
		Allocation: config.AllocationConfig{
			TradingEnabled:      true,
			FreshMinutes:        180,
			LiquidateUntargeted: true,
			OrderType:           "market",
		},
	}
}

func newEngineStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func qualified(id int64, symbol string) instrument.Instrument {
	inst := instrument.Stock(symbol, "SMART", "USD")
	inst.ID = id
	return inst
}

func seedSnapshot(t *testing.T, s *store.Store, snapshot portfolio.Snapshot) {
	t.Helper()
	if err := s.SetDocument(context.Background(), portfolio.DocumentPath("paper"), snapshot); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func seedIntent(t *testing.T, s *store.Store, id string, doc intent.StrategyIntent) {
	t.Helper()
	ctx := context.Background()
	if err := s.SetDocument(ctx, intent.ConfigPath(id), intent.StrategyConfig{Enabled: true}); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	doc.StrategyID = id
	if err := s.SetDocument(ctx, intent.LatestPath(id), doc); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
}

func countExecutions(t *testing.T, s *store.Store) int {
	t.Helper()
	docs, err := s.StreamCollection(context.Background(), ledger.Collection)
	if err != nil {
		t.Fatalf("StreamCollection returned error: %v", err)
	}
	return len(docs)
}

func TestAllocate_BuysDeltaAgainstCurrentAndInFlight(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	spy := qualified(756733, "SPY")

	seedSnapshot(t, s, portfolio.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Holdings:  []broker.Holding{{Instrument: spy, Quantity: 10}},
		OpenOrders: []broker.OpenOrder{
			{Instrument: spy, Action: broker.ActionBuy, RemainingQuantity: 2, OrderID: "pending"},
		},
	})
	seedIntent(t, s, "alpha", intent.StrategyIntent{
		Status:    intent.StatusSuccess,
		UpdatedAt: time.Now().UTC(),
		TargetPositions: []intent.TargetPosition{
			{Instrument: spy, Quantity: 20},
		},
	})

	engine := NewEngine(testConfig(), brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", rec.Status, rec.Summary)
	}

	placed := brk.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 order, got %d", len(placed))
	}
	if placed[0].Action != broker.ActionBuy || placed[0].Quantity != 8 {
		t.Errorf("expected BUY 8, got %s %d", placed[0].Action, placed[0].Quantity)
	}
	if len(rec.Orders) != 1 || rec.Orders[0].Quantity != 8 {
		t.Errorf("expected order in execution record, got %+v", rec.Orders)
	}
	if countExecutions(t, s) != 1 {
		t.Errorf("expected 1 execution record written")
	}
}

func TestAllocate_KillSwitchAbortsWithRecord(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	cfg := testConfig()
	cfg.Allocation.TradingEnabled = false

	engine := NewEngine(cfg, brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if rec.Status != ledger.StatusAborted {
		t.Fatalf("expected aborted, got %s", rec.Status)
	}
	if len(brk.placedOrders()) != 0 {
		t.Errorf("expected no orders while disabled")
	}
	if countExecutions(t, s) != 1 {
		t.Errorf("expected aborted run recorded")
	}
}

func TestAllocate_ZeroOverallExposureAborts(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	cfg := testConfig()
	cfg.Exposure.Overall = 0

	engine := NewEngine(cfg, brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if rec.Status != ledger.StatusAborted {
		t.Fatalf("expected aborted, got %s", rec.Status)
	}
	if countExecutions(t, s) != 1 {
		t.Errorf("expected aborted run recorded")
	}
}

func TestAllocate_MissingSnapshotFailsWithRecord(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}

	engine := NewEngine(testConfig(), brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err == nil {
		t.Fatalf("expected error on missing snapshot")
	}
	if rec.Status != ledger.StatusError {
		t.Fatalf("expected error status, got %s", rec.Status)
	}
	if len(brk.placedOrders()) != 0 {
		t.Errorf("expected no orders without snapshot")
	}
	if countExecutions(t, s) != 1 {
		t.Errorf("expected failed run recorded")
	}
}

func TestAllocate_DryRunSubmitsNothing(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	cfg := testConfig()
	cfg.Allocation.DryRun = true
	spy := qualified(756733, "SPY")

	seedSnapshot(t, s, portfolio.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Holdings:  []broker.Holding{{Instrument: spy, Quantity: 10}},
	})
	seedIntent(t, s, "alpha", intent.StrategyIntent{
		Status:    intent.StatusSuccess,
		UpdatedAt: time.Now().UTC(),
		TargetPositions: []intent.TargetPosition{
			{Instrument: spy, Quantity: 20},
		},
	})

	engine := NewEngine(cfg, brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if !rec.DryRun {
		t.Errorf("expected dry_run flag in record")
	}
	if len(brk.placedOrders()) != 0 {
		t.Errorf("expected zero broker submissions in dry run")
	}
	if len(rec.Orders) != 1 || !rec.Orders[0].Simulated {
		t.Errorf("expected simulated receipt in record, got %+v", rec.Orders)
	}
}

func TestAllocate_NoopWhenTargetsMatchHoldings(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	spy := qualified(756733, "SPY")

	seedSnapshot(t, s, portfolio.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Holdings:  []broker.Holding{{Instrument: spy, Quantity: 20}},
	})
	seedIntent(t, s, "alpha", intent.StrategyIntent{
		Status:    intent.StatusSuccess,
		UpdatedAt: time.Now().UTC(),
		TargetPositions: []intent.TargetPosition{
			{Instrument: spy, Quantity: 20},
		},
	})

	engine := NewEngine(testConfig(), brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected success, got %s", rec.Status)
	}
	if len(brk.placedOrders()) != 0 {
		t.Errorf("expected no orders when already balanced")
	}
	if len(rec.Decision.Diff) != 0 {
		t.Errorf("expected empty diff, got %+v", rec.Decision.Diff)
	}
}

func TestAllocate_StaleSnapshotWarnsButProceeds(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{}
	spy := qualified(756733, "SPY")

	seedSnapshot(t, s, portfolio.Snapshot{
		UpdatedAt: time.Now().UTC().Add(-6 * time.Hour),
		Holdings:  []broker.Holding{{Instrument: spy, Quantity: 10}},
	})
	seedIntent(t, s, "alpha", intent.StrategyIntent{
		Status:    intent.StatusSuccess,
		UpdatedAt: time.Now().UTC(),
		TargetPositions: []intent.TargetPosition{
			{Instrument: spy, Quantity: 20},
		},
	})

	engine := NewEngine(testConfig(), brk, s, nil)
	rec, err := engine.Allocate(context.Background(), AllocateRequest{Trigger: "test"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected success despite stale snapshot, got %s", rec.Status)
	}
	if !rec.Context.PortfolioStale {
		t.Errorf("expected stale snapshot flagged in record")
	}
	if len(brk.placedOrders()) != 1 {
		t.Errorf("expected order still submitted, got %d", len(brk.placedOrders()))
	}
}

func TestCloseAll_CancelsAndLiquidates(t *testing.T) {
	s := newEngineStore(t)
	spy := qualified(756733, "SPY")
	vixy := qualified(270108, "VIXY")

	brk := &recordingBroker{
		holdings: []broker.Holding{
			{Instrument: spy, Quantity: 10},
			{Instrument: vixy, Quantity: -3},
		},
		openOrders: []broker.OpenOrder{
			{Instrument: spy, Action: broker.ActionBuy, RemainingQuantity: 5, OrderID: "pending-1"},
		},
	}

	engine := NewEngine(testConfig(), brk, s, nil)
	rec, err := engine.CloseAll(context.Background())
	if err != nil {
		t.Fatalf("CloseAll returned error: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", rec.Status, rec.Summary)
	}
	if len(brk.cancelled) != 1 || brk.cancelled[0] != "pending-1" {
		t.Errorf("expected pending order cancelled, got %v", brk.cancelled)
	}

	placed := brk.placedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected 2 liquidation orders, got %d", len(placed))
	}
	byKey := make(map[string]broker.PlacedOrder, len(placed))
	for _, order := range placed {
		byKey[order.Instrument.Key()] = order
	}
	if o := byKey[spy.Key()]; o.Action != broker.ActionSell || o.Quantity != 10 {
		t.Errorf("expected SELL 10 SPY, got %s %d", o.Action, o.Quantity)
	}
	if o := byKey[vixy.Key()]; o.Action != broker.ActionBuy || o.Quantity != 3 {
		t.Errorf("expected BUY 3 VIXY to flatten short, got %s %d", o.Action, o.Quantity)
	}
}

func TestCloseAll_KillSwitchAbortsWithRecord(t *testing.T) {
	s := newEngineStore(t)
	brk := &recordingBroker{
		holdings: []broker.Holding{
			{Instrument: qualified(756733, "SPY"), Quantity: 10},
		},
		openOrders: []broker.OpenOrder{
			{Instrument: qualified(756733, "SPY"), Action: broker.ActionBuy, RemainingQuantity: 5, OrderID: "pending-1"},
		},
	}
	cfg := testConfig()
	cfg.Allocation.TradingEnabled = false

	engine := NewEngine(cfg, brk, s, nil)
	rec, err := engine.CloseAll(context.Background())
	if err != nil {
		t.Fatalf("CloseAll returned error: %v", err)
	}
	if rec.Status != ledger.StatusAborted {
		t.Fatalf("expected aborted, got %s", rec.Status)
	}
	if len(brk.cancelled) != 0 {
		t.Errorf("expected no cancellations while disabled, got %v", brk.cancelled)
	}
	if len(brk.placedOrders()) != 0 {
		t.Errorf("expected no liquidation orders while disabled")
	}
	if countExecutions(t, s) != 1 {
		t.Errorf("expected aborted run recorded")
	}
}
