package strategy

import (
	"context"
	"testing"

	"ib-allocator/internal/broker"
	"ib-allocator/internal/instrument"
)

type candleBroker struct {
	broker.Broker

	closes []float64
}

func (c *candleBroker) HistoricalCandles(context.Context, instrument.Instrument, string, int64) ([]broker.Candle, error) {
	candles := make([]broker.Candle, len(c.closes))
	for i, price := range c.closes {
		candles[i] = broker.Candle{Close: price}
	}
	return candles, nil
}

func trendingCloses(start, step float64, n int) []float64 {
	closes := make([]float64, n)
	price := start
	for i := range closes {
		closes[i] = price
		price += step
	}
	return closes
}

func TestMACDCross_UptrendSelectsRiskAsset(t *testing.T) {
	spy := instrument.Stock("SPY", "SMART", "USD")
	vixy := instrument.Stock("VIXY", "SMART", "USD")
	s := NewMACDCross("spy-macd", spy, vixy)

	brk := &candleBroker{closes: trendingCloses(100, 1, 120)}
	signals, err := s.Evaluate(context.Background(), brk)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected single signal, got %d", len(signals))
	}
	if signals[0].Instrument.Symbol != "SPY" {
		t.Errorf("expected risk asset in uptrend, got %s", signals[0].Instrument.Symbol)
	}
	if signals[0].Weight != 1.0 {
		t.Errorf("expected full weight, got %f", signals[0].Weight)
	}
}

func TestMACDCross_DowntrendSelectsHedgeAsset(t *testing.T) {
	spy := instrument.Stock("SPY", "SMART", "USD")
	vixy := instrument.Stock("VIXY", "SMART", "USD")
	s := NewMACDCross("spy-macd", spy, vixy)

	brk := &candleBroker{closes: trendingCloses(220, -1, 120)}
	signals, err := s.Evaluate(context.Background(), brk)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(signals) != 1 || signals[0].Instrument.Symbol != "VIXY" {
		t.Fatalf("expected hedge asset in downtrend, got %+v", signals)
	}
}

func TestMACDCross_InsufficientHistoryFails(t *testing.T) {
	spy := instrument.Stock("SPY", "SMART", "USD")
	vixy := instrument.Stock("VIXY", "SMART", "USD")
	s := NewMACDCross("spy-macd", spy, vixy)

	brk := &candleBroker{closes: trendingCloses(100, 1, 10)}
	if _, err := s.Evaluate(context.Background(), brk); err == nil {
		t.Fatalf("expected error on insufficient history")
	}
}
