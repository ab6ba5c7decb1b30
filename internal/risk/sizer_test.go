package risk

import (
	"errors"
	"testing"

	"github.com/koshedu/strategy-engine/internal/indicator"
)

func TestSizeBaseRiskPercent(t *testing.T) {
	s := NewSizer(DefaultSizingConfig())
	res, err := s.Size(SizeInput{
		Symbol:       "BTCUSDT",
		RiskPerTrade: 0.01,
		Equity:       10000,
		Price:        100,
		Rules:        SymbolRules{QuantityStep: 0.001, MinNotional: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// notional = 10000*0.01 = 100, qty = 1.0
	if res.Quantity != 1.0 {
		t.Fatalf("Quantity = %v, want 1.0", res.Quantity)
	}
}

func TestSizeFixedAmountOverridesRisk(t *testing.T) {
	s := NewSizer(DefaultSizingConfig())
	fixed := 50.0
	res, err := s.Size(SizeInput{
		Symbol:      "BTCUSDT",
		Equity:      10000,
		Price:       100,
		FixedAmount: &fixed,
		Rules:       SymbolRules{QuantityStep: 0.01, MinNotional: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Quantity != 0.5 {
		t.Fatalf("Quantity = %v, want 0.5", res.Quantity)
	}
}

func TestSizeBelowMinNotionalFails(t *testing.T) {
	s := NewSizer(DefaultSizingConfig())
	_, err := s.Size(SizeInput{
		Symbol:       "BTCUSDT",
		RiskPerTrade: 0.0001,
		Equity:       100,
		Price:        100,
		Rules:        SymbolRules{QuantityStep: 0.001, MinNotional: 5},
	})
	if !errors.Is(err, ErrPositionSizing) {
		t.Fatalf("expected ErrPositionSizing, got %v", err)
	}
}

func TestATRAdjustmentClamped(t *testing.T) {
	cfg := DefaultSizingConfig()
	cfg.VolatilityEnabled = true
	s := NewSizer(cfg)

	// Build wildly high-volatility candles so the raw adjustment would fall
	// well under 0.5 before clamping.
	candles := make([]indicator.Candle, 0, 20)
	for i := 0; i < 20; i++ {
		candles = append(candles, indicator.Candle{High: 200, Low: 50, Close: 100})
	}

	res, err := s.Size(SizeInput{
		Symbol:       "BTCUSDT",
		RiskPerTrade: 0.01,
		Equity:       10000,
		Price:        100,
		Candles:      candles,
		Rules:        SymbolRules{QuantityStep: 0.0001, MinNotional: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adj := res.Adjustments["atr"]; adj != adjustmentMin {
		t.Fatalf("atr adjustment = %v, want clamped to %v", adj, adjustmentMin)
	}
}

func TestPerformanceAdjustmentBoostsOnWinStreak(t *testing.T) {
	cfg := DefaultSizingConfig()
	cfg.PerformanceEnabled = true
	s := NewSizer(cfg)

	s.RecordTrade("scalper", 10, true)
	s.RecordTrade("scalper", 10, true)
	s.RecordTrade("scalper", 10, true)

	res, err := s.Size(SizeInput{
		Symbol:       "BTCUSDT",
		RiskPerTrade: 0.01,
		Equity:       10000,
		Price:        100,
		StrategyID:   "scalper",
		Rules:        SymbolRules{QuantityStep: 0.0001, MinNotional: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Quantity <= 1.0 {
		t.Fatalf("expected win-streak boost to raise quantity above base 1.0, got %v", res.Quantity)
	}
}

func TestKellyRequiresMinimumSampleSize(t *testing.T) {
	cfg := DefaultSizingConfig()
	cfg.KellyEnabled = true
	s := NewSizer(cfg)

	for i := 0; i < 10; i++ {
		s.RecordTrade("scalper", 10, true)
	}

	_, ok := s.kellyAdjustment("scalper", 100, 10000)
	if ok {
		t.Fatalf("expected Kelly to decline with only 10 trades (< 100 minimum)")
	}
}

func TestRecordTradeResetsOppositeStreak(t *testing.T) {
	s := NewSizer(DefaultSizingConfig())
	s.RecordTrade("x", 5, true)
	s.RecordTrade("x", 5, true)
	s.RecordTrade("x", -3, false)

	perf, ok := s.Performance("x")
	if !ok {
		t.Fatalf("expected performance to be tracked")
	}
	if perf.CurrentWinStreak != 0 {
		t.Fatalf("CurrentWinStreak = %d, want 0 after a loss", perf.CurrentWinStreak)
	}
	if perf.CurrentLossStreak != 1 {
		t.Fatalf("CurrentLossStreak = %d, want 1", perf.CurrentLossStreak)
	}
}
