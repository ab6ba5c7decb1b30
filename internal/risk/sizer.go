// Package risk implements position sizing and the per-position trailing
// stop manager.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/koshedu/strategy-engine/internal/indicator"
)

// ErrPositionSizing is returned when a sized position's notional falls below
// the symbol's exchange-enforced minimum.
var ErrPositionSizing = errors.New("position sizing: notional below minimum")

// SizingConfig governs the optional adjustment stages. Each stage is
// independently toggled; disabled stages leave the running quantity
// untouched. Defaults mirror the dynamic sizing reference: ATR period 14,
// a 2x ATR multiplier, 10%/15% win/loss streak steps capped at 50%, quarter
// Kelly gated behind 100 trades and capped at 10% of equity.
type SizingConfig struct {
	VolatilityEnabled bool
	ATRPeriod         int
	ATRMultiplier     float64

	PerformanceEnabled    bool
	WinStreakBoost        float64
	LossStreakReduction   float64
	MaxWinStreakBoost     float64
	MaxLossStreakReduction float64

	KellyEnabled          bool
	KellyFraction         float64
	MinTradesForKelly     int
	MaxKellyPositionPct   float64
}

// DefaultSizingConfig matches the reference defaults with every optional
// stage disabled; callers opt in per deployment.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		ATRPeriod:              14,
		ATRMultiplier:          2.0,
		WinStreakBoost:         0.10,
		LossStreakReduction:    0.15,
		MaxWinStreakBoost:      0.50,
		MaxLossStreakReduction: 0.50,
		KellyFraction:          0.25,
		MinTradesForKelly:      100,
		MaxKellyPositionPct:    0.10,
	}
}

const (
	adjustmentMin = 0.5
	adjustmentMax = 2.0
)

func clampAdjustment(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// SymbolRules is the exchange-reported quantity step and minimum notional
// for one symbol, needed to round and validate a sized quantity.
type SymbolRules struct {
	QuantityStep float64
	MinNotional  float64
}

// RoundQuantityToStep rounds q down to the nearest multiple of step. A
// non-positive step performs no rounding.
func RoundQuantityToStep(q, step float64) float64 {
	if step <= 0 {
		return q
	}
	return math.Floor(q/step) * step
}

// TradePerformance tracks one strategy's running win/loss record, used by
// the performance-streak and Kelly adjustment stages.
type TradePerformance struct {
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	TotalProfit      float64
	TotalLoss        float64
	CurrentWinStreak int
	CurrentLossStreak int
	LastTradePnL     *float64
}

// Result is what Size returns: the final rounded quantity and notional, plus
// the adjustment factors actually applied (for logging/diagnostics).
type Result struct {
	Quantity    float64
	Notional    float64
	Adjustments map[string]float64
}

// Sizer computes sized positions. It owns per-strategy performance state
// and a short-lived ATR cache; both are safe for concurrent use across
// runners sharing one Sizer.
type Sizer struct {
	cfg SizingConfig

	mu          sync.Mutex
	performance map[string]*TradePerformance
	atrCache    map[string]atrCacheEntry
}

type atrCacheEntry struct {
	value   float64
	cachedAt time.Time
}

const atrCacheTTL = 5 * time.Minute

// NewSizer constructs a Sizer with the given adjustment configuration.
func NewSizer(cfg SizingConfig) *Sizer {
	return &Sizer{
		cfg:         cfg,
		performance: make(map[string]*TradePerformance),
		atrCache:    make(map[string]atrCacheEntry),
	}
}

// SizeInput bundles the parameters needed for one sizing decision.
type SizeInput struct {
	Symbol        string
	RiskPerTrade  float64 // fraction of equity, e.g. 0.01 = 1%
	Equity        float64
	Price         float64
	FixedAmount   *float64
	StrategyID    string
	Candles       []indicator.Candle // recent closed candles, oldest first, for ATR
	Rules         SymbolRules
}

// Size computes a final position size per the base-sizing-then-three-stage
// pipeline: fixed-or-risk-based base notional, then volatility, performance,
// and Kelly adjustments in that order, each clamped to [0.5, 2.0], then
// rounding and a minimum-notional check.
func (s *Sizer) Size(in SizeInput) (Result, error) {
	var baseNotional float64
	if in.FixedAmount != nil {
		baseNotional = *in.FixedAmount
	} else {
		baseNotional = in.Equity * in.RiskPerTrade
	}
	if in.Price <= 0 || baseNotional <= 0 {
		return Result{}, fmt.Errorf("%w: symbol=%s price=%v notional=%v", ErrPositionSizing, in.Symbol, in.Price, baseNotional)
	}

	quantity := baseNotional / in.Price
	adjustments := make(map[string]float64)

	if s.cfg.VolatilityEnabled {
		if adj, ok := s.atrAdjustment(in.Symbol, in.Price, in.Candles); ok {
			quantity *= adj
			adjustments["atr"] = adj
		}
	}

	if s.cfg.PerformanceEnabled && in.StrategyID != "" {
		if adj := s.performanceAdjustment(in.StrategyID); adj != 1.0 {
			quantity *= adj
			adjustments["performance"] = adj
		}
	}

	if s.cfg.KellyEnabled && in.StrategyID != "" {
		if adj, ok := s.kellyAdjustment(in.StrategyID, quantity*in.Price, in.Equity); ok {
			quantity *= adj
			adjustments["kelly"] = adj
		}
	}

	quantity = RoundQuantityToStep(quantity, in.Rules.QuantityStep)
	notional := quantity * in.Price
	if notional < in.Rules.MinNotional {
		return Result{}, fmt.Errorf("%w: symbol=%s notional=%.8f min=%.8f", ErrPositionSizing, in.Symbol, notional, in.Rules.MinNotional)
	}

	return Result{Quantity: quantity, Notional: notional, Adjustments: adjustments}, nil
}

// atrAdjustment scales down size when volatility (ATR) is high relative to
// a 1%-of-price baseline, and up when it's low, capped to [0.5, 2.0].
// Skips (ok=false) when ATR can't be computed from the given candles.
func (s *Sizer) atrAdjustment(symbol string, price float64, candles []indicator.Candle) (float64, bool) {
	atrValue, ok := s.cachedATR(symbol, candles)
	if !ok || atrValue <= 0 {
		return 0, false
	}
	baseATR := price * 0.01
	adj := (baseATR / atrValue) * s.cfg.ATRMultiplier
	return clampAdjustment(adj, adjustmentMin, adjustmentMax), true
}

func (s *Sizer) cachedATR(symbol string, candles []indicator.Candle) (float64, bool) {
	s.mu.Lock()
	if entry, found := s.atrCache[symbol]; found && time.Since(entry.cachedAt) < atrCacheTTL {
		s.mu.Unlock()
		return entry.value, true
	}
	s.mu.Unlock()

	period := s.cfg.ATRPeriod
	if period <= 0 {
		period = DefaultSizingConfig().ATRPeriod
	}
	value, ok := indicator.ATR(candles, period)
	if !ok {
		return 0, false
	}

	s.mu.Lock()
	s.atrCache[symbol] = atrCacheEntry{value: value, cachedAt: time.Now()}
	s.mu.Unlock()
	return value, true
}

// performanceAdjustment boosts size on a win streak and shrinks it on a loss
// streak, each stepped and capped independently, net result clamped to
// [0.5, 1.5] (a narrower band than the other two stages, matching the
// reference implementation).
func (s *Sizer) performanceAdjustment(strategyID string) float64 {
	s.mu.Lock()
	perf := s.performance[strategyID]
	s.mu.Unlock()

	if perf == nil || perf.TotalTrades == 0 {
		return 1.0
	}

	adj := 1.0
	if perf.CurrentWinStreak > 0 {
		adj += math.Min(float64(perf.CurrentWinStreak)*s.cfg.WinStreakBoost, s.cfg.MaxWinStreakBoost)
	}
	if perf.CurrentLossStreak > 0 {
		adj -= math.Min(float64(perf.CurrentLossStreak)*s.cfg.LossStreakReduction, s.cfg.MaxLossStreakReduction)
	}
	return clampAdjustment(adj, 0.5, 1.5)
}

// kellyAdjustment applies a guarded fractional Kelly stage. It declines
// (ok=false) below the minimum sample size, or when the strategy has only
// wins or only losses (win/loss ratio undefined).
func (s *Sizer) kellyAdjustment(strategyID string, baseNotional, equity float64) (float64, bool) {
	s.mu.Lock()
	perf := s.performance[strategyID]
	s.mu.Unlock()

	minTrades := s.cfg.MinTradesForKelly
	if minTrades <= 0 {
		minTrades = DefaultSizingConfig().MinTradesForKelly
	}
	if perf == nil || perf.TotalTrades < minTrades || perf.WinningTrades == 0 || perf.LosingTrades == 0 {
		return 0, false
	}

	winRate := float64(perf.WinningTrades) / float64(perf.TotalTrades)
	avgWin := perf.TotalProfit / float64(perf.WinningTrades)
	avgLoss := math.Abs(perf.TotalLoss / float64(perf.LosingTrades))
	if avgLoss == 0 {
		return 0, false
	}

	winLossRatio := avgWin / avgLoss
	kelly := (winRate*winLossRatio - (1 - winRate)) / winLossRatio
	kelly = math.Max(0, kelly)

	fraction := s.cfg.KellyFraction
	if fraction <= 0 {
		fraction = DefaultSizingConfig().KellyFraction
	}
	fractionalKelly := kelly * fraction

	maxPct := s.cfg.MaxKellyPositionPct
	if maxPct <= 0 {
		maxPct = DefaultSizingConfig().MaxKellyPositionPct
	}
	maxNotional := equity * maxPct
	if kellyNotional := baseNotional * (1 + fractionalKelly); kellyNotional > maxNotional && baseNotional > 0 {
		fractionalKelly = math.Max(0, (maxNotional/baseNotional)-1)
	}

	return clampAdjustment(1+fractionalKelly, adjustmentMin, adjustmentMax), true
}

// RecordTrade updates a strategy's streak counters after a closed trade.
func (s *Sizer) RecordTrade(strategyID string, pnl float64, isWin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perf, ok := s.performance[strategyID]
	if !ok {
		perf = &TradePerformance{}
		s.performance[strategyID] = perf
	}

	perf.TotalTrades++
	pnlCopy := pnl
	perf.LastTradePnL = &pnlCopy

	if isWin {
		perf.WinningTrades++
		perf.TotalProfit += pnl
		perf.CurrentWinStreak++
		perf.CurrentLossStreak = 0
	} else {
		perf.LosingTrades++
		perf.TotalLoss += pnl
		perf.CurrentLossStreak++
		perf.CurrentWinStreak = 0
	}
}

// Performance returns a copy of a strategy's tracked performance, or false
// if nothing has been recorded yet.
func (s *Sizer) Performance(strategyID string) (TradePerformance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perf, ok := s.performance[strategyID]
	if !ok {
		return TradePerformance{}, false
	}
	return *perf, true
}
