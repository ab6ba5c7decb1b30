// Package autotune implements the interface-only contract between the core
// engine and an external auto-tuning collaborator. The core supplies
// inputs (completed-trade events, a performance snapshot) and applies
// outputs (update_params calls onto runners); the tuning decision logic
// itself — performance screening, validation-score comparison, A/B
// gating — lives entirely outside this package.
package autotune

import (
	"math"
	"sync"
	"time"
)

// TradeEvent is one completed-trade push from a runner.
type TradeEvent struct {
	StrategyID string
	PnL        float64
	ClosedAt   time.Time
}

// PerformanceSnapshot is what performance_snapshot(strategy_id, days)
// returns; field names mirror the validation-run vocabulary a tuning
// collaborator already speaks (return/sharpe/drawdown over a 30-day
// validation window, win rate, profit factor, trade count).
type PerformanceSnapshot struct {
	StrategyID           string
	Days                 int
	ValidationReturnPct  float64
	ValidationSharpe     float64
	ValidationDrawdownPct float64
	WinRate              float64
	ProfitFactor         float64
	TradeCount           int
}

// ParamApplier is the runner side of update_params: a runner registry
// keyed by strategy ID that actually swaps live parameters.
type ParamApplier interface {
	UpdateParams(strategyID string, newParams map[string]string) error
}

// strategyState tracks what Trigger needs to debounce and to build a
// snapshot for one strategy.
type strategyState struct {
	trades       []TradeEvent
	lastTunedAt  time.Time
	everTuned    bool
}

// Trigger is the core's half of the auto-tune contract: a per-strategy
// event log plus debounce bookkeeping. It holds no tuning logic.
type Trigger struct {
	mu       sync.Mutex
	states   map[string]*strategyState
	applier  ParamApplier

	minTimeBetweenTuning time.Duration
	minTrades            int
}

// Config holds the debounce thresholds a tuning collaborator must clear.
type Config struct {
	MinTimeBetweenTuningHours float64
	MinTrades                 int
}

// DefaultConfig mirrors typical validation-driven tuning cadences: don't
// retune more than once every 24h, and require at least 20 recorded trades
// in total before trusting the sample (a tune does not reset the count).
func DefaultConfig() Config {
	return Config{MinTimeBetweenTuningHours: 24, MinTrades: 20}
}

// New builds a Trigger that applies accepted parameter updates through
// applier.
func New(cfg Config, applier ParamApplier) *Trigger {
	if cfg.MinTimeBetweenTuningHours <= 0 {
		cfg.MinTimeBetweenTuningHours = DefaultConfig().MinTimeBetweenTuningHours
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = DefaultConfig().MinTrades
	}
	return &Trigger{
		states:               make(map[string]*strategyState),
		applier:              applier,
		minTimeBetweenTuning: time.Duration(cfg.MinTimeBetweenTuningHours * float64(time.Hour)),
		minTrades:            cfg.MinTrades,
	}
}

func (t *Trigger) stateFor(strategyID string) *strategyState {
	s, ok := t.states[strategyID]
	if !ok {
		s = &strategyState{}
		t.states[strategyID] = s
	}
	return s
}

// Push records a completed-trade event for strategyID.
func (t *Trigger) Push(event TradeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(event.StrategyID)
	s.trades = append(s.trades, event)
}

// PerformanceSnapshot computes the 30-day-style validation inputs an
// external collaborator needs to decide whether to tune, restricted to
// trades closed within the last `days`.
func (t *Trigger) PerformanceSnapshot(strategyID string, days int, now time.Time) PerformanceSnapshot {
	t.mu.Lock()
	trades := append([]TradeEvent(nil), t.stateFor(strategyID).trades...)
	t.mu.Unlock()

	cutoff := now.AddDate(0, 0, -days)
	var windowed []TradeEvent
	for _, tr := range trades {
		if !tr.ClosedAt.Before(cutoff) {
			windowed = append(windowed, tr)
		}
	}

	snap := PerformanceSnapshot{StrategyID: strategyID, Days: days, TradeCount: len(windowed)}
	if len(windowed) == 0 {
		return snap
	}

	var totalPnL, grossProfit, grossLoss float64
	wins := 0
	for _, tr := range windowed {
		totalPnL += tr.PnL
		if tr.PnL > 0 {
			wins++
			grossProfit += tr.PnL
		} else if tr.PnL < 0 {
			grossLoss += -tr.PnL
		}
	}
	snap.WinRate = float64(wins) / float64(len(windowed)) * 100
	if grossLoss > 0 {
		snap.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		snap.ProfitFactor = grossProfit // no losses: treat as unbounded-but-finite upside
	}
	snap.ValidationReturnPct = totalPnL
	snap.ValidationSharpe = sharpeRatio(windowed)
	snap.ValidationDrawdownPct = maxDrawdownPct(windowed)
	return snap
}

// sharpeRatio is the mean/stddev of per-trade PnL, zero when there's no
// variance to divide by (a single trade, or every trade identical).
func sharpeRatio(trades []TradeEvent) float64 {
	n := float64(len(trades))
	if n < 2 {
		return 0
	}
	var sum float64
	for _, tr := range trades {
		sum += tr.PnL
	}
	mean := sum / n

	var variance float64
	for _, tr := range trades {
		d := tr.PnL - mean
		variance += d * d
	}
	variance /= n
	if variance <= 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// maxDrawdownPct walks the cumulative PnL curve implied by trades in order
// and returns the largest peak-to-trough percentage drop.
func maxDrawdownPct(trades []TradeEvent) float64 {
	var cum, peak, maxDD float64
	for _, tr := range trades {
		cum += tr.PnL
		if cum > peak {
			peak = cum
		}
		if peak > 0 {
			dd := (peak - cum) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// CanTune reports whether strategyID is eligible for a new tuning pass per
// the debounce rule: refuse within min_time_between_tuning_hours of the
// last applied change, and refuse when total_trades < min_trades.
func (t *Trigger) CanTune(strategyID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(strategyID)

	if s.everTuned && now.Sub(s.lastTunedAt) < t.minTimeBetweenTuning {
		return false
	}
	if len(s.trades) < t.minTrades {
		return false
	}
	return true
}

// ApplyTuning calls through to the runner's UpdateParams (accept:
// update_params) and, on success, records the tuning time
// so CanTune's debounce takes effect for the next request. The caller is
// expected to have already checked CanTune; ApplyTuning does not
// re-validate the debounce itself; it only enforces it is recorded.
func (t *Trigger) ApplyTuning(strategyID string, newParams map[string]string, now time.Time) error {
	if err := t.applier.UpdateParams(strategyID, newParams); err != nil {
		return err
	}
	t.mu.Lock()
	s := t.stateFor(strategyID)
	s.lastTunedAt = now
	s.everTuned = true
	t.mu.Unlock()
	return nil
}
