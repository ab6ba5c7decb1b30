// Package stats tracks realized PnL by FIFO lot-matching each strategy's
// executed-order journal, with an overall-stats aggregate cached for 30
// seconds.
package stats

import (
	"sort"
	"sync"
	"time"
)

// cacheTTL matches the "Cache overall stats for up to 30 s" contract.
const cacheTTL = 30 * time.Second

// Execution is one filled order appended to a strategy's journal. Side is
// the exchange order side ("BUY"/"SELL"), not the resulting position side.
type Execution struct {
	StrategyID string
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64
	Timestamp  time.Time
}

// CompletedTrade is one closed (or partially closed) lot produced by the
// FIFO walk.
type CompletedTrade struct {
	StrategyID string
	Side       string // position side that was closed: "LONG" or "SHORT"
	Quantity   float64
	PnL        float64
	ClosedAt   time.Time
}

// StrategyStats is the realized-PnL aggregate for one strategy's journal.
type StrategyStats struct {
	StrategyID      string
	TotalTrades     int
	CompletedTrades int
	TotalPnL        float64
	WinRate         float64
	WinningTrades   int
	LosingTrades    int
	AvgPnL          float64
	LargestWin      float64
	LargestLoss     float64
	LastTradeAt     time.Time
}

// OverallStats aggregates across every strategy with a journal.
type OverallStats struct {
	TotalStrategies int
	TotalTrades     int
	CompletedTrades int
	TotalPnL        float64
	WinRate         float64
	WinningTrades   int
	LosingTrades    int
	AvgPnL          float64
	BestStrategy    string
	WorstStrategy   string
}

// lot is one open FIFO position slice: quantity at an entry price on one
// side, oldest first.
type lot struct {
	quantity   float64
	entryPrice float64
	side       string // "LONG" or "SHORT"
}

// Tracker owns the per-strategy execution journals and a short-lived
// overall-stats cache; safe for concurrent use by multiple runners.
type Tracker struct {
	mu       sync.Mutex
	journals map[string][]Execution

	cachedAt    time.Time
	cachedStats OverallStats
	haveCache   bool
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{journals: make(map[string][]Execution)}
}

// Record appends an execution to strategyID's journal. The journal is
// append-only; stats are recomputed from the full history on read.
func (t *Tracker) Record(exec Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journals[exec.StrategyID] = append(t.journals[exec.StrategyID], exec)
	t.haveCache = false
}

// StrategyStats walks strategyID's journal and returns its aggregate. The
// second return is false if no journal exists for strategyID.
func (t *Tracker) StrategyStats(strategyID string) (StrategyStats, bool) {
	t.mu.Lock()
	journal := append([]Execution(nil), t.journals[strategyID]...)
	t.mu.Unlock()

	if journal == nil {
		return StrategyStats{}, false
	}
	return computeStrategyStats(strategyID, journal), true
}

// OverallStats aggregates every strategy's stats, reusing a cached result
// if it's under 30 seconds old and no execution has been recorded since.
func (t *Tracker) OverallStats(now time.Time) OverallStats {
	t.mu.Lock()
	if t.haveCache && now.Sub(t.cachedAt) < cacheTTL {
		cached := t.cachedStats
		t.mu.Unlock()
		return cached
	}
	ids := make([]string, 0, len(t.journals))
	journals := make(map[string][]Execution, len(t.journals))
	for id, j := range t.journals {
		ids = append(ids, id)
		journals[id] = append([]Execution(nil), j...)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	result := aggregateOverall(ids, journals)

	t.mu.Lock()
	t.cachedAt = now
	t.cachedStats = result
	t.haveCache = true
	t.mu.Unlock()

	return result
}

func aggregateOverall(ids []string, journals map[string][]Execution) OverallStats {
	var out OverallStats
	out.TotalStrategies = len(ids)

	var bestPnL, worstPnL float64
	haveBest, haveWorst := false, false

	for _, id := range ids {
		s := computeStrategyStats(id, journals[id])
		out.TotalTrades += s.TotalTrades
		out.CompletedTrades += s.CompletedTrades
		out.TotalPnL += s.TotalPnL
		out.WinningTrades += s.WinningTrades
		out.LosingTrades += s.LosingTrades

		if s.TotalPnL > 0 && (!haveBest || s.TotalPnL > bestPnL) {
			bestPnL, haveBest = s.TotalPnL, true
			out.BestStrategy = id
		}
		if s.TotalPnL < 0 && (!haveWorst || s.TotalPnL < worstPnL) {
			worstPnL, haveWorst = s.TotalPnL, true
			out.WorstStrategy = id
		}
	}

	if out.WinningTrades+out.LosingTrades > 0 {
		out.WinRate = float64(out.WinningTrades) / float64(out.WinningTrades+out.LosingTrades) * 100
	}
	if out.CompletedTrades > 0 {
		out.AvgPnL = out.TotalPnL / float64(out.CompletedTrades)
	}
	return out
}

func computeStrategyStats(strategyID string, journal []Execution) StrategyStats {
	completed := fifoMatch(strategyID, journal)

	s := StrategyStats{StrategyID: strategyID, TotalTrades: len(journal), CompletedTrades: len(completed)}
	for _, c := range completed {
		s.TotalPnL += c.PnL
		if c.PnL > 0 {
			s.WinningTrades++
			if c.PnL > s.LargestWin {
				s.LargestWin = c.PnL
			}
		} else if c.PnL < 0 {
			s.LosingTrades++
			if c.PnL < s.LargestLoss {
				s.LargestLoss = c.PnL
			}
		}
	}
	if len(completed) > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(len(completed)) * 100
		s.AvgPnL = s.TotalPnL / float64(len(completed))
	}
	if len(journal) > 0 {
		s.LastTradeAt = journal[len(journal)-1].Timestamp
	}
	return s
}

// fifoMatch walks an ordered journal maintaining a FIFO queue of open lots.
// A BUY reduces the oldest SHORT lot(s) first, then opens a LONG lot for
// any residual quantity; a SELL is symmetric. Each reduction emits one
// CompletedTrade with PnL attributed to the side being closed.
func fifoMatch(strategyID string, journal []Execution) []CompletedTrade {
	var lots []lot
	var completed []CompletedTrade

	for _, exec := range journal {
		remaining := exec.Quantity
		closeSide := "SHORT"
		openSide := "LONG"
		if exec.Side == "SELL" {
			closeSide, openSide = "LONG", "SHORT"
		}

		for remaining > 0 && len(lots) > 0 && lots[0].side == closeSide {
			head := lots[0]
			closeQty := remaining
			if head.quantity <= remaining {
				closeQty = head.quantity
				lots = lots[1:]
			} else {
				lots[0].quantity -= remaining
			}

			var pnl float64
			if closeSide == "LONG" {
				pnl = (exec.Price - head.entryPrice) * closeQty
			} else {
				pnl = (head.entryPrice - exec.Price) * closeQty
			}
			completed = append(completed, CompletedTrade{
				StrategyID: strategyID, Side: closeSide, Quantity: closeQty, PnL: pnl, ClosedAt: exec.Timestamp,
			})
			remaining -= closeQty
		}

		if remaining > 0 {
			lots = append(lots, lot{quantity: remaining, entryPrice: exec.Price, side: openSide})
		}
	}
	return completed
}
