package stats

import (
	"testing"
	"time"
)

func exec(strategyID, side string, qty, price float64, ts time.Time) Execution {
	return Execution{StrategyID: strategyID, Symbol: "BTCUSDT", Side: side, Quantity: qty, Price: price, Timestamp: ts}
}

func TestFifoMatchLongRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	journal := []Execution{
		exec("s1", "BUY", 1, 100, now),
		exec("s1", "SELL", 1, 110, now.Add(time.Minute)),
	}
	completed := fifoMatch("s1", journal)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trade, got %d", len(completed))
	}
	if completed[0].Side != "LONG" || completed[0].PnL != 10 {
		t.Fatalf("unexpected completed trade: %+v", completed[0])
	}
}

func TestFifoMatchShortRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	journal := []Execution{
		exec("s1", "SELL", 2, 100, now),
		exec("s1", "BUY", 2, 90, now.Add(time.Minute)),
	}
	completed := fifoMatch("s1", journal)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trade, got %d", len(completed))
	}
	if completed[0].Side != "SHORT" || completed[0].PnL != 20 {
		t.Fatalf("unexpected completed trade: %+v", completed[0])
	}
}

func TestFifoMatchPartialCloseThenFlip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	// Open 3 LONG, then SELL 5: closes the 3 LONG lot and opens 2 SHORT.
	journal := []Execution{
		exec("s1", "BUY", 3, 100, now),
		exec("s1", "SELL", 5, 110, now.Add(time.Minute)),
	}
	completed := fifoMatch("s1", journal)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trade from the LONG close, got %d", len(completed))
	}
	if completed[0].Quantity != 3 || completed[0].PnL != 30 {
		t.Fatalf("unexpected close: %+v", completed[0])
	}

	// Closing out the residual 2 SHORT lot should now show up too.
	journal = append(journal, exec("s1", "BUY", 2, 90, now.Add(2*time.Minute)))
	completed = fifoMatch("s1", journal)
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed trades after flip+close, got %d", len(completed))
	}
	if completed[1].Side != "SHORT" || completed[1].Quantity != 2 || completed[1].PnL != 40 {
		t.Fatalf("unexpected second close: %+v", completed[1])
	}
}

func TestFifoMatchOrdersOldestLotFirst(t *testing.T) {
	now := time.Unix(1700000000, 0)
	journal := []Execution{
		exec("s1", "BUY", 1, 100, now),
		exec("s1", "BUY", 1, 200, now.Add(time.Minute)),
		exec("s1", "SELL", 1, 150, now.Add(2*time.Minute)),
	}
	completed := fifoMatch("s1", journal)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trade, got %d", len(completed))
	}
	if completed[0].PnL != 50 { // closes the 100-entry lot first, not the 200 one
		t.Fatalf("expected FIFO to close the oldest lot first, got pnl=%v", completed[0].PnL)
	}
}

func TestStrategyStatsUnknownStrategyReturnsFalse(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.StrategyStats("nope"); ok {
		t.Fatal("expected no stats for a strategy with no journal")
	}
}

func TestStrategyStatsAggregatesWinRateAndPnL(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(exec("s1", "BUY", 1, 100, now))
	tr.Record(exec("s1", "SELL", 1, 110, now.Add(time.Minute)))
	tr.Record(exec("s1", "BUY", 1, 100, now.Add(2*time.Minute)))
	tr.Record(exec("s1", "SELL", 1, 90, now.Add(3*time.Minute)))

	s, ok := tr.StrategyStats("s1")
	if !ok {
		t.Fatal("expected stats for s1")
	}
	if s.CompletedTrades != 2 || s.WinningTrades != 1 || s.LosingTrades != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.TotalPnL != 0 {
		t.Fatalf("expected total pnl 0 (one +10, one -10), got %v", s.TotalPnL)
	}
	if s.WinRate != 50 {
		t.Fatalf("expected 50%% win rate, got %v", s.WinRate)
	}
}

func TestOverallStatsPicksBestAndWorstStrategy(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(exec("winner", "BUY", 1, 100, now))
	tr.Record(exec("winner", "SELL", 1, 150, now.Add(time.Minute)))
	tr.Record(exec("loser", "BUY", 1, 100, now))
	tr.Record(exec("loser", "SELL", 1, 80, now.Add(time.Minute)))

	overall := tr.OverallStats(now.Add(time.Hour))
	if overall.BestStrategy != "winner" {
		t.Fatalf("expected winner to be best strategy, got %q", overall.BestStrategy)
	}
	if overall.WorstStrategy != "loser" {
		t.Fatalf("expected loser to be worst strategy, got %q", overall.WorstStrategy)
	}
}

func TestOverallStatsIsCachedWithin30Seconds(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(exec("s1", "BUY", 1, 100, now))
	tr.Record(exec("s1", "SELL", 1, 110, now.Add(time.Minute)))

	first := tr.OverallStats(now)
	// Record another trade but ask within the cache window: should not see it.
	tr.journals["s1"] = append(tr.journals["s1"], exec("s1", "BUY", 1, 100, now.Add(2*time.Minute)))
	tr.haveCache = true // simulate an unexpired cache from the first read
	second := tr.OverallStats(now.Add(10 * time.Second))
	if second.TotalTrades != first.TotalTrades {
		t.Fatalf("expected cached result to ignore the new journal entry, got %+v vs %+v", second, first)
	}

	third := tr.OverallStats(now.Add(31 * time.Second))
	if third.TotalTrades == first.TotalTrades {
		t.Fatal("expected cache to expire after 30s and pick up the new journal entry")
	}
}
