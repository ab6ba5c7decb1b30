package idgen

import "testing"

func TestEntryIsDeterministicWithinSaltWindow(t *testing.T) {
	clock := int64(1_700_000_000)
	g := New("ema-crossover-btc", 60, func() int64 { return clock })

	first := g.Entry("BTCUSDT", "LONG", 12345)
	second := g.Entry("BTCUSDT", "LONG", 12345)
	if first != second {
		t.Fatalf("expected identical IDs within the same salt window, got %q and %q", first, second)
	}
}

func TestEntryChangesAcrossSaltWindows(t *testing.T) {
	clock := int64(1_700_000_000)
	g := New("ema-crossover-btc", 60, func() int64 { return clock })

	first := g.Entry("BTCUSDT", "LONG", 12345)
	clock += 120
	second := g.Entry("BTCUSDT", "LONG", 12345)
	if first == second {
		t.Fatal("expected a fresh ID once the salt window rotates")
	}
}

func TestEntryDiffersBySideAndCandle(t *testing.T) {
	clock := int64(1_700_000_000)
	g := New("s1", 60, func() int64 { return clock })

	long := g.Entry("BTCUSDT", "LONG", 1)
	short := g.Entry("BTCUSDT", "SHORT", 1)
	other := g.Entry("BTCUSDT", "LONG", 2)
	if long == short || long == other {
		t.Fatal("expected distinct IDs for distinct side/candle inputs")
	}
}

func TestExitAndEntryDoNotCollide(t *testing.T) {
	clock := int64(1_700_000_000)
	g := New("s1", 60, func() int64 { return clock })

	entry := g.Entry("BTCUSDT", "LONG", 1)
	exit := g.Exit("BTCUSDT", "LONG", 1)
	if entry == exit {
		t.Fatal("entry and exit IDs for the same candle must differ")
	}
}

func TestAllIDsFitBinanceLengthLimit(t *testing.T) {
	g := New("a-very-long-strategy-identifier-that-exceeds-eight-chars", 60, func() int64 { return 1_700_000_000 })
	for _, id := range []string{
		g.Entry("BTCUSDT", "LONG", 1),
		g.Exit("BTCUSDT", "SHORT", 2),
		Fallback("a-very-long-strategy-identifier"),
	} {
		if len(id) > MaxClientOrderIDLength {
			t.Fatalf("id %q exceeds max length %d", id, MaxClientOrderIDLength)
		}
	}
}
