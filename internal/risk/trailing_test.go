package risk

import "testing"

func TestTrailingStopLongInitialLevels(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Long, 100, 0.02, 0.01, 0)
	tp, sl, best, activated := ts.Levels()
	if tp != 102 || sl != 99 || best != 100 {
		t.Fatalf("initial levels = tp=%v sl=%v best=%v, want tp=102 sl=99 best=100", tp, sl, best)
	}
	if !activated {
		t.Fatalf("activation_pct=0 should activate immediately")
	}
}

func TestTrailingStopActivationGatesUpdate(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Long, 100, 0.02, 0.01, 0.05)
	if _, activated := ts.Update(103); activated {
		t.Fatalf("update below activation price should not ratchet")
	}
	_, _, best, activated := ts.Levels()
	if activated || best != 100 {
		t.Fatalf("state changed before activation: best=%v activated=%v", best, activated)
	}

	update, moved := ts.Update(106) // >= activation price of 105
	if !moved {
		t.Fatalf("expected a ratchet once activation price is crossed")
	}
	if update.NewSL <= 99 {
		t.Fatalf("NewSL = %v, want > initial 99 after ratcheting from best=106", update.NewSL)
	}
}

func TestTrailingStopLongRatchetsUpOnly(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Long, 100, 0.02, 0.01, 0)

	if _, moved := ts.Update(105); !moved {
		t.Fatalf("expected ratchet on price improvement")
	}
	_, sl1, _, _ := ts.Levels()

	// Price retreats: must not move SL back down.
	if _, moved := ts.Update(102); moved {
		t.Fatalf("retreat should not ratchet")
	}
	_, sl2, _, _ := ts.Levels()
	if sl2 != sl1 {
		t.Fatalf("SL moved on a retreat: %v -> %v", sl1, sl2)
	}
}

func TestTrailingStopShortRatchetsDownOnly(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Short, 100, 0.02, 0.01, 0)
	tp, sl, _, _ := ts.Levels()
	if tp != 98 || sl != 101 {
		t.Fatalf("initial short levels tp=%v sl=%v, want tp=98 sl=101", tp, sl)
	}

	ts.Update(95)
	_, sl1, _, _ := ts.Levels()
	if sl1 >= 101 {
		t.Fatalf("SL should have ratcheted down below 101, got %v", sl1)
	}

	ts.Update(98) // retreat upward
	_, sl2, _, _ := ts.Levels()
	if sl2 != sl1 {
		t.Fatalf("SL moved on a retreat: %v -> %v", sl1, sl2)
	}
}

func TestTrailingStopCheckExit(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Long, 100, 0.02, 0.01, 0)
	if reason := ts.CheckExit(102); reason != ExitTP {
		t.Fatalf("CheckExit(102) = %v, want TP", reason)
	}
	if reason := ts.CheckExit(99); reason != ExitSL {
		t.Fatalf("CheckExit(99) = %v, want SL", reason)
	}
	if reason := ts.CheckExit(100.5); reason != ExitNone {
		t.Fatalf("CheckExit(100.5) = %v, want none", reason)
	}
}

func TestTrailingStopReset(t *testing.T) {
	ts := NewTrailingStop("BTCUSDT", Long, 100, 0.02, 0.01, 0)
	ts.Update(110)
	ts.Reset(200)
	tp, sl, best, _ := ts.Levels()
	if best != 200 || tp != 204 || sl != 198 {
		t.Fatalf("after reset tp=%v sl=%v best=%v, want tp=204 sl=198 best=200", tp, sl, best)
	}
}

func TestTrailingManagerLifecycle(t *testing.T) {
	m := NewTrailingManager()
	m.Open("BTCUSDT", Long, 100, 0.02, 0.01, 0)

	if _, _, _, _, ok := m.Levels("ETHUSDT"); ok {
		t.Fatalf("expected no levels for untracked symbol")
	}

	m.Update("BTCUSDT", 105)
	tp, _, _, _, ok := m.Levels("BTCUSDT")
	if !ok || tp <= 102 {
		t.Fatalf("expected ratcheted TP above 102, got tp=%v ok=%v", tp, ok)
	}

	m.Close("BTCUSDT")
	if _, ok := m.CheckExit("BTCUSDT", 105); ok {
		t.Fatalf("expected position to be gone after Close")
	}
}
