package runner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koshedu/strategy-engine/internal/exchange"
	"github.com/koshedu/strategy-engine/internal/risk"
	"github.com/koshedu/strategy-engine/internal/strategy"
)

func newTestRunner(t *testing.T, handler http.HandlerFunc, cfg Config) (*Runner, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	client, err := exchange.New("key", "secret", server.URL, true)
	if err != nil {
		t.Fatalf("exchange.New: %v", err)
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = "s1"
	}
	if cfg.StrategyType == "" {
		cfg.StrategyType = "ema_crossover"
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.RiskPerTrade == 0 {
		cfg.RiskPerTrade = 0.01
	}
	r, err := New(cfg, client, nil, strategy.NewRegistry(), risk.NewSizer(risk.SizingConfig{}), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, server
}

func flatAccountHandler(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/fapi/v2/positionRisk":
		_ = json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "positionAmt": "0"}})
	case req.URL.Path == "/fapi/v2/account":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"assets": []map[string]string{{"asset": "USDT", "walletBalance": "1000", "availableBalance": "1000"}},
		})
	case req.URL.Path == "/fapi/v1/klines":
		_ = json.NewEncoder(w).Encode([][]interface{}{})
	case req.URL.Path == "/fapi/v1/ticker/price":
		_ = json.NewEncoder(w).Encode(map[string]string{"price": "100"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestTickWithFlatPositionAndInsufficientDataHolds(t *testing.T) {
	r, server := newTestRunner(t, flatAccountHandler, Config{})
	defer server.Close()

	if err := r.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	status, err := r.Status()
	if status != StatusStopped && status != StatusRunning {
		t.Fatalf("unexpected status after a quiet tick: %s (%v)", status, err)
	}
}

func TestIntervalDurationParsesCommonUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"1m": time.Minute, "5m": 5 * time.Minute, "1h": time.Hour,
		"4h": 4 * time.Hour, "1d": 24 * time.Hour, "": time.Minute, "x": time.Minute,
	}
	for in, want := range cases {
		if got := intervalDuration(in); got != want {
			t.Errorf("intervalDuration(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestIsFatalClassifiesExchangeCodes(t *testing.T) {
	fatal := []*exchange.Error{
		{Code: exchange.CodeAuthFailure}, {Code: exchange.CodeInvalidLeverage}, {Code: exchange.CodeInvalidSymbol},
	}
	for _, e := range fatal {
		if !isFatal(e) {
			t.Errorf("expected %s to be fatal", e.Code)
		}
	}
	transient := []*exchange.Error{
		{Code: exchange.CodeRateLimit}, {Code: exchange.CodeBreakerOpen}, {Code: exchange.CodeNetwork},
	}
	for _, e := range transient {
		if isFatal(e) {
			t.Errorf("expected %s to be non-fatal", e.Code)
		}
	}
}

func TestCancelStopsRunLoopPromptly(t *testing.T) {
	r, server := newTestRunner(t, flatAccountHandler, Config{Interval: "1m"})
	defer server.Close()

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after Cancel")
	}

	status, _ := r.Status()
	if status != StatusStopped {
		t.Fatalf("expected StatusStopped after cancel, got %s", status)
	}
}

func TestUpdateParamsPreservesPositionAcrossSwap(t *testing.T) {
	r, server := newTestRunner(t, flatAccountHandler, Config{})
	defer server.Close()

	r.mu.Lock()
	r.strat.SyncPositionState(strategy.PositionState{Flat: false, Side: "LONG", EntryPrice: 123.45})
	r.mu.Unlock()

	if err := r.UpdateParams(map[string]string{"ema_fast": "5", "ema_slow": "20"}); err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}

	r.mu.Lock()
	state := r.strat.CurrentState()
	r.mu.Unlock()

	if state.Flat || state.EntryPrice != 123.45 || state.Side != "LONG" {
		t.Fatalf("expected position carried over the swap, got %+v", state)
	}
}

func TestUpdateParamsRejectsUnsupportedStrategyType(t *testing.T) {
	r, server := newTestRunner(t, flatAccountHandler, Config{})
	defer server.Close()
	r.cfg.StrategyType = "not_a_real_strategy"

	if err := r.UpdateParams(map[string]string{}); err == nil {
		t.Fatal("expected an error for an unsupported strategy type")
	}
}

func TestIsDuplicateOrderErrorMatchesBinanceCode(t *testing.T) {
	if !isDuplicateOrderError(&exchange.Error{BinanceErr: -2022}) {
		t.Fatal("expected -2022 to be classified as a duplicate order error")
	}
	if isDuplicateOrderError(&exchange.Error{BinanceErr: -1013}) {
		t.Fatal("expected -1013 to not be classified as a duplicate order error")
	}
}
