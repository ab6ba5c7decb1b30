package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	c, err := New("test-key", "test-secret", server.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, server
}

func TestGetBalanceFindsNamedAsset(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"assets": []map[string]string{
				{"asset": "USDT", "walletBalance": "1000.5", "availableBalance": "800.25", "unrealizedProfit": "5.0"},
			},
		})
	})
	defer server.Close()

	bal, err := c.GetBalance("USDT")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.WalletBalance != 1000.5 || bal.AvailableBalance != 800.25 {
		t.Fatalf("unexpected balance: %+v", bal)
	}
}

func TestGetPositionBySymbolPrefersNonZeroInHedgeMode(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "BTCUSDT", "positionAmt": "0", "positionSide": "LONG"},
			{"symbol": "BTCUSDT", "positionAmt": "-0.5", "positionSide": "SHORT"},
		})
	})
	defer server.Close()

	pos, err := c.GetPositionBySymbol("BTCUSDT")
	if err != nil {
		t.Fatalf("GetPositionBySymbol: %v", err)
	}
	if pos.PositionSide != "SHORT" || pos.PositionAmt != -0.5 {
		t.Fatalf("expected non-zero SHORT leg, got %+v", pos)
	}
}

func TestPlaceOrderRoundsQuantityToSymbolStep(t *testing.T) {
	var capturedQty string
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if strings.Contains(r.URL.Path, "/positionRisk") {
			_ = json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "positionAmt": "0.123", "leverage": "10", "marginType": "ISOLATED"}})
			return
		}
		capturedQty = r.FormValue("quantity")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId": 1, "symbol": "BTCUSDT", "status": "FILLED",
			"executedQty": "0.123", "origQty": "0.123", "avgPrice": "50000",
		})
	})
	defer server.Close()

	_, err := c.PlaceOrder(OrderParams{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Quantity: 0.1239})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if capturedQty != "0.123" {
		t.Fatalf("expected quantity rounded to 0.123, got %s", capturedQty)
	}
}

func TestRateLimitErrorClassifiesAsBreakerFailure(t *testing.T) {
	calls := 0
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	})
	defer server.Close()

	_, err := c.GetBalance("USDT")
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	exchErr, ok := err.(*Error)
	if !ok || exchErr.Code != CodeRateLimit {
		t.Fatalf("expected CodeRateLimit, got %v", err)
	}
	if f := c.Breaker().GetStats().Failures; f != 1 {
		t.Fatalf("breaker failures = %d, want 1 after one rate-limited call", f)
	}
}

func TestInvalidSymbolDoesNotTripBreaker(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})
	defer server.Close()

	for i := 0; i < 10; i++ {
		_, err := c.GetPositionBySymbol("NOTREAL")
		exchErr, ok := err.(*Error)
		if !ok || exchErr.Code != CodeInvalidSymbol {
			t.Fatalf("expected CodeInvalidSymbol, got %v", err)
		}
	}
	if c.Breaker().State() != 0 {
		t.Fatalf("expected breaker to remain closed, got state %v", c.Breaker().State())
	}
}

func TestClosePositionIsNoopWhenFlat(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "positionAmt": "0"}})
	})
	defer server.Close()

	order, err := c.ClosePosition("BTCUSDT")
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if order != nil {
		t.Fatalf("expected nil order for flat position, got %+v", order)
	}
}

func TestSignedRequestIncludesAPIKeyHeader(t *testing.T) {
	var sawHeader string
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get("X-MBX-APIKEY")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"assets": []map[string]string{}})
	})
	defer server.Close()

	_, _ = c.GetBalance("USDT")
	if sawHeader != "test-key" {
		t.Fatalf("expected X-MBX-APIKEY header, got %q", sawHeader)
	}
}
