package marketdata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(srv.URL, rate.NewLimiter(rate.Inf, 1), nil)
	return c, srv.Close
}

func TestGetKlinesParsesRows(t *testing.T) {
	row := []interface{}{
		1700000000000, "100.0", "101.0", "99.0", "100.5", "10.0",
		1700000059999, "1000.0", 5, "6.0", "600.0", "0",
	}
	payload, _ := json.Marshal([][]interface{}{row})

	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	defer closeFn()

	klines, err := c.GetKlines("BTCUSDT", "1m", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("len(klines) = %d, want 1", len(klines))
	}
	if klines[0].Close != 100.5 || klines[0].CloseTime != 1700000059999 {
		t.Fatalf("unexpected kline: %+v", klines[0])
	}
}

func TestGetPriceParsesResponse(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"67890.12"}`)
	})
	defer closeFn()

	price, err := c.GetPrice("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 67890.12 {
		t.Fatalf("price = %v, want 67890.12", price)
	}
}

func TestGetExchangeInfoIsCachedAfterFirstFetch(t *testing.T) {
	calls := 0
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,
			"filters":[{"filterType":"LOT_SIZE","stepSize":"0.001"},{"filterType":"MIN_NOTIONAL","notional":"5"}]}]}`)
	})
	defer closeFn()

	for i := 0; i < 3; i++ {
		info, err := c.GetExchangeInfo()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(info.Symbols) != 1 || info.Symbols[0].QuantityStep != 0.001 || info.Symbols[0].MinNotional != 5 {
			t.Fatalf("unexpected info: %+v", info.Symbols)
		}
	}
	if calls != 1 {
		t.Fatalf("exchangeInfo fetched %d times, want 1 (cached once per process)", calls)
	}
}

func TestInvalidSymbolMapsToTypedError(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	})
	defer closeFn()

	_, err := c.GetPrice("NOTASYMBOL")
	mdErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if mdErr.Code != CodeInvalidSymbol {
		t.Fatalf("Code = %v, want CodeInvalidSymbol", mdErr.Code)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	attempts := 0
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"1"}`)
	})
	defer closeFn()

	price, err := c.GetPrice("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if price != 1 {
		t.Fatalf("price = %v, want 1", price)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one 429 then a success)", attempts)
	}
}
