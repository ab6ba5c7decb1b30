// Package exchange implements an authenticated REST client for one API
// credential against the exchange's futures trading API, with integrated
// time sync, symbol metadata caching, weighted rate limiting, and circuit
// breaker protection on every call.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/koshedu/strategy-engine/internal/breaker"
	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second

	ProductionBaseURL = "https://fapi.binance.com"
	TestnetBaseURL    = "https://testnet.binancefuture.com"
)

// Client is an authenticated futures REST client for one API credential.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *weightLimiter
	breaker    *breaker.Breaker
	symbols    *symbolCache
	log        *log.Logger

	timeOffsetMs atomic.Int64
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the transport (default: 15s-timeout client).
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithBreaker overrides the circuit breaker (default: DefaultConfig()).
func WithBreaker(b *breaker.Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithLogger overrides the logger (default: log.Default()).
func WithLogger(l *log.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a Client for one API credential. skipTimeSync is intended for
// tests, where there's no live server to query; production callers should
// leave it false so construction immediately establishes the clock offset.
func New(apiKey, secretKey, baseURL string, skipTimeSync bool, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    defaultWeightLimiter(),
		breaker:    breaker.New("exchange", breaker.DefaultConfig()),
		symbols:    newSymbolCache(),
		log:        log.Default().WithComponent("exchange"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if !skipTimeSync {
		if err := c.syncTime(); err != nil {
			return nil, fmt.Errorf("initial time sync: %w", err)
		}
		if err := c.loadSymbolRules(); err != nil {
			c.log.Warn("failed to load exchange symbol rules, falling back to defaults: %v", err)
		}
	}
	return c, nil
}

// Breaker exposes the underlying circuit breaker for inspection (e.g. the
// runner logging its state) without giving callers a way to bypass it.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// TimeOffsetMs returns the last-measured local-minus-server clock offset.
func (c *Client) TimeOffsetMs() int64 { return c.timeOffsetMs.Load() }

// SymbolRules exposes a symbol's cached quantity step and minimum notional
// (defaults on a cache miss) so callers outside this package — the risk
// sizer's pre-trade check, chiefly — can validate a sized order without
// duplicating the cache.
func (c *Client) SymbolRules(symbol string) (quantityStep, minNotional float64) {
	r := c.symbols.rulesFor(symbol)
	return r.quantityStep, r.minNotional
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// loadSymbolRules fetches exchange-wide symbol trading rules once and
// populates the symbol cache; a symbol missing a LOT_SIZE/MIN_NOTIONAL
// filter keeps using the documented defaults.
func (c *Client) loadSymbolRules() error {
	return c.callBreaker(func() error {
		body, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
		if err != nil {
			return err
		}
		var resp exchangeInfoResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode exchangeInfo: %v", err)}
		}
		for _, s := range resp.Symbols {
			r := defaultSymbolRules()
			for _, f := range s.Filters {
				switch f.FilterType {
				case "LOT_SIZE", "MARKET_LOT_SIZE":
					if step, err := strconv.ParseFloat(f.StepSize, 64); err == nil && step > 0 {
						r.quantityStep = step
					}
				case "MIN_NOTIONAL", "NOTIONAL":
					if mn, err := strconv.ParseFloat(f.MinNotional, 64); err == nil && mn > 0 {
						r.minNotional = mn
					}
				}
			}
			c.symbols.set(s.Symbol, r)
		}
		return nil
	})
}

// ==================== ACCOUNT ====================

type accountInfoResponse struct {
	Assets []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		AvailableBalance string `json:"availableBalance"`
		UnrealizedProfit string `json:"unrealizedProfit"`
	} `json:"assets"`
}

// GetBalance returns the named asset's wallet/available balance (0 if the
// asset isn't present in the account).
func (c *Client) GetBalance(asset string) (AccountBalance, error) {
	var result AccountBalance
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v2/account", map[string]string{})
		if err != nil {
			return err
		}
		var resp accountInfoResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode account info: %v", err)}
		}
		for _, a := range resp.Assets {
			if a.Asset != asset {
				continue
			}
			result = AccountBalance{
				Asset:            a.Asset,
				WalletBalance:    parseFloat(a.WalletBalance),
				AvailableBalance: parseFloat(a.AvailableBalance),
				UnrealizedProfit: parseFloat(a.UnrealizedProfit),
			}
			return nil
		}
		result = AccountBalance{Asset: asset}
		return nil
	})
	return result, err
}

// ==================== POSITIONS ====================

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	Notional         string `json:"notional"`
	UpdateTime       int64  `json:"updateTime"`
}

func (e positionRiskEntry) toPosition() Position {
	leverage, _ := strconv.Atoi(e.Leverage)
	return Position{
		Symbol:           e.Symbol,
		PositionAmt:      parseFloat(e.PositionAmt),
		EntryPrice:       parseFloat(e.EntryPrice),
		MarkPrice:        parseFloat(e.MarkPrice),
		UnrealizedProfit: parseFloat(e.UnrealizedProfit),
		LiquidationPrice: parseFloat(e.LiquidationPrice),
		Leverage:         leverage,
		MarginType:       e.MarginType,
		PositionSide:     e.PositionSide,
		Notional:         parseFloat(e.Notional),
		UpdateTime:       e.UpdateTime,
	}
}

// GetPositions returns every position row the account currently reports.
func (c *Client) GetPositions() ([]Position, error) {
	var result []Position
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{})
		if err != nil {
			return err
		}
		var entries []positionRiskEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode positions: %v", err)}
		}
		result = make([]Position, len(entries))
		for i, e := range entries {
			result[i] = e.toPosition()
		}
		return nil
	})
	return result, err
}

// GetPositionBySymbol returns symbol's position. In hedge mode, where two
// rows (LONG/SHORT) may be returned, the first row with non-zero amount
// wins; if both are flat, the first row is returned.
func (c *Client) GetPositionBySymbol(symbol string) (Position, error) {
	var result Position
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
		if err != nil {
			return err
		}
		var entries []positionRiskEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode position: %v", err)}
		}
		if len(entries) == 0 {
			return &Error{Code: CodeInvalidSymbol, Message: "position not found for symbol: " + symbol}
		}
		for _, e := range entries {
			if e.toPosition().PositionAmt != 0 {
				result = e.toPosition()
				return nil
			}
		}
		result = entries[0].toPosition()
		return nil
	})
	return result, err
}

// ClosePosition reads the current position for symbol and, if non-flat,
// submits a reduce-only market order in the opposing direction for the
// full size. Returns (nil, nil) if the position was already flat.
func (c *Client) ClosePosition(symbol string) (*Order, error) {
	pos, err := c.GetPositionBySymbol(symbol)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		return nil, nil
	}

	side := SideSell
	qty := pos.PositionAmt
	if pos.PositionAmt < 0 {
		side = SideBuy
		qty = -pos.PositionAmt
	}

	order, err := c.PlaceOrder(OrderParams{
		Symbol:     symbol,
		Side:       side,
		Type:       OrderMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	return order, err
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets symbol's leverage.
func (c *Client) SetLeverage(symbol string, leverage int) error {
	return c.callBreaker(func() error {
		_, err := c.signedPost("/fapi/v1/leverage", map[string]string{
			"symbol":   symbol,
			"leverage": strconv.Itoa(leverage),
		})
		return err
	})
}

// SetMarginType sets symbol's margin type. Exchange errors indicating the
// margin type is already set are swallowed, matching the idempotent intent
// of this call.
func (c *Client) SetMarginType(symbol string, marginType MarginType) error {
	return c.callBreaker(func() error {
		_, err := c.signedPost("/fapi/v1/marginType", map[string]string{
			"symbol":     symbol,
			"marginType": string(marginType),
		})
		if err != nil {
			if e, ok := err.(*Error); ok && e.BinanceErr == -4046 {
				return nil
			}
			return err
		}
		return nil
	})
}

// ==================== POSITION MODE ====================

// SetPositionMode switches between one-way and hedge mode. Exchange errors
// indicating the mode is already set are swallowed, matching the
// idempotent intent of this call.
func (c *Client) SetPositionMode(hedgeMode bool) error {
	return c.callBreaker(func() error {
		_, err := c.signedPost("/fapi/v1/positionSide/dual", map[string]string{
			"dualSidePosition": strconv.FormatBool(hedgeMode),
		})
		if err != nil {
			if e, ok := err.(*Error); ok && e.BinanceErr == -4059 {
				return nil
			}
			return err
		}
		return nil
	})
}

// GetPositionMode reports whether the account is currently in hedge mode.
func (c *Client) GetPositionMode() (bool, error) {
	var hedge bool
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v1/positionSide/dual", map[string]string{})
		if err != nil {
			return err
		}
		var resp struct {
			DualSidePosition bool `json:"dualSidePosition"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode position mode: %v", err)}
		}
		hedge = resp.DualSidePosition
		return nil
	})
	return hedge, err
}

// ==================== TRADING ====================

type orderResponse struct {
	OrderId       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderId string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toOrder() Order {
	return Order{
		OrderID:       r.OrderId,
		Symbol:        r.Symbol,
		Status:        r.Status,
		ClientOrderID: r.ClientOrderId,
		Price:         parseFloat(r.Price),
		AvgPrice:      parseFloat(r.AvgPrice),
		OrigQty:       parseFloat(r.OrigQty),
		ExecutedQty:   parseFloat(r.ExecutedQty),
		Side:          r.Side,
		PositionSide:  r.PositionSide,
		StopPrice:     parseFloat(r.StopPrice),
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		Time:          r.Time,
		UpdateTime:    r.UpdateTime,
	}
}

// PlaceOrder submits a market or limit order (quantity rounded to the
// symbol's step), or — via OrderStopMarket/OrderTakeProfitMkt — a
// conditional TP/SL trigger, always reduce-only for the latter per
// contract. On a market order landing NEW with zero executed quantity, it
// requeries order status once before returning, and always enriches the
// response with leverage/margin/notional from the current position.
func (c *Client) PlaceOrder(p OrderParams) (*Order, error) {
	p.Quantity = c.symbols.roundQuantity(p.Symbol, p.Quantity)

	var result *Order
	err := c.callBreaker(func() error {
		params := map[string]string{
			"symbol":   p.Symbol,
			"side":     string(p.Side),
			"type":     string(p.Type),
			"quantity": strconv.FormatFloat(p.Quantity, 'f', -1, 64),
		}
		if p.PositionSide != "" {
			params["positionSide"] = string(p.PositionSide)
		}
		if p.Type == OrderLimit {
			params["price"] = strconv.FormatFloat(p.Price, 'f', -1, 64)
			params["timeInForce"] = string(TimeInForceGTC)
		}
		if p.Type == OrderStopMarket || p.Type == OrderTakeProfitMkt {
			params["stopPrice"] = strconv.FormatFloat(p.StopPrice, 'f', -1, 64)
			params["reduceOnly"] = "true"
			params["workingType"] = "MARK_PRICE"
		}
		if p.ReduceOnly {
			params["reduceOnly"] = "true"
		}
		if p.ClosePosition {
			params["closePosition"] = "true"
		}
		if p.NewClientOrderID != "" {
			params["newClientOrderId"] = p.NewClientOrderID
		}

		body, err := c.signedPost("/fapi/v1/order", params)
		if err != nil {
			return err
		}
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode order response: %v", err)}
		}

		if p.Type == OrderMarket && resp.Status == "NEW" && parseFloat(resp.ExecutedQty) == 0 {
			time.Sleep(200 * time.Millisecond)
			if fresh, err := c.getOrder(p.Symbol, resp.OrderId); err == nil {
				resp = fresh
			}
		}

		order := resp.toOrder()
		c.enrichOrder(&order)
		result = &order
		return nil
	})
	return result, err
}

// PlaceConditionalOrder submits a STOP_MARKET or TAKE_PROFIT_MARKET trigger
// (always reduce-only). It's a thin naming wrapper over PlaceOrder, which
// already handles the stopPrice/workingType plumbing for these two types.
func (c *Client) PlaceConditionalOrder(symbol string, side Side, orderType OrderType, stopPrice, quantity float64, closePosition bool) (*Order, error) {
	if orderType != OrderStopMarket && orderType != OrderTakeProfitMkt {
		return nil, &Error{Code: CodeGeneric, Message: "PlaceConditionalOrder requires STOP_MARKET or TAKE_PROFIT_MARKET"}
	}
	return c.PlaceOrder(OrderParams{
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClosePosition: closePosition,
	})
}

// enrichOrder fills in leverage/margin/notional from the symbol's current
// position; commission isn't available on the order endpoint and is left
// zero (trade-history based fee lookups are out of scope for this client).
func (c *Client) enrichOrder(o *Order) {
	pos, err := c.GetPositionBySymbol(o.Symbol)
	if err != nil {
		return
	}
	o.Leverage = pos.Leverage
	o.MarginType = pos.MarginType
	price := o.AvgPrice
	if price == 0 {
		price = o.Price
	}
	o.Notional = o.ExecutedQty * price
	if o.Notional == 0 {
		o.Notional = o.OrigQty * price
	}
}

func (c *Client) getOrder(symbol string, orderID int64) (orderResponse, error) {
	body, err := c.signedGet("/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		return orderResponse{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return orderResponse{}, &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode order: %v", err)}
	}
	return resp, nil
}

// GetOrder queries a single order's current state.
func (c *Client) GetOrder(symbol string, orderID int64) (*Order, error) {
	var result *Order
	err := c.callBreaker(func() error {
		resp, err := c.getOrder(symbol, orderID)
		if err != nil {
			return err
		}
		o := resp.toOrder()
		result = &o
		return nil
	})
	return result, err
}

// GetOpenOrders lists symbol's currently open orders.
func (c *Client) GetOpenOrders(symbol string) ([]Order, error) {
	var result []Order
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v1/openOrders", map[string]string{"symbol": symbol})
		if err != nil {
			return err
		}
		var entries []orderResponse
		if err := json.Unmarshal(body, &entries); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode open orders: %v", err)}
		}
		result = make([]Order, len(entries))
		for i, e := range entries {
			result[i] = e.toOrder()
		}
		return nil
	})
	return result, err
}

// CancelOrder cancels one order by ID.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	return c.callBreaker(func() error {
		_, err := c.signedDelete("/fapi/v1/order", map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(orderID, 10),
		})
		return err
	})
}

// CancelAllOrders cancels every open order on symbol.
func (c *Client) CancelAllOrders(symbol string) error {
	return c.callBreaker(func() error {
		_, err := c.signedDelete("/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol})
		return err
	})
}

// ==================== MARKET DATA (behind the breaker per contract) ====

// GetPrice fetches symbol's current mark/last price, behind the breaker.
func (c *Client) GetPrice(symbol string) (float64, error) {
	var price float64
	err := c.callBreaker(func() error {
		body, err := c.publicGet("/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
		if err != nil {
			return err
		}
		var resp struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode price: %v", err)}
		}
		price = parseFloat(resp.Price)
		return nil
	})
	return price, err
}

// GetKlines fetches up to limit closed candles for symbol/interval, behind
// the breaker.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]kline.Kline, error) {
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	var result []kline.Kline
	err := c.callBreaker(func() error {
		body, gerr := c.publicGet("/fapi/v1/klines", map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		})
		if gerr != nil {
			return gerr
		}
		var raw [][]interface{}
		if jerr := json.Unmarshal(body, &raw); jerr != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode klines: %v", jerr)}
		}
		result = make([]kline.Kline, 0, len(raw))
		for _, row := range raw {
			k, perr := parseKlineRow(row)
			if perr != nil {
				return &Error{Code: CodeGeneric, Message: perr.Error()}
			}
			result = append(result, k)
		}
		return nil
	})
	return result, err
}

func parseKlineRow(row []interface{}) (kline.Kline, error) {
	if len(row) < 11 {
		return kline.Kline{}, fmt.Errorf("malformed kline row: %d fields", len(row))
	}
	asFloat := func(v interface{}) float64 {
		s, _ := v.(string)
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	asInt := func(v interface{}) int64 {
		f, _ := v.(float64)
		return int64(f)
	}
	return kline.Kline{
		OpenTime:                 asInt(row[0]),
		Open:                     asFloat(row[1]),
		High:                     asFloat(row[2]),
		Low:                      asFloat(row[3]),
		Close:                    asFloat(row[4]),
		Volume:                   asFloat(row[5]),
		CloseTime:                asInt(row[6]),
		QuoteAssetVolume:         asFloat(row[7]),
		NumberOfTrades:           int(asInt(row[8])),
		TakerBuyBaseAssetVolume:  asFloat(row[9]),
		TakerBuyQuoteAssetVolume: asFloat(row[10]),
	}, nil
}

// getServerTime fetches the exchange's current server time in ms.
func (c *Client) getServerTime() (int64, error) {
	body, err := c.publicGet("/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode server time: %v", err)}
	}
	return resp.ServerTime, nil
}

// GetFundingFee returns the most recent funding fee applied to symbol;
// non-fatal on failure per contract, so callers should treat a returned
// error as "unknown" rather than "blocking".
func (c *Client) GetFundingFee(symbol string) (float64, error) {
	var fee float64
	err := c.callBreaker(func() error {
		body, err := c.signedGet("/fapi/v1/income", map[string]string{
			"symbol":      symbol,
			"incomeType":  "FUNDING_FEE",
			"limit":       "1",
		})
		if err != nil {
			return err
		}
		var entries []struct {
			Income string `json:"income"`
		}
		if err := json.Unmarshal(body, &entries); err != nil {
			return &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode funding fee: %v", err)}
		}
		if len(entries) > 0 {
			fee = parseFloat(entries[0].Income)
		}
		return nil
	})
	return fee, err
}

// ==================== TRANSPORT ====================

// callBreaker runs fn through the circuit breaker, classifying rate-limit
// and transport errors as breaker failures per contract, and leaving
// rejection/validation errors (invalid symbol, reduce-only rejected, etc.)
// from tripping it.
func (c *Client) callBreaker(fn func() error) error {
	err := c.breaker.Call(fn, IsBreakerFailure)
	if openErr, ok := err.(*breaker.OpenError); ok {
		return &Error{Code: CodeBreakerOpen, Message: openErr.Error(), RetryAfter: int(openErr.RetryAfter.Seconds())}
	}
	return err
}

func (c *Client) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodGet, endpoint, params, false)
}

func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodGet, endpoint, params, true)
}

func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodPost, endpoint, params, true)
}

func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodDelete, endpoint, params, true)
}

// do is the single request path shared by every call: it applies the
// weight limiter, (re-)signs on every attempt, retries transport/5xx/
// documented-transient errors with exponential backoff+jitter, and
// resyncs the clock once on a -1021 timestamp error before a single
// extra retry, per contract.
func (c *Client) do(method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	resyncedOnce := false
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.wait(context.Background(), endpoint); err != nil {
			return nil, &Error{Code: CodeNetwork, Message: err.Error()}
		}

		var query string
		if signed {
			query = c.signParams(cloneParams(params))
		} else {
			query = buildQueryString(params)
		}

		reqURL := c.baseURL + endpoint
		if query != "" {
			reqURL += "?" + query
		}

		var req *http.Request
		var err error
		if method == http.MethodGet || method == http.MethodDelete {
			req, err = http.NewRequest(method, reqURL, nil)
		} else {
			req, err = http.NewRequest(method, c.baseURL+endpoint, strings.NewReader(query))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if err != nil {
			return nil, &Error{Code: CodeGeneric, Message: err.Error()}
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &Error{Code: CodeNetwork, Message: err.Error()}
			if attempt < maxRetries {
				delay := retryDelay(attempt)
				c.log.Debug("%s %s failed (attempt %d/%d): %v, retrying in %s", method, endpoint, attempt+1, maxRetries+1, err, delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Code: CodeNetwork, Message: readErr.Error()}
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		binErr := classifyBinanceCode(resp.StatusCode, extractCode(body), string(body))
		if resp.StatusCode == http.StatusTooManyRequests {
			binErr.Code = CodeRateLimit
			binErr.RetryAfter = retryAfterSeconds(resp.Header.Get("Retry-After"))
		}

		if isTimestampOutOfSync(binErr.BinanceErr) && !resyncedOnce && signed {
			resyncedOnce = true
			c.log.Warn("timestamp out of sync, resyncing clock and retrying once: %s", binErr.Message)
			_ = c.syncTime()
			time.Sleep(c.resyncDelay())
			attempt--
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			delay := retryDelay(attempt)
			time.Sleep(delay)
			continue
		}
		return nil, binErr
	}
	return nil, lastErr
}

func extractCode(body []byte) int {
	var e struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Code
}

func isRetryableStatus(statusCode int) bool { return statusCode >= 500 }

func retryAfterSeconds(header string) int {
	if header == "" {
		return 1
	}
	if n, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && n > 0 {
		return n
	}
	return 1
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter - delay/4
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
