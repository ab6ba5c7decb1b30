// Package marketdata implements an unauthenticated REST client against
// the exchange's public endpoints (klines, current price, exchange info).
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

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

// Client is a public (unauthenticated) market data client for one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *log.Logger

	exchangeInfoOnce sync.Once
	exchangeInfo     *ExchangeInfo
	exchangeInfoErr  error
}

// New creates a Client. limiter governs request weight; a nil limiter
// defaults to 1200 requests/minute (the exchange's per-IP public weight
// budget), burstable to 100.
func New(baseURL string, limiter *rate.Limiter, logger *log.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Minute/1200), 100)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		log:        logger.WithComponent("marketdata"),
	}
}

// Symbol24h holds the subset of a 24hr ticker callers need for display; kept
// minimal since this client only promises klines/price/exchange_info.
type Symbol24h struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
}

// ExchangeInfo is the cached symbol metadata the exchange returns once per
// process lifetime (per contract: "Caches exchange info once per process").
type ExchangeInfo struct {
	Symbols []SymbolInfo
}

// SymbolInfo is one symbol's tradeable metadata.
type SymbolInfo struct {
	Symbol            string
	QuantityStep      float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// GetKlines fetches up to limit closed candles for symbol/interval, oldest
// first.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]kline.Kline, error) {
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	body, err := c.get("/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode klines: %v", err)}
	}

	out := make([]kline.Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, &Error{Code: CodeGeneric, Message: err.Error()}
		}
		out = append(out, k)
	}
	return out, nil
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

// GetPrice fetches the current mark/last price for symbol.
func (c *Client) GetPrice(symbol string) (float64, error) {
	body, err := c.get("/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode price: %v", err)}
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, &Error{Code: CodeGeneric, Message: fmt.Sprintf("parse price: %v", err)}
	}
	return price, nil
}

// GetExchangeInfo returns the process-wide cached exchange info, fetching it
// at most once.
func (c *Client) GetExchangeInfo() (*ExchangeInfo, error) {
	c.exchangeInfoOnce.Do(func() {
		c.exchangeInfo, c.exchangeInfoErr = c.fetchExchangeInfo()
	})
	return c.exchangeInfo, c.exchangeInfoErr
}

func (c *Client) fetchExchangeInfo() (*ExchangeInfo, error) {
	body, err := c.get("/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Code: CodeGeneric, Message: fmt.Sprintf("decode exchangeInfo: %v", err)}
	}

	info := &ExchangeInfo{Symbols: make([]SymbolInfo, 0, len(raw.Symbols))}
	for _, s := range raw.Symbols {
		si := SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE", "MARKET_LOT_SIZE":
				if step, err := strconv.ParseFloat(f.StepSize, 64); err == nil && step > 0 {
					si.QuantityStep = step
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if mn, err := strconv.ParseFloat(f.MinNotional, 64); err == nil && mn > 0 {
					si.MinNotional = mn
				}
			}
		}
		info.Symbols = append(info.Symbols, si)
	}
	return info, nil
}

// get performs an unauthenticated GET with exponential backoff retry on
// transport errors and honors Retry-After on 429, per contract.
func (c *Client) get(endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		_ = c.limiter.Wait(context.Background())

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL := c.baseURL + endpoint
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = &Error{Code: CodeNetwork, Message: err.Error()}
			if attempt < maxRetries {
				delay := retryDelay(attempt)
				c.log.Debug("public GET %s failed (attempt %d/%d): %v, retrying in %s", endpoint, attempt+1, maxRetries+1, err, delay)
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

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := retryAfterSeconds(resp.Header.Get("Retry-After"))
			if attempt < maxRetries {
				c.log.Warn("public GET %s rate limited, retrying after %ds", endpoint, retryAfter)
				time.Sleep(time.Duration(retryAfter) * time.Second)
				continue
			}
			return nil, &Error{Code: CodeRateLimit, Message: "rate limited", RetryAfter: retryAfter}
		}

		if resp.StatusCode != http.StatusOK {
			binErr := parseBinanceError(body)
			if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
				delay := retryDelay(attempt)
				c.log.Debug("public GET %s returned %d (attempt %d/%d), retrying in %s", endpoint, resp.StatusCode, attempt+1, maxRetries+1, delay)
				time.Sleep(delay)
				continue
			}
			return nil, binErr
		}

		return body, nil
	}
	return nil, lastErr
}

func parseBinanceError(body []byte) *Error {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Code == 0 {
		return &Error{Code: CodeGeneric, Message: string(body)}
	}
	return classifyBinanceCode(e.Code, e.Msg)
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500
}

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
