// Package runner drives one strategy evaluation loop per configured
// strategy instance, running a Strategy against a live exchange account
// on its own goroutine.
package runner

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koshedu/strategy-engine/internal/exchange"
	"github.com/koshedu/strategy-engine/internal/idgen"
	"github.com/koshedu/strategy-engine/internal/indicator"
	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
	"github.com/koshedu/strategy-engine/internal/risk"
	"github.com/koshedu/strategy-engine/internal/stats"
	"github.com/koshedu/strategy-engine/internal/stream"
	"github.com/koshedu/strategy-engine/internal/strategy"
)

// evaluationTimeoutMultiple is the N in interval_seconds*N used as the
// wait-for-new-closed-candle timeout.
const evaluationTimeoutMultiple = 3

// maxBackoff caps the runner-level retry backoff for transient exchange
// errors (Network/RateLimit/BreakerOpen).
const maxBackoff = 30 * time.Second

// Status reports a runner's lifecycle state.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// Feed adapts a WS stream manager (preferred, may be absent) and the
// exchange's REST client into the strategy.Feed contract. A nil stream
// falls straight through to REST on every call.
type Feed struct {
	stream *stream.Manager
	client *exchange.Client
}

// NewFeed builds a Feed; streamMgr may be nil to force REST-only data.
func NewFeed(streamMgr *stream.Manager, client *exchange.Client) *Feed {
	return &Feed{stream: streamMgr, client: client}
}

func (f *Feed) Klines(symbol, interval string, limit int) ([]kline.Kline, error) {
	if f.stream != nil {
		return f.stream.Klines(symbol, interval, limit)
	}
	return f.client.GetKlines(symbol, interval, limit)
}

func (f *Feed) Price(symbol string) (float64, error) {
	return f.client.GetPrice(symbol)
}

// Config configures one runner; Params is handed to the strategy registry
// verbatim and may be replaced at runtime via UpdateParams.
type Config struct {
	StrategyID    string
	StrategyType  string
	Symbol        string
	Interval      string
	Params        map[string]string
	RiskPerTrade  float64
	FixedAmount   *float64
	QuoteAsset    string
	CloseOnCancel bool
}

// Runner drives exactly one strategy instance against the exchange. It is
// created with New, started with Run (blocks until cancelled or fatal),
// and stopped with Cancel.
type Runner struct {
	cfg      Config
	client   *exchange.Client
	feed     *Feed
	stream   *stream.Manager
	registry *strategy.Registry
	sizer    *risk.Sizer
	stats    *stats.Tracker
	ids      *idgen.Generator
	log      *log.Logger

	mu       sync.Mutex
	strat    strategy.Strategy
	status   Status
	lastErr  error
	cooldown int // set to 1 after each exit; tick does not read it (re-entry cooldown is kept by the strategies themselves)

	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneCh     chan struct{}
}

// New constructs a Runner and its initial strategy instance. Returns an
// error if the strategy type is unsupported or fails construction
// (StrategyInitFailed/UnsupportedStrategyType).
func New(cfg Config, client *exchange.Client, streamMgr *stream.Manager, registry *strategy.Registry, sizer *risk.Sizer, tracker *stats.Tracker, logger *log.Logger) (*Runner, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithComponent("runner").WithField("strategy_id", cfg.StrategyID).WithField("symbol", cfg.Symbol)

	feed := NewFeed(streamMgr, client)
	strat, err := registry.Build(cfg.StrategyType, strategy.Context{StrategyID: cfg.StrategyID, Symbol: cfg.Symbol, Params: cfg.Params}, feed, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:      cfg,
		client:   client,
		feed:     feed,
		stream:   streamMgr,
		registry: registry,
		sizer:    sizer,
		stats:    tracker,
		ids:      idgen.New(cfg.StrategyID, idgen.DefaultSaltWindowSeconds, func() int64 { return time.Now().Unix() }),
		log:      logger,
		strat:    strat,
		status:   StatusStopped,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Status reports the runner's current lifecycle state and, for
// StatusError, the fatal error that stopped it.
func (r *Runner) Status() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastErr
}

// Done is closed once Run returns, for callers that want to wait on
// shutdown without blocking on Run itself.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

// Cancel requests cooperative shutdown; Run finishes its current
// in-flight step and returns. Safe to call multiple times or before Run.
func (r *Runner) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *Runner) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Run is the runner's main loop. It blocks until cancelled or a
// fatal exchange error (AuthFailure/InvalidLeverage/InvalidSymbol) stops
// this runner; a fatal stop here never touches sibling runners.
func (r *Runner) Run() {
	defer close(r.doneCh)

	r.setStatus(StatusRunning, nil)
	if r.stream != nil {
		r.stream.Subscribe(r.cfg.Symbol, r.cfg.Interval)
		defer r.stream.Unsubscribe(r.cfg.Symbol, r.cfg.Interval)
	}

	backoff := time.Second
	for !r.cancelled() {
		if err := r.tick(); err != nil {
			if isFatal(err) {
				r.log.Error("fatal error, stopping runner: %v", err)
				r.setStatus(StatusError, err)
				return
			}
			r.log.Warn("transient error, backing off %s: %v", backoff, err)
			if !r.sleep(backoff) {
				break
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
	}
	r.setStatus(StatusStopped, nil)
}

func (r *Runner) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	r.lastErr = err
	r.mu.Unlock()
}

// tick runs exactly one iteration of the main loop: schedule, reconcile,
// evaluate, act. A non-nil return is either a fatal error (stops the
// runner) or a transient one (the caller backs off and retries).
func (r *Runner) tick() error {
	r.waitForNextEvaluation()
	if r.cancelled() {
		return nil
	}

	pos, err := r.client.GetPositionBySymbol(r.cfg.Symbol)
	if err != nil {
		return err
	}

	r.mu.Lock()
	strat := r.strat
	r.mu.Unlock()

	strat.SyncPositionState(toPositionState(pos))

	sig, err := strat.Evaluate()
	if err != nil {
		// Evaluate only returns errors for conditions the contract treats
		// as non-fatal; log and try again next slice.
		r.log.Warn("evaluate error: %v", err)
		return nil
	}

	if r.cancelled() {
		return nil
	}

	switch sig.Type {
	case strategy.SignalEnterLong, strategy.SignalEnterShort:
		return r.handleEntry(strat, sig)
	case strategy.SignalExitLong, strategy.SignalExitShort:
		return r.handleExit(strat, sig)
	default:
		return nil
	}
}

// waitForNextEvaluation implements the evaluation cadence: wait on the WS
// latch with a timeout of interval_seconds*N, falling back to a REST-driven
// evaluation on timeout; with no WS feed at all, just sleep interval_seconds.
func (r *Runner) waitForNextEvaluation() {
	d := intervalDuration(r.cfg.Interval)
	if r.stream == nil {
		r.sleep(d)
		return
	}
	r.stream.WaitForNewClosedCandle(r.cfg.Symbol, r.cfg.Interval, r.cancelCh, d*evaluationTimeoutMultiple)
}

func (r *Runner) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.cancelCh:
		return false
	}
}

func (r *Runner) handleEntry(strat strategy.Strategy, sig strategy.Signal) error {
	side := "LONG"
	if sig.Type == strategy.SignalEnterShort {
		side = "SHORT"
	}

	balance, err := r.client.GetBalance(r.quoteAsset())
	if err != nil {
		return err
	}

	candles, _ := r.feed.Klines(r.cfg.Symbol, strat.Interval(), 60)
	step, minNotional := r.client.SymbolRules(r.cfg.Symbol)
	result, err := r.sizer.Size(risk.SizeInput{
		Symbol:       r.cfg.Symbol,
		RiskPerTrade: r.cfg.RiskPerTrade,
		Equity:       balance.AvailableBalance,
		Price:        sig.Price,
		FixedAmount:  r.cfg.FixedAmount,
		StrategyID:   r.cfg.StrategyID,
		Candles:      toIndicatorCandles(candles),
		Rules:        risk.SymbolRules{QuantityStep: step, MinNotional: minNotional},
	})
	if err != nil {
		r.log.Warn("position sizing rejected entry: %v", err)
		return nil
	}
	if !r.preTradeChecks(result, balance, minNotional) {
		r.log.Warn("pre-trade checks failed for sized entry qty=%.8f notional=%.2f", result.Quantity, result.Notional)
		return nil
	}

	exchangeSide := exchange.SideBuy
	if side == "SHORT" {
		exchangeSide = exchange.SideSell
	}
	positionSide := exchange.PositionLong
	if side == "SHORT" {
		positionSide = exchange.PositionShort
	}

	clientOrderID := r.ids.Entry(r.cfg.Symbol, side, sig.Timestamp.Unix())
	order, err := r.placeIdempotent(exchange.OrderParams{
		Symbol:           r.cfg.Symbol,
		Side:             exchangeSide,
		PositionSide:     positionSide,
		Type:             exchange.OrderMarket,
		Quantity:         result.Quantity,
		NewClientOrderID: clientOrderID,
	})
	if err != nil {
		return r.classifyOrderFailure(err)
	}

	r.recordExecution(exchangeSide, order)
	r.log.Info("opened %s %s qty=%.8f notional=%.2f order=%d", side, r.cfg.Symbol, order.ExecutedQty, result.Notional, order.OrderID)
	return nil
}

func (r *Runner) handleExit(strat strategy.Strategy, sig strategy.Signal) error {
	order, err := r.client.ClosePosition(r.cfg.Symbol)
	if err != nil {
		return r.classifyOrderFailure(err)
	}
	if order == nil {
		// already flat; nothing to record.
		return nil
	}

	isWin := true
	if pnl, ok := r.estimatePnL(strat, sig, order); ok {
		isWin = pnl >= 0
		r.sizer.RecordTrade(r.cfg.StrategyID, pnl, isWin)
	}

	r.mu.Lock()
	r.cooldown = 1
	r.mu.Unlock()

	side := exchange.Side(order.Side)
	r.recordExecution(side, order)
	r.log.Info("closed %s qty=%.8f order=%d", r.cfg.Symbol, order.ExecutedQty, order.OrderID)
	return nil
}

// recordExecution appends a fill to the statistics tracker's per-strategy
// journal. Recording is best-effort: a missing Tracker (e.g. a runner
// under test) is a no-op.
func (r *Runner) recordExecution(side exchange.Side, order *exchange.Order) {
	if r.stats == nil {
		return
	}
	qty := order.ExecutedQty
	if qty <= 0 {
		qty = order.OrigQty
	}
	price := order.AvgPrice
	if price <= 0 {
		price = order.Price
	}
	r.stats.Record(stats.Execution{
		StrategyID: r.cfg.StrategyID,
		Symbol:     r.cfg.Symbol,
		Side:       string(side),
		Quantity:   qty,
		Price:      price,
		Timestamp:  time.Now(),
	})
}

func (r *Runner) estimatePnL(strat strategy.Strategy, sig strategy.Signal, order *exchange.Order) (float64, bool) {
	state := strat.CurrentState()
	if state.EntryPrice <= 0 {
		return 0, false
	}
	qty := order.ExecutedQty
	if qty <= 0 {
		qty = order.OrigQty
	}
	if state.Side == string(risk.Short) {
		return (state.EntryPrice - sig.Price) * qty, true
	}
	return (sig.Price - state.EntryPrice) * qty, true
}

// placeIdempotent places an order and, on a duplicate-clientOrderID
// rejection, looks for an order with that client ID among the symbol's
// open orders and returns it instead of treating the rejection as a
// failure. Only open orders are searched: an earlier order that has
// already filled is not found there, and the rejection is returned.
func (r *Runner) placeIdempotent(p exchange.OrderParams) (*exchange.Order, error) {
	order, err := r.client.PlaceOrder(p)
	if err == nil {
		return order, nil
	}
	if !isDuplicateOrderError(err) {
		return nil, err
	}
	orders, lookupErr := r.client.GetOpenOrders(p.Symbol)
	if lookupErr != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ClientOrderID == p.NewClientOrderID {
			return &orders[i], nil
		}
	}
	return nil, err
}

func isDuplicateOrderError(err error) bool {
	e, ok := err.(*exchange.Error)
	return ok && e.BinanceErr == -2022
}

func (r *Runner) preTradeChecks(result risk.Result, balance exchange.AccountBalance, minNotional float64) bool {
	if result.Quantity <= 0 {
		return false
	}
	if result.Notional < minNotional {
		return false
	}
	if result.Notional > balance.AvailableBalance {
		return false
	}
	return true
}

func (r *Runner) quoteAsset() string {
	if r.cfg.QuoteAsset != "" {
		return r.cfg.QuoteAsset
	}
	return "USDT"
}

// classifyOrderFailure logs an InvalidQuantity, BreakerOpen, RateLimit,
// Network or Generic rejection as transient without touching runtime state,
// and surfaces it so Run's backoff loop takes over; fatal codes propagate
// unchanged so isFatal can stop the runner.
func (r *Runner) classifyOrderFailure(err error) error {
	e, ok := err.(*exchange.Error)
	if !ok {
		return err
	}
	switch e.Code {
	case exchange.CodeInvalidQuantity, exchange.CodeBreakerOpen, exchange.CodeRateLimit, exchange.CodeNetwork, exchange.CodeGeneric:
		r.log.Warn("order rejected transiently (%s), no state change: %v", e.Code, e)
		return e
	default:
		return e
	}
}

// isFatal reports whether err should stop this runner for good: only
// AuthFailure, InvalidLeverage, and InvalidSymbol qualify. Everything else
// is treated as transient and retried with backoff.
func isFatal(err error) bool {
	e, ok := err.(*exchange.Error)
	if !ok {
		return false
	}
	switch e.Code {
	case exchange.CodeAuthFailure, exchange.CodeInvalidLeverage, exchange.CodeInvalidSymbol:
		return true
	default:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	d += jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// UpdateParams implements a hot parameter swap:
// rebuild the strategy instance from newParams, carry over the live
// position/entry_price from the outgoing instance, then atomically swap.
// In-flight orders placed by the old instance are untouched; the swap only
// affects the next evaluate() call.
func (r *Runner) UpdateParams(newParams map[string]string) error {
	r.mu.Lock()
	old := r.strat
	r.mu.Unlock()

	fresh, err := r.registry.Build(r.cfg.StrategyType, strategy.Context{StrategyID: r.cfg.StrategyID, Symbol: r.cfg.Symbol, Params: newParams}, r.feed, r.log)
	if err != nil {
		return err
	}
	fresh.SyncPositionState(old.CurrentState())

	r.mu.Lock()
	r.cfg.Params = newParams
	r.strat = fresh
	r.mu.Unlock()

	r.log.Info("applied hot parameter swap")
	return nil
}

func toPositionState(p exchange.Position) strategy.PositionState {
	if p.IsFlat() {
		return strategy.PositionState{Flat: true}
	}
	side := "LONG"
	if p.PositionAmt < 0 {
		side = "SHORT"
	} else if p.PositionSide == string(exchange.PositionShort) {
		side = "SHORT"
	}
	return strategy.PositionState{Flat: false, Side: side, EntryPrice: p.EntryPrice}
}

func toIndicatorCandles(candles []kline.Kline) []indicator.Candle {
	out := make([]indicator.Candle, len(candles))
	for i, c := range candles {
		out[i] = indicator.Candle{High: c.High, Low: c.Low, Close: c.Close}
	}
	return out
}

// intervalDuration parses a Binance kline interval string ("1m", "4h",
// "1d") into a time.Duration, defaulting to one minute on anything it
// doesn't recognize.
func intervalDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return time.Minute
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}
	switch strings.ToLower(string(unit)) {
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}
