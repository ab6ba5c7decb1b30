package strategy

import (
	"sync"
	"time"

	"github.com/koshedu/strategy-engine/internal/indicator"
	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
	"github.com/koshedu/strategy-engine/internal/risk"
)

// RangeMeanReversion is a range-bound mean-reversion evaluator that trades
// the edges of a detected trading range and stands aside once the market
// trends.
type RangeMeanReversion struct {
	mu sync.Mutex

	strategyID string
	symbol     string
	feed       Feed
	log        *log.Logger

	lookbackPeriod     int
	buyZonePct         float64
	sellZonePct        float64
	emaFastPeriod      int
	emaSlowPeriod      int
	maxEmaSpreadPct    float64
	maxATRMultiplier   float64
	rsiPeriod          int
	rsiOversold        float64
	rsiOverbought      float64
	tpBufferPct        float64
	slBufferPct        float64
	interval           string
	enableShort        bool
	cooldownCandles    int
	maxRangeInvalid    int

	flat                   bool
	side                   risk.PositionType
	entryPrice             float64
	entryCandleCloseTime   int64
	lastProcessedCloseTime int64
	cooldownLeft           int

	rangeHigh, rangeLow, rangeMid float64
	haveRange                     bool
	rangeInvalidCount             int
}

// NewRangeMeanReversion builds a RangeMeanReversion from a parameter map;
// unrecognized or malformed values fall back to the documented defaults.
func NewRangeMeanReversion(ctx Context, feed Feed, logger *log.Logger) *RangeMeanReversion {
	p := ctx.Params
	interval := paramString(p, "kline_interval", "5m")
	if !isSupportedInterval(interval) {
		if logger != nil {
			logger.Warn("strategy %s: unsupported kline_interval %q, falling back to 1m", ctx.StrategyID, interval)
		}
		interval = "1m"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RangeMeanReversion{
		strategyID:       ctx.StrategyID,
		symbol:           ctx.Symbol,
		feed:             feed,
		log:              logger.WithComponent("range-mean-reversion").WithField("symbol", ctx.Symbol),
		lookbackPeriod:   paramInt(p, "lookback_period", 150),
		buyZonePct:       paramFloat(p, "buy_zone_pct", 0.2),
		sellZonePct:      paramFloat(p, "sell_zone_pct", 0.2),
		emaFastPeriod:    paramInt(p, "ema_fast_period", 20),
		emaSlowPeriod:    paramInt(p, "ema_slow_period", 50),
		maxEmaSpreadPct:  paramFloat(p, "max_ema_spread_pct", 0.005),
		maxATRMultiplier: paramFloat(p, "max_atr_multiplier", 2.0),
		rsiPeriod:        paramInt(p, "rsi_period", 14),
		rsiOversold:      paramFloat(p, "rsi_oversold", 40),
		rsiOverbought:    paramFloat(p, "rsi_overbought", 60),
		tpBufferPct:      paramFloat(p, "tp_buffer_pct", 0.001),
		slBufferPct:      paramFloat(p, "sl_buffer_pct", 0.002),
		interval:         interval,
		enableShort:      paramBool(p, "enable_short", true),
		cooldownCandles:  paramInt(p, "cooldown_candles", 2),
		maxRangeInvalid:  paramInt(p, "max_range_invalid_candles", 20),
		flat:             true,
	}
}

func (s *RangeMeanReversion) Name() string     { return "range_mean_reversion" }
func (s *RangeMeanReversion) Symbol() string   { return s.symbol }
func (s *RangeMeanReversion) Interval() string { return s.interval }

func (s *RangeMeanReversion) InPosition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.flat
}

func (s *RangeMeanReversion) SyncPositionState(state PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Flat {
		if !s.flat {
			s.cooldownLeft = s.cooldownCandles
		}
		s.resetPositionLocked()
		return
	}
	side := risk.Long
	if state.Side == string(risk.Short) {
		side = risk.Short
	}
	if s.flat {
		s.flat = false
		s.side = side
		s.entryPrice = state.EntryPrice
		s.entryCandleCloseTime = 0
		return
	}
	s.side = side
	s.entryPrice = state.EntryPrice
}

// CurrentState reports the runtime position view for a hot parameter swap.
func (s *RangeMeanReversion) CurrentState() PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flat {
		return PositionState{Flat: true}
	}
	return PositionState{Flat: false, Side: string(s.side), EntryPrice: s.entryPrice}
}

func (s *RangeMeanReversion) resetPositionLocked() {
	s.flat = true
	s.side = ""
	s.entryPrice = 0
	s.entryCandleCloseTime = 0
}

// Evaluate implements the full entry/exit decision for one closed candle.
func (s *RangeMeanReversion) Evaluate() (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candles, err := s.feed.Klines(s.symbol, s.interval, s.lookbackPeriod)
	if err != nil || len(candles) == 0 {
		return holdSignal(s.symbol), nil
	}
	price, err := s.feed.Price(s.symbol)
	if err != nil {
		return holdSignal(s.symbol), nil
	}

	lastClosed := candles[len(candles)-1]
	closeTime := lastClosed.CloseTime

	if closeTime < s.lastProcessedCloseTime {
		saved := s.entryCandleCloseTime
		s.entryCandleCloseTime = 0
		sig, exited := s.checkTPSL(price, 0)
		s.entryCandleCloseTime = saved
		if exited {
			return sig, nil
		}
		return holdSignal(s.symbol), nil
	}
	if closeTime == s.lastProcessedCloseTime {
		if sig, exited := s.checkTPSL(price, closeTime); exited {
			return sig, nil
		}
		return holdSignal(s.symbol), nil
	}
	s.lastProcessedCloseTime = closeTime

	valid := s.detectRange(candles)
	if valid {
		s.rangeInvalidCount = 0
	} else {
		s.rangeInvalidCount++
		if s.rangeInvalidCount >= s.maxRangeInvalid {
			if s.flat {
				s.haveRange = false
			}
			s.rangeInvalidCount = 0
		}
	}

	if !s.flat {
		if sig, exited := s.checkTPSL(price, closeTime); exited {
			return sig, nil
		}
	}

	if s.cooldownLeft > 0 {
		s.cooldownLeft--
		return holdSignal(s.symbol), nil
	}

	if !valid || !s.flat {
		return holdSignal(s.symbol), nil
	}

	rsi, rsiOk := indicator.RSI(closesOf(candles), s.rsiPeriod)
	if !rsiOk {
		return holdSignal(s.symbol), nil
	}

	rangeSize := s.rangeHigh - s.rangeLow
	buyZoneUpper := s.rangeLow + rangeSize*s.buyZonePct
	sellZoneLower := s.rangeHigh - rangeSize*s.sellZonePct

	if price <= buyZoneUpper && rsi < s.rsiOversold {
		s.openLocked(risk.Long, lastClosed.Close, closeTime)
		return Signal{Type: SignalEnterLong, Symbol: s.symbol, Price: lastClosed.Close, Reason: "RANGE_BUY_ZONE", Timestamp: time.Now()}, nil
	}
	if s.enableShort && price >= sellZoneLower && rsi > s.rsiOverbought {
		s.openLocked(risk.Short, lastClosed.Close, closeTime)
		return Signal{Type: SignalEnterShort, Symbol: s.symbol, Price: lastClosed.Close, Reason: "RANGE_SELL_ZONE", Timestamp: time.Now()}, nil
	}
	return holdSignal(s.symbol), nil
}

func closesOf(candles []kline.Kline) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

func (s *RangeMeanReversion) openLocked(side risk.PositionType, entryPrice float64, closeTime int64) {
	s.flat = false
	s.side = side
	s.entryPrice = entryPrice
	s.entryCandleCloseTime = closeTime
}

// detectRange recomputes range_high/low/mid over the lookback window and
// reports whether the range is valid (bounded volatility, non-trending).
func (s *RangeMeanReversion) detectRange(candles []kline.Kline) bool {
	n := len(candles)
	if n < s.lookbackPeriod {
		return false
	}
	window := candles[n-s.lookbackPeriod:]

	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	atrCandles := make([]indicator.Candle, len(window))
	for i, c := range window {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
		atrCandles[i] = indicator.Candle{High: c.High, Low: c.Low, Close: c.Close}
	}

	rangeHigh := highs[0]
	rangeLow := lows[0]
	for i := 1; i < len(window); i++ {
		if highs[i] > rangeHigh {
			rangeHigh = highs[i]
		}
		if lows[i] < rangeLow {
			rangeLow = lows[i]
		}
	}
	rangeMid := (rangeHigh + rangeLow) / 2
	rangeSize := rangeHigh - rangeLow

	atr, atrOk := indicator.ATR(atrCandles, 14)
	if !atrOk || rangeSize > atr*s.maxATRMultiplier*5 {
		return false
	}

	emaFast, fastOk := indicator.EMA(closes, s.emaFastPeriod)
	emaSlow, slowOk := indicator.EMA(closes, s.emaSlowPeriod)
	if !fastOk || !slowOk {
		return false
	}
	lastClose := closes[len(closes)-1]
	if lastClose == 0 || absF(emaFast-emaSlow)/lastClose > s.maxEmaSpreadPct {
		return false
	}

	s.rangeHigh, s.rangeLow, s.rangeMid = rangeHigh, rangeLow, rangeMid
	s.haveRange = true
	return true
}

// checkTPSL evaluates the last known range's TP/SL levels against
// livePrice, critical SL first, then TP2 (outer), then TP1 (range mid).
func (s *RangeMeanReversion) checkTPSL(livePrice float64, closeTime int64) (Signal, bool) {
	if s.flat || !s.haveRange {
		return Signal{}, false
	}
	onEntryCandle := s.entryCandleCloseTime != 0 && closeTime == s.entryCandleCloseTime
	rangeSize := s.rangeHigh - s.rangeLow

	reason := ""
	if s.side == risk.Long {
		tp1 := s.rangeMid
		tp2 := s.rangeHigh - rangeSize*s.tpBufferPct
		sl := s.rangeLow - rangeSize*s.slBufferPct
		switch {
		case livePrice <= sl:
			reason = "SL_RANGE_BREAK"
		case !onEntryCandle && livePrice >= tp2:
			reason = "TP_RANGE_HIGH"
		case !onEntryCandle && livePrice >= tp1:
			reason = "TP_RANGE_MID"
		}
	} else {
		tp1 := s.rangeMid
		tp2 := s.rangeLow + rangeSize*s.tpBufferPct
		sl := s.rangeHigh + rangeSize*s.slBufferPct
		switch {
		case livePrice >= sl:
			reason = "SL_RANGE_BREAK"
		case !onEntryCandle && livePrice <= tp2:
			reason = "TP_RANGE_LOW"
		case !onEntryCandle && livePrice <= tp1:
			reason = "TP_RANGE_MID"
		}
	}
	if reason == "" {
		return Signal{}, false
	}

	sigType := SignalExitLong
	if s.side == risk.Short {
		sigType = SignalExitShort
	}
	s.resetPositionLocked()
	s.cooldownLeft = s.cooldownCandles
	return Signal{Type: sigType, Symbol: s.symbol, Price: livePrice, Reason: reason, Timestamp: time.Now()}, true
}
