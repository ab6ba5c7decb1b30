package strategy

import (
	"sync"
	"time"

	"github.com/koshedu/strategy-engine/internal/indicator"
	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
	"github.com/koshedu/strategy-engine/internal/risk"
)

// EmaCrossover is an EMA fast/slow crossover scalper with optional short
// entries gated by a higher-timeframe EMA bias and an optional trailing
// stop.
type EmaCrossover struct {
	mu sync.Mutex

	strategyID string
	symbol     string
	feed       Feed
	log        *log.Logger

	fastPeriod            int
	slowPeriod            int
	takeProfitPct         float64
	stopLossPct           float64
	interval              string
	enableShort           bool
	minEmaSeparation      float64
	enableHTFBias         bool
	cooldownCandles       int
	trailingEnabled       bool
	trailingActivationPct float64
	enableEmaCrossExit    bool

	flat                   bool
	side                   risk.PositionType
	entryPrice             float64
	entryCandleCloseTime   int64
	lastProcessedCloseTime int64
	prevFast               float64
	prevSlow               float64
	havePrev               bool
	cooldownLeft           int
	trailing               *risk.TrailingStop
}

// NewEmaCrossover builds an EmaCrossover from a parameter map;
// unrecognized or malformed values fall back to the documented defaults.
func NewEmaCrossover(ctx Context, feed Feed, logger *log.Logger) *EmaCrossover {
	p := ctx.Params
	interval := paramString(p, "kline_interval", "1m")
	if !isSupportedInterval(interval) {
		if logger != nil {
			logger.Warn("strategy %s: unsupported kline_interval %q, falling back to 1m", ctx.StrategyID, interval)
		}
		interval = "1m"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EmaCrossover{
		strategyID:            ctx.StrategyID,
		symbol:                ctx.Symbol,
		feed:                  feed,
		log:                   logger.WithComponent("ema-crossover").WithField("symbol", ctx.Symbol),
		fastPeriod:            paramInt(p, "ema_fast", 8),
		slowPeriod:            paramInt(p, "ema_slow", 21),
		takeProfitPct:         paramFloat(p, "take_profit_pct", 0.004),
		stopLossPct:           paramFloat(p, "stop_loss_pct", 0.002),
		interval:              interval,
		enableShort:           paramBool(p, "enable_short", true),
		minEmaSeparation:      paramFloat(p, "min_ema_separation", 0.0002),
		enableHTFBias:         paramBool(p, "enable_htf_bias", true),
		cooldownCandles:       paramInt(p, "cooldown_candles", 2),
		trailingEnabled:       paramBool(p, "trailing_stop_enabled", false),
		trailingActivationPct: paramFloat(p, "trailing_stop_activation_pct", 0),
		enableEmaCrossExit:    paramBool(p, "enable_ema_cross_exit", true),
		flat:                  true,
	}
}

func (s *EmaCrossover) Name() string     { return "ema_crossover" }
func (s *EmaCrossover) Symbol() string   { return s.symbol }
func (s *EmaCrossover) Interval() string { return s.interval }

func (s *EmaCrossover) InPosition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.flat
}

// SyncPositionState reconciles runtime state with the exchange's
// authoritative view.
func (s *EmaCrossover) SyncPositionState(state PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Flat {
		if !s.flat {
			s.log.Info("exchange reports flat, resetting strategy state (was %s @ %.6f)", s.side, s.entryPrice)
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
		if s.trailingEnabled {
			s.trailing = risk.NewTrailingStop(s.symbol, side, state.EntryPrice, s.takeProfitPct, s.stopLossPct, s.trailingActivationPct)
		}
		return
	}

	if s.side != side {
		s.side = side
	}
	if s.entryPrice != state.EntryPrice {
		s.entryPrice = state.EntryPrice
		if s.trailing != nil {
			s.trailing.Reset(state.EntryPrice)
		}
	}
}

// CurrentState reports the runtime position view for a hot parameter swap.
func (s *EmaCrossover) CurrentState() PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flat {
		return PositionState{Flat: true}
	}
	return PositionState{Flat: false, Side: string(s.side), EntryPrice: s.entryPrice}
}

func (s *EmaCrossover) resetPositionLocked() {
	s.flat = true
	s.side = ""
	s.entryPrice = 0
	s.entryCandleCloseTime = 0
	s.trailing = nil
}

func isSupportedInterval(interval string) bool {
	switch interval {
	case "1s", "3s", "5s", "10s", "30s", "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d":
		return true
	default:
		return false
	}
}

func higherTimeframe(interval string) string {
	switch interval {
	case "1m":
		return "5m"
	case "3m", "5m":
		return "15m"
	case "15m", "30m":
		return "1h"
	case "1h", "2h":
		return "4h"
	default:
		return "1d"
	}
}

// Evaluate implements the full entry/exit decision for one closed candle.
func (s *EmaCrossover) Evaluate() (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.fastLimit()
	candles, err := s.feed.Klines(s.symbol, s.interval, limit)
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

	closes := closesOf(candles)
	fastEma, fastOk := indicator.EMA(closes, s.fastPeriod)
	slowEma, slowOk := indicator.EMA(closes, s.slowPeriod)
	if !fastOk || !slowOk {
		return holdSignal(s.symbol), nil
	}

	prevFast, prevSlow, havePrev := s.prevFast, s.prevSlow, s.havePrev
	defer func() {
		s.prevFast, s.prevSlow = fastEma, slowEma
		s.havePrev = true
	}()

	if s.cooldownLeft > 0 {
		s.cooldownLeft--
		return holdSignal(s.symbol), nil
	}

	if sig, exited := s.checkTPSL(price, closeTime); exited {
		return sig, nil
	}

	if !havePrev {
		return holdSignal(s.symbol), nil
	}

	separation := absF(fastEma-slowEma) / price
	goldenCross := prevFast <= prevSlow && fastEma > slowEma
	deathCross := prevFast >= prevSlow && fastEma < slowEma

	switch {
	case goldenCross && s.flat:
		if separation < s.minEmaSeparation {
			return holdSignal(s.symbol), nil
		}
		s.openLocked(risk.Long, lastClosed.Close, closeTime)
		return Signal{Type: SignalEnterLong, Symbol: s.symbol, Price: lastClosed.Close, Reason: "EMA_GOLDEN_CROSS", Timestamp: time.Now()}, nil

	case deathCross && s.side == risk.Long && s.enableEmaCrossExit && closeTime != s.entryCandleCloseTime:
		s.resetPositionLocked()
		s.cooldownLeft = s.cooldownCandles
		return Signal{Type: SignalExitLong, Symbol: s.symbol, Price: price, Reason: "EMA_DEATH_CROSS", Timestamp: time.Now()}, nil

	case deathCross && s.flat && s.enableShort:
		if separation < s.minEmaSeparation {
			return holdSignal(s.symbol), nil
		}
		if s.enableHTFBias {
			allowed, err := s.htfBiasAllowsShort(candles)
			if err != nil || !allowed {
				return holdSignal(s.symbol), nil
			}
		}
		s.openLocked(risk.Short, lastClosed.Close, closeTime)
		return Signal{Type: SignalEnterShort, Symbol: s.symbol, Price: lastClosed.Close, Reason: "EMA_DEATH_CROSS", Timestamp: time.Now()}, nil

	case goldenCross && s.side == risk.Short && s.enableEmaCrossExit && closeTime != s.entryCandleCloseTime:
		s.resetPositionLocked()
		s.cooldownLeft = s.cooldownCandles
		return Signal{Type: SignalExitShort, Symbol: s.symbol, Price: price, Reason: "EMA_GOLDEN_CROSS", Timestamp: time.Now()}, nil
	}

	return holdSignal(s.symbol), nil
}

func (s *EmaCrossover) fastLimit() int {
	limit := s.slowPeriod + 10
	if limit < 50 {
		limit = 50
	}
	return limit
}

func (s *EmaCrossover) htfBiasAllowsShort(_ []kline.Kline) (bool, error) {
	htfInterval := higherTimeframe(s.interval)
	htfCandles, err := s.feed.Klines(s.symbol, htfInterval, s.fastLimit())
	if err != nil || len(htfCandles) == 0 {
		return false, err
	}
	closes := closesOf(htfCandles)
	htfFast, fastOk := indicator.EMA(closes, s.fastPeriod)
	htfSlow, slowOk := indicator.EMA(closes, s.slowPeriod)
	if !fastOk || !slowOk {
		return false, nil
	}
	return htfFast < htfSlow, nil
}

func (s *EmaCrossover) openLocked(side risk.PositionType, entryPrice float64, closeTime int64) {
	s.flat = false
	s.side = side
	s.entryPrice = entryPrice
	s.entryCandleCloseTime = closeTime
	if s.trailingEnabled {
		s.trailing = risk.NewTrailingStop(s.symbol, side, entryPrice, s.takeProfitPct, s.stopLossPct, s.trailingActivationPct)
	} else {
		s.trailing = nil
	}
}

// checkTPSL evaluates the current TP/SL (trailing, if enabled, else
// fixed) against livePrice. closeTime == 0 signals the "temporarily
// cleared entry candle" trick used for the older-candle path, so fixed
// TP/SL is never blocked there.
func (s *EmaCrossover) checkTPSL(livePrice float64, closeTime int64) (Signal, bool) {
	if s.flat {
		return Signal{}, false
	}
	onEntryCandle := s.entryCandleCloseTime != 0 && closeTime == s.entryCandleCloseTime

	reason := ""
	if s.trailing != nil {
		s.trailing.Update(livePrice)
		switch s.trailing.CheckExit(livePrice) {
		case risk.ExitTP:
			reason = "TRAILING_TP"
		case risk.ExitSL:
			reason = "TRAILING_SL"
		}
	}
	if reason == "" && !onEntryCandle {
		tp, sl := s.fixedLevels()
		if s.side == risk.Long {
			switch {
			case livePrice >= tp:
				reason = "TP"
			case livePrice <= sl:
				reason = "SL"
			}
		} else {
			switch {
			case livePrice <= tp:
				reason = "TP"
			case livePrice >= sl:
				reason = "SL"
			}
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

func (s *EmaCrossover) fixedLevels() (tp, sl float64) {
	if s.side == risk.Long {
		return s.entryPrice * (1 + s.takeProfitPct), s.entryPrice * (1 - s.stopLossPct)
	}
	return s.entryPrice * (1 - s.takeProfitPct), s.entryPrice * (1 + s.stopLossPct)
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
