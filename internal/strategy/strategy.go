// Package strategy implements the two supplied strategy evaluators and
// the tag-to-constructor registry and shared evaluation context they share.
package strategy

import (
	"time"

	"github.com/koshedu/strategy-engine/internal/kline"
)

// Feed is what a strategy needs to pull market data, independent of
// whether it comes from the websocket buffer or a REST fallback.
type Feed interface {
	Klines(symbol, interval string, limit int) ([]kline.Kline, error)
	Price(symbol string) (float64, error)
}

// Context carries the identity and configuration a strategy is built
// with; Params holds the raw string-keyed configuration values that each
// constructor interprets with the param* helpers in params.go.
type Context struct {
	StrategyID string
	Symbol     string
	Params     map[string]string
}

// SignalType classifies what evaluate() is asking the runner to do.
type SignalType string

const (
	SignalHold      SignalType = "HOLD"
	SignalEnterLong SignalType = "ENTER_LONG"
	SignalEnterShort SignalType = "ENTER_SHORT"
	SignalExitLong  SignalType = "EXIT_LONG"
	SignalExitShort SignalType = "EXIT_SHORT"
)

// Signal is the outcome of one evaluate() call.
type Signal struct {
	Type      SignalType
	Symbol    string
	Price     float64
	Reason    string
	Timestamp time.Time
}

func holdSignal(symbol string) Signal {
	return Signal{Type: SignalHold, Symbol: symbol, Timestamp: time.Now()}
}

// PositionState is what the runner reads from the exchange and feeds back
// into SyncPositionState: the exchange's reported position is authoritative
// over a strategy's own idea of its position.
type PositionState struct {
	Flat       bool
	Side       string // "LONG" or "SHORT", ignored when Flat
	EntryPrice float64
}

// Strategy is the capability interface every evaluator in this package
// implements; the runner only ever talks to this interface.
type Strategy interface {
	Name() string
	Symbol() string
	Interval() string

	// Evaluate pulls the data it needs from the feed itself and returns a
	// signal; it never blocks on anything but the feed/price calls it
	// makes internally.
	Evaluate() (Signal, error)

	// SyncPositionState reconciles runtime state with the exchange's
	// authoritative view; on divergence the exchange always wins.
	SyncPositionState(state PositionState)

	// InPosition reports whether the strategy currently believes it holds
	// a position.
	InPosition() bool

	// CurrentState exposes the runtime position view so the runner can
	// carry it across a hot parameter swap: the rebuilt instance is synced
	// from this before it replaces the old one.
	CurrentState() PositionState
}
