// Package idgen generates Binance client order IDs. It uses a structured
// [TYPE]-[STRATEGY]-[HASH] layout and derives the hash component
// deterministically from the signal that caused the order: the same
// (strategy, symbol, side, candle) inside one salt window always produces
// the same ID, so a retried PlaceOrder after a network blip naturally
// collides with Binance's 24h dedup window instead of placing a duplicate.
package idgen

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLength is the maximum length Binance accepts.
const MaxClientOrderIDLength = 36

// FallbackMarker identifies IDs generated when deterministic derivation
// isn't applicable (a manual close, an SL/TP leg with no candle context).
const FallbackMarker = "FALLBACK"

// DefaultSaltWindowSeconds is the width of the window a salt is stable
// across: two calls for the same signal within the same window collide by
// design; a call past the window boundary gets a fresh ID, so a runner
// that's been retrying for minutes eventually tries a truly new order
// instead of hammering the same duplicate forever.
const DefaultSaltWindowSeconds = 45

// Generator produces deterministic client order IDs for one runner.
type Generator struct {
	strategyID       string
	saltWindowSeconds int64
	nowUnix          func() int64
}

// New builds a Generator for strategyID. nowUnix lets tests and the runner
// inject the wall clock explicitly instead of reaching for time.Now
// (idgen otherwise has no reason to import time at all).
func New(strategyID string, saltWindowSeconds int64, nowUnix func() int64) *Generator {
	if saltWindowSeconds <= 0 {
		saltWindowSeconds = DefaultSaltWindowSeconds
	}
	return &Generator{strategyID: strategyID, saltWindowSeconds: saltWindowSeconds, nowUnix: nowUnix}
}

// Entry derives the deterministic client_order_id for one entry signal.
// side is "LONG" or "SHORT"; candleCloseTime is the close_time of the
// candle whose evaluation produced the signal.
func (g *Generator) Entry(symbol, side string, candleCloseTime int64) string {
	return g.derive("E", symbol, side, candleCloseTime)
}

// Exit derives the deterministic client_order_id for an exit/reduce-only
// order closing out the position opened on entryCandleCloseTime.
func (g *Generator) Exit(symbol, side string, entryCandleCloseTime int64) string {
	return g.derive("X", symbol, side, entryCandleCloseTime)
}

func (g *Generator) derive(kind, symbol, side string, candleCloseTime int64) string {
	salt := g.nowUnix() / g.saltWindowSeconds
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d", kind, g.strategyID, symbol, side, candleCloseTime, salt)
	sum := hex.EncodeToString(h.Sum(nil))
	id := fmt.Sprintf("%s-%s-%s", strings.ToUpper(kind), shortStrategyCode(g.strategyID), sum[:20])
	return truncate(id)
}

// Fallback returns a random client_order_id for orders with no natural
// candle identity to derive from (a manual flatten, an emergency close).
func Fallback(strategyID string) string {
	id := fmt.Sprintf("%s-%s-%s", shortStrategyCode(strategyID), FallbackMarker, uuid.NewString())
	return truncate(id)
}

func shortStrategyCode(strategyID string) string {
	s := strings.ToUpper(strategyID)
	if len(s) > 8 {
		s = s[:8]
	}
	if s == "" {
		s = "STRAT"
	}
	return s
}

func truncate(id string) string {
	if len(id) > MaxClientOrderIDLength {
		return id[:MaxClientOrderIDLength]
	}
	return id
}
