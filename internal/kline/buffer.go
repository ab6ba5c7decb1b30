// Package kline holds the bounded per-(symbol,interval) candle buffer that
// sits between the websocket distribution layer and everything that reads
// closed candles (strategies, indicators, the public REST fallback).
package kline

import "sync"

// Kline is a closed candlestick. CloseTime is the semantic key: within one
// stream it is monotonic and uniquely identifies a candle.
type Kline struct {
	OpenTime                 int64
	Open                     float64
	High                     float64
	Low                      float64
	Close                    float64
	Volume                   float64
	CloseTime                int64
	QuoteAssetVolume         float64
	NumberOfTrades           int
	TakerBuyBaseAssetVolume  float64
	TakerBuyQuoteAssetVolume float64
}

// DefaultCapacity is the default ring size for a Buffer (spec: 1000).
const DefaultCapacity = 1000

// Buffer is a bounded, ordered sequence of closed klines for one
// (symbol, interval) pair. Every mutation and read is serialized; readers
// always get a copy, never an alias into the internal slice.
type Buffer struct {
	mu             sync.RWMutex
	capacity       int
	items          []Kline
	lastUpdateTime int64
}

// NewBuffer creates a Buffer with the given capacity. capacity <= 0 falls
// back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]Kline, 0, capacity),
	}
}

// Add appends k, or replaces the last element in place when it shares the
// same CloseTime (a late update to the still-settling candle). No
// reordering is ever performed.
func (b *Buffer) Add(k Kline) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.items); n > 0 && b.items[n-1].CloseTime == k.CloseTime {
		b.items[n-1] = k
	} else {
		b.items = append(b.items, k)
		if len(b.items) > b.capacity {
			b.items = b.items[len(b.items)-b.capacity:]
		}
	}
	b.lastUpdateTime = k.CloseTime
}

// Snapshot returns a copy of up to the last limit klines, oldest first.
// limit <= 0 returns the whole buffer.
func (b *Buffer) Snapshot(limit int) []Kline {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Kline, limit)
	copy(out, b.items[n-limit:])
	return out
}

// Latest returns the most recent kline and true, or the zero value and
// false if the buffer is empty.
func (b *Buffer) Latest() (Kline, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.items) == 0 {
		return Kline{}, false
	}
	return b.items[len(b.items)-1], true
}

// Len reports how many klines are currently buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// LastUpdateTime returns the CloseTime of the most recently added/replaced
// kline, or 0 if nothing has ever been added.
func (b *Buffer) LastUpdateTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateTime
}
