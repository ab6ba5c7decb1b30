package risk

import "time"

// PositionType is the side a trailing stop is protecting.
type PositionType string

const (
	Long  PositionType = "LONG"
	Short PositionType = "SHORT"
)

// ExitReason is what check_exit found triggered, if anything.
type ExitReason string

const (
	ExitNone ExitReason = ""
	ExitTP   ExitReason = "TP"
	ExitSL   ExitReason = "SL"
)

// TrailUpdate traces one real ratchet of TP/SL, for logging/diagnostics.
type TrailUpdate struct {
	Symbol    string
	BestPrice float64
	OldTP     float64
	OldSL     float64
	NewTP     float64
	NewSL     float64
	At        time.Time
}

// TrailingStop ratchets take-profit and stop-loss levels for one open
// position as price moves favorably, optionally gated behind an activation
// threshold. It is not safe for concurrent use by itself; callers needing
// shared access should guard it externally (see TrailingManager).
type TrailingStop struct {
	symbol       string
	positionType PositionType
	entryPrice   float64
	tpPct        float64
	slPct        float64
	activationPct float64

	bestPrice float64
	currentTP float64
	currentSL float64
	activated bool
}

// NewTrailingStop creates a trailing stop seeded at entryPrice. activationPct
// of 0 means the trail is active immediately.
func NewTrailingStop(symbol string, positionType PositionType, entryPrice, tpPct, slPct, activationPct float64) *TrailingStop {
	ts := &TrailingStop{
		symbol:        symbol,
		positionType:  positionType,
		tpPct:         tpPct,
		slPct:         slPct,
		activationPct: activationPct,
	}
	ts.reset(entryPrice)
	return ts
}

func (ts *TrailingStop) reset(entryPrice float64) {
	ts.entryPrice = entryPrice
	ts.bestPrice = entryPrice
	ts.activated = ts.activationPct <= 0

	if ts.positionType == Long {
		ts.currentTP = entryPrice * (1 + ts.tpPct)
		ts.currentSL = entryPrice * (1 - ts.slPct)
	} else {
		ts.currentTP = entryPrice * (1 - ts.tpPct)
		ts.currentSL = entryPrice * (1 + ts.slPct)
	}
}

// Reset re-seeds the trailing stop for a new entry at the same symbol/side,
// as when a position is flattened and immediately re-opened.
func (ts *TrailingStop) Reset(newEntryPrice float64) {
	ts.reset(newEntryPrice)
}

func (ts *TrailingStop) activationPrice() float64 {
	if ts.positionType == Long {
		return ts.entryPrice * (1 + ts.activationPct)
	}
	return ts.entryPrice * (1 - ts.activationPct)
}

// Update advances the trail with a new observed price. Before activation it
// is a no-op beyond tracking whether activation has now been crossed. Once
// activated, TP/SL only ever move in the favorable direction (up for LONG,
// down for SHORT) off a new best price. Returns the resulting TrailUpdate
// and true only when a real ratchet happened.
func (ts *TrailingStop) Update(price float64) (TrailUpdate, bool) {
	if !ts.activated {
		crossed := (ts.positionType == Long && price >= ts.activationPrice()) ||
			(ts.positionType == Short && price <= ts.activationPrice())
		if !crossed {
			return TrailUpdate{}, false
		}
		ts.activated = true
	}

	improved := (ts.positionType == Long && price > ts.bestPrice) ||
		(ts.positionType == Short && price < ts.bestPrice)
	if !improved {
		return TrailUpdate{}, false
	}
	ts.bestPrice = price

	oldTP, oldSL := ts.currentTP, ts.currentSL
	var newTP, newSL float64
	if ts.positionType == Long {
		newTP = ts.bestPrice * (1 + ts.tpPct)
		newSL = ts.bestPrice * (1 - ts.slPct)
	} else {
		newTP = ts.bestPrice * (1 - ts.tpPct)
		newSL = ts.bestPrice * (1 + ts.slPct)
	}

	// Ratchet only: LONG levels may only rise, SHORT levels may only fall.
	moved := false
	if ts.positionType == Long {
		if newSL > ts.currentSL {
			ts.currentSL = newSL
			moved = true
		}
		if newTP > ts.currentTP {
			ts.currentTP = newTP
			moved = true
		}
	} else {
		if newSL < ts.currentSL {
			ts.currentSL = newSL
			moved = true
		}
		if newTP < ts.currentTP {
			ts.currentTP = newTP
			moved = true
		}
	}
	if !moved {
		return TrailUpdate{}, false
	}

	return TrailUpdate{
		Symbol:    ts.symbol,
		BestPrice: ts.bestPrice,
		OldTP:     oldTP,
		OldSL:     oldSL,
		NewTP:     ts.currentTP,
		NewSL:     ts.currentSL,
		At:        time.Now(),
	}, true
}

// CheckExit reports whether price has crossed the current TP or SL level.
func (ts *TrailingStop) CheckExit(price float64) ExitReason {
	if ts.positionType == Long {
		switch {
		case price >= ts.currentTP:
			return ExitTP
		case price <= ts.currentSL:
			return ExitSL
		}
		return ExitNone
	}
	switch {
	case price <= ts.currentTP:
		return ExitTP
	case price >= ts.currentSL:
		return ExitSL
	}
	return ExitNone
}

// Levels returns the current TP/SL/best-price/activated snapshot.
func (ts *TrailingStop) Levels() (tp, sl, best float64, activated bool) {
	return ts.currentTP, ts.currentSL, ts.bestPrice, ts.activated
}
