package risk

import "sync"

// TrailingManager owns one TrailingStop per open position (keyed by symbol)
// and serializes access to the set, mirroring the shape of a position-keyed
// map guarded by a single mutex.
type TrailingManager struct {
	mu        sync.RWMutex
	positions map[string]*TrailingStop
}

// NewTrailingManager constructs an empty TrailingManager.
func NewTrailingManager() *TrailingManager {
	return &TrailingManager{positions: make(map[string]*TrailingStop)}
}

// Open starts tracking a new position. It replaces any existing trail for
// the symbol.
func (m *TrailingManager) Open(symbol string, positionType PositionType, entryPrice, tpPct, slPct, activationPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = NewTrailingStop(symbol, positionType, entryPrice, tpPct, slPct, activationPct)
}

// Close stops tracking a position, e.g. once it has been flattened.
func (m *TrailingManager) Close(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// Update feeds a new price to the named position's trail, if any is open.
func (m *TrailingManager) Update(symbol string, price float64) (TrailUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.positions[symbol]
	if !ok {
		return TrailUpdate{}, false
	}
	return ts.Update(price)
}

// CheckExit reports the named position's current exit condition, if tracked.
func (m *TrailingManager) CheckExit(symbol string, price float64) (ExitReason, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.positions[symbol]
	if !ok {
		return ExitNone, false
	}
	return ts.CheckExit(price), true
}

// Levels returns the named position's current TP/SL/best-price snapshot.
func (m *TrailingManager) Levels(symbol string) (tp, sl, best float64, activated, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, found := m.positions[symbol]
	if !found {
		return 0, 0, 0, false, false
	}
	tp, sl, best, activated = ts.Levels()
	return tp, sl, best, activated, true
}

// Symbols returns the symbols currently tracked.
func (m *TrailingManager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	return out
}
