// Package stream implements a process-wide manager of websocket kline
// subscriptions keyed by (symbol, interval), each backed by a bounded
// buffer and a one-shot latch that wakes every subscriber on the arrival
// of a new closed candle.
package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
)

// KlineFetcher is the subset of the public market data client the
// manager needs to bootstrap a cold buffer.
type KlineFetcher interface {
	GetKlines(symbol, interval string, limit int) ([]kline.Kline, error)
}

const subscribeReadyTimeout = 5 * time.Second

type entry struct {
	refCount int
	buf      *kline.Buffer
	wake     *latch
	conn     *connection
}

func keyFor(symbol, interval string) string {
	return strings.ToUpper(symbol) + "|" + interval
}

// Manager is the process-wide (per testnet/mainnet flag) kline stream
// registry. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	testnet bool
	fetcher KlineFetcher
	log     *log.Logger
}

// NewManager creates a Manager. testnet selects which websocket base URL
// new connections try first; fetcher backs klines() bootstrap and REST
// fallback.
func NewManager(testnet bool, fetcher KlineFetcher, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		entries: make(map[string]*entry),
		testnet: testnet,
		fetcher: fetcher,
		log:     logger.WithComponent("stream-manager"),
	}
}

// Subscribe is idempotent: the first caller for a (symbol, interval) pair
// spawns the connection task; subsequent callers just bump the reference
// count. Returns once the stream is up or subscribeReadyTimeout elapses —
// a timeout is logged as a warning, not returned as an error, since
// callers can fall back to REST via klines().
func (m *Manager) Subscribe(symbol, interval string) {
	key := keyFor(symbol, interval)

	m.mu.Lock()
	e, exists := m.entries[key]
	if exists {
		e.refCount++
		m.mu.Unlock()
		return
	}

	e = &entry{
		refCount: 1,
		buf:      kline.NewBuffer(kline.DefaultCapacity),
		wake:     newLatch(),
	}
	e.conn = newConnection(symbol, interval, m.testnet, e.buf, e.wake, m.log)
	m.entries[key] = e
	m.mu.Unlock()

	go e.conn.run()

	select {
	case <-e.conn.ready:
	case <-time.After(subscribeReadyTimeout):
		m.log.Warn("stream for %s not up after %s, consumers should fall back to REST", key, subscribeReadyTimeout)
	}
}

// Unsubscribe decrements the reference count for (symbol, interval); at
// zero it terminates the connection and frees the buffer and latch.
func (m *Manager) Unsubscribe(symbol, interval string) {
	key := keyFor(symbol, interval)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount > 0 {
		return
	}
	e.conn.shutdown()
	delete(m.entries, key)
}

// Klines returns the last limit closed candles for (symbol, interval). If
// the buffer doesn't yet hold limit candles, it bootstraps from the
// fetcher, seeding the buffer so later reads don't re-fetch. A bootstrap
// failure is surfaced so callers may fall back.
func (m *Manager) Klines(symbol, interval string, limit int) ([]kline.Kline, error) {
	key := keyFor(symbol, interval)

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()

	if ok {
		if snap := e.buf.Snapshot(limit); len(snap) >= limit {
			return snap, nil
		}
	}

	if m.fetcher == nil {
		if ok {
			return e.buf.Snapshot(limit), nil
		}
		return nil, fmt.Errorf("stream: no subscription and no REST fetcher configured for %s", key)
	}

	rest, err := m.fetcher.GetKlines(symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("stream: bootstrap klines for %s: %w", key, err)
	}

	if ok {
		for _, k := range rest {
			e.buf.Add(k)
		}
		return e.buf.Snapshot(limit), nil
	}
	return rest, nil
}

// WaitForNewClosedCandle suspends until the next closed-candle latch fires
// for (symbol, interval), the done channel is closed, or timeout elapses
// (timeout <= 0 waits forever). Returns false on timeout/cancellation or
// if there's no active subscription.
func (m *Manager) WaitForNewClosedCandle(symbol, interval string, done <-chan struct{}, timeout time.Duration) bool {
	key := keyFor(symbol, interval)

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return false
	}

	return e.wake.Wait(done, timeout)
}

// IsSubscribed reports whether (symbol, interval) currently has an active
// subscription.
func (m *Manager) IsSubscribed(symbol, interval string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[keyFor(symbol, interval)]
	return ok
}
