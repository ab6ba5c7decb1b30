package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koshedu/strategy-engine/internal/kline"
	"github.com/koshedu/strategy-engine/internal/log"
)

const (
	testnetWSBaseURL = "wss://stream.binancefuture.com"
	mainnetWSBaseURL = "wss://fstream.binance.com"

	pingInterval        = 20 * time.Second
	pingTimeout         = 10 * time.Second
	maxBackoff          = 60 * time.Second
	failuresBeforeFailover = 3
	failuresBeforeCooldown = 10
	cooldownPeriod      = 5 * time.Minute
)

// klineFrame is the subset of a combined kline websocket frame the manager
// cares about.
type klineFrame struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
		Trades    int    `json:"n"`
		QuoteVol  string `json:"q"`
		TakerBase string `json:"V"`
		TakerQuote string `json:"Q"`
	} `json:"k"`
}

// connection owns one (symbol, interval) websocket subscription: dialing,
// reconnect-with-backoff, testnet-to-mainnet failover, and dispatch of
// closed candles into the shared buffer and latch.
type connection struct {
	symbol   string
	interval string
	testnet  bool

	buf   *kline.Buffer
	wake  *latch
	log   *log.Logger

	stop    chan struct{}
	ready   chan struct{}
	readyOnce atomic.Bool
}

func newConnection(symbol, interval string, testnet bool, buf *kline.Buffer, wake *latch, logger *log.Logger) *connection {
	return &connection{
		symbol:   strings.ToUpper(symbol),
		interval: interval,
		testnet:  testnet,
		buf:      buf,
		wake:     wake,
		log:      logger.WithComponent("stream").WithField("symbol", symbol).WithField("interval", interval),
		stop:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

func (c *connection) streamURL(useMainnet bool) string {
	base := testnetWSBaseURL
	if useMainnet || !c.testnet {
		base = mainnetWSBaseURL
	}
	stream := fmt.Sprintf("%s/ws/%s@kline_%s", base, strings.ToLower(c.symbol), c.interval)
	return stream
}

// run is the connection's lifetime loop: it dials, reads until the socket
// drops, and reconnects with backoff, failing over to mainnet after three
// consecutive failures against testnet and cooling down for five minutes
// after ten consecutive failures overall.
func (c *connection) run() {
	consecutiveFailures := 0
	useMainnet := !c.testnet

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		url := c.streamURL(useMainnet)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			consecutiveFailures++
			c.log.Warn("dial failed (attempt %d): %v", consecutiveFailures, err)

			if !useMainnet && consecutiveFailures >= failuresBeforeFailover {
				c.log.Warn("failing over to mainnet market data after %d consecutive testnet failures", consecutiveFailures)
				useMainnet = true
			}

			if consecutiveFailures >= failuresBeforeCooldown {
				c.log.Error("%d consecutive connection failures, cooling down for %s", consecutiveFailures, cooldownPeriod)
				consecutiveFailures = 0
				if !c.sleep(cooldownPeriod) {
					return
				}
				continue
			}

			backoff := backoffFor(consecutiveFailures)
			if !c.sleep(backoff) {
				return
			}
			continue
		}

		consecutiveFailures = 0
		c.markReady()
		c.pingLoop(conn)
		c.readLoop(conn)
		conn.Close()

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

func (c *connection) markReady() {
	if c.readyOnce.CompareAndSwap(false, true) {
		close(c.ready)
	}
}

func (c *connection) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stop:
		return false
	}
}

func backoffFor(failures int) time.Duration {
	d := time.Second * time.Duration(1<<uint(min(failures, 6)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *connection) pingLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
					return
				}
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *connection) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read error: %v", err)
			}
			return
		}
		c.handleFrame(msg)
	}
}

func (c *connection) handleFrame(msg []byte) {
	var frame klineFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.log.Debug("frame decode failed: %v", err)
		return
	}
	if !frame.Kline.IsClosed {
		return
	}

	k := kline.Kline{
		OpenTime:                 frame.Kline.OpenTime,
		CloseTime:                frame.Kline.CloseTime,
		Open:                     parseF(frame.Kline.Open),
		High:                     parseF(frame.Kline.High),
		Low:                      parseF(frame.Kline.Low),
		Close:                    parseF(frame.Kline.Close),
		Volume:                   parseF(frame.Kline.Volume),
		NumberOfTrades:           frame.Kline.Trades,
		QuoteAssetVolume:         parseF(frame.Kline.QuoteVol),
		TakerBuyBaseAssetVolume:  parseF(frame.Kline.TakerBase),
		TakerBuyQuoteAssetVolume: parseF(frame.Kline.TakerQuote),
	}
	c.buf.Add(k)
	c.wake.Fire()
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (c *connection) shutdown() {
	close(c.stop)
}
