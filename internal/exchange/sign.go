package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"time"
)

const recvWindowMs = 10000

// sign computes the HMAC-SHA256 hex signature of a query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildQueryString renders params in sorted key order, so the signed query
// string is deterministic.
func buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	return values.Encode()
}

// signParams stamps fresh timestamp/recvWindow fields and appends the
// computed signature, per the contract that every retry attempt gets a
// fresh timestamp.
func (c *Client) signParams(params map[string]string) string {
	params["timestamp"] = itoa64(time.Now().UnixMilli())
	params["recvWindow"] = itoa64(recvWindowMs)
	query := buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// syncTime fetches the exchange's server time and records the local-minus-
// server offset, in milliseconds. Offset is informational only — actual
// request signing always uses the system clock directly — but a large
// offset predicts -1021 errors before they happen, so it's logged loudly.
func (c *Client) syncTime() error {
	serverTimeMs, err := c.getServerTime()
	if err != nil {
		return err
	}
	localMs := time.Now().UnixMilli()
	c.timeOffsetMs.Store(localMs - serverTimeMs)

	offset := c.timeOffsetMs.Load()
	abs := offset
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 1000:
		c.log.Error("system clock is %dms %s exchange server time; requests will fail with -1021 until corrected", abs, direction(offset))
	case abs > 500:
		c.log.Warn("time offset detected: %dms %s exchange server time", abs, direction(offset))
	default:
		c.log.Debug("time synchronized with exchange: offset=%dms", offset)
	}
	return nil
}

func direction(offsetMs int64) string {
	if offsetMs > 0 {
		return "ahead of"
	}
	return "behind"
}

// resyncDelay is the "sleep then retry once" wait the contract specifies
// after a -1021 resync: max(1.5s, |offset|/1000 + 0.5s).
func (c *Client) resyncDelay() time.Duration {
	offset := c.timeOffsetMs.Load()
	if offset < 0 {
		offset = -offset
	}
	secs := float64(offset)/1000.0 + 0.5
	if secs < 1.5 {
		secs = 1.5
	}
	return time.Duration(secs * float64(time.Second))
}
