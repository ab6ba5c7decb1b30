// Package indicator holds pure, stateless technical-analysis functions
// (EMA, RSI, ATR, swing-based market structure, volume statistics). Every
// function is total on its inputs: insufficient data returns a zero value
// and ok == false rather than panicking or guessing.
package indicator

// EMA computes the Exponential Moving Average of prices over period. It
// seeds with the simple average of the first period prices, then iterates
// the standard update ema <- (p - ema) * (2 / (period+1)) + ema over the
// rest. Undefined (ok == false) when len(prices) < period.
func EMA(prices []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}

	smoothing := 2.0 / float64(period+1)
	ema := mean(prices[:period])
	for _, p := range prices[period:] {
		ema = (p-ema)*smoothing + ema
	}
	return ema, true
}

// EMASeries recomputes EMA at every index from period-1 onward, returning
// one value per closed input price (indices before period-1 are invalid
// and omitted). It exists purely so callers that need "the EMA value as of
// two candles ago" (to detect a crossover) do not have to re-slice prices
// and call EMA repeatedly; the seeding and update rule are identical to EMA.
func EMASeries(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}

	smoothing := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)
	ema := mean(prices[:period])
	out = append(out, ema)
	for _, p := range prices[period:] {
		ema = (p-ema)*smoothing + ema
		out = append(out, ema)
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
