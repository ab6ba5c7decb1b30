package indicator

// RSI computes the Relative Strength Index over period successive deltas
// in prices (so it needs period+1 prices). Average gain and average loss
// are simple means of the positive and absolute-negative deltas. When
// avg-loss is zero, RSI is 100 if there was any gain, else 50 (flat
// market, neutral reading) rather than the usual divide-by-zero blowup.
// Undefined (ok == false) when len(prices) < period+1.
func RSI(prices []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}

	start := len(prices) - period
	var gainSum, lossSum float64
	for i := start; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	if avgLoss == 0 {
		if avgGain > 0 {
			return 100, true
		}
		return 50, true
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
