package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// endpointWeights mirrors the exchange's published per-endpoint weight
// table; unlisted endpoints default to weight 1.
var endpointWeights = map[string]int{
	"/fapi/v2/account":           5,
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/positionSide/dual": 30,
	"/fapi/v1/order":             1,
	"/fapi/v1/openOrders":        1,
	"/fapi/v1/allOpenOrders":     40,
	"/fapi/v1/allOrders":         5,
	"/fapi/v1/userTrades":        5,
	"/fapi/v1/leverage":          1,
	"/fapi/v1/marginType":        1,
	"/fapi/v1/klines":            1,
	"/fapi/v1/exchangeInfo":      1,
	"/fapi/v1/ticker/price":      1,
	"/fapi/v1/premiumIndex":      1,
	"/fapi/v1/income":            30,
	"/fapi/v1/commissionRate":    20,
}

func weightOf(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// weightLimiter throttles every request (public and signed) to the exchange's published
// weight budget (2400/min for futures), implemented with a token-bucket
// limiter: golang.org/x/time/rate already gives smooth admission and a
// burst allowance, and admission-side circuit breaking is handled
// separately by internal/breaker.
type weightLimiter struct {
	limiter *rate.Limiter
}

// newWeightLimiter budgets maxWeightPerMinute weight units per minute with
// a burst of burst units (enough headroom for a handful of back-to-back
// calls without stalling).
func newWeightLimiter(maxWeightPerMinute, burst int) *weightLimiter {
	return &weightLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(maxWeightPerMinute)/60.0), burst),
	}
}

// wait blocks until enough weight budget is available for endpoint.
func (w *weightLimiter) wait(ctx context.Context, endpoint string) error {
	return w.limiter.WaitN(ctx, weightOf(endpoint))
}

const defaultMaxWeightPerMinute = 2400
const defaultBurstWeight = 100

func defaultWeightLimiter() *weightLimiter {
	return newWeightLimiter(defaultMaxWeightPerMinute, defaultBurstWeight)
}
