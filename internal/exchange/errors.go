package exchange

import "fmt"

// Code classifies an exchange error for callers that need to branch on it,
// e.g. the runner distinguishing a rejected order from a transient
// network blip.
type Code string

const (
	CodeRateLimit           Code = "RATE_LIMIT"
	CodeAuthFailure         Code = "AUTH_FAILURE"
	CodeInvalidQuantity     Code = "INVALID_QUANTITY"
	CodeInvalidSymbol       Code = "INVALID_SYMBOL"
	CodeReduceOnlyRejected  Code = "REDUCE_ONLY_REJECTED"
	CodeInvalidLeverage     Code = "INVALID_LEVERAGE"
	CodeNetwork             Code = "NETWORK"
	CodeBreakerOpen         Code = "BREAKER_OPEN"
	CodePositionSizing      Code = "POSITION_SIZING"
	CodeUnsupportedStrategy Code = "UNSUPPORTED_STRATEGY_TYPE"
	CodeStrategyInitFailed  Code = "STRATEGY_INIT_FAILED"
	CodeGeneric             Code = "GENERIC"
)

// Error is the engine-wide typed exchange error.
type Error struct {
	Code       Code
	Message    string
	BinanceErr int // exchange's numeric error code, 0 if not applicable
	RetryAfter int // seconds, set only for CodeRateLimit
}

func (e *Error) Error() string {
	if e.BinanceErr != 0 {
		return fmt.Sprintf("exchange: %s (code %d): %s", e.Code, e.BinanceErr, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Code, e.Message)
}

// classifyBinanceCode maps an exchange numeric error code (and HTTP status,
// for the cases the code alone doesn't disambiguate) to our taxonomy.
func classifyBinanceCode(httpStatus, code int, msg string) *Error {
	switch {
	case httpStatus == 401, code == -2015, code == -2014:
		return &Error{Code: CodeAuthFailure, Message: msg, BinanceErr: code}
	case code == -1013:
		return &Error{Code: CodeInvalidQuantity, Message: msg, BinanceErr: code}
	case code == -1121:
		return &Error{Code: CodeInvalidSymbol, Message: msg, BinanceErr: code}
	case code == -4164:
		return &Error{Code: CodeReduceOnlyRejected, Message: msg, BinanceErr: code}
	case code == -4174:
		return &Error{Code: CodeInvalidLeverage, Message: msg, BinanceErr: code}
	default:
		return &Error{Code: CodeGeneric, Message: msg, BinanceErr: code}
	}
}

// isTimestampOutOfSync reports the -1021 code that triggers a resync+retry.
func isTimestampOutOfSync(code int) bool { return code == -1021 }

// IsBreakerFailure reports whether err should count as a circuit-breaker
// failure. Rate limit responses are explicitly included per contract
// ("rate-limit exceptions are treated as breaker failures").
func IsBreakerFailure(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	return e.Code == CodeRateLimit || e.Code == CodeNetwork || e.Code == CodeGeneric
}
