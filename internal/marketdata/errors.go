package marketdata

import "fmt"

// Code classifies a public market data error for callers that need to
// branch on it, mirroring the richer taxonomy internal/exchange uses for
// authenticated calls.
type Code string

const (
	CodeRateLimit     Code = "RATE_LIMIT"
	CodeInvalidSymbol Code = "INVALID_SYMBOL"
	CodeNetwork       Code = "NETWORK"
	CodeGeneric       Code = "GENERIC"
)

// Error is a typed public-API error carrying the exchange's numeric error
// code (when present) alongside a Code classification.
type Error struct {
	Code       Code
	Message    string
	BinanceErr int // exchange's numeric error code, 0 if not applicable
	RetryAfter int // seconds, set only for CodeRateLimit
}

func (e *Error) Error() string {
	if e.BinanceErr != 0 {
		return fmt.Sprintf("marketdata: %s (code %d): %s", e.Code, e.BinanceErr, e.Message)
	}
	return fmt.Sprintf("marketdata: %s: %s", e.Code, e.Message)
}

func classifyBinanceCode(code int, msg string) *Error {
	switch code {
	case -1121:
		return &Error{Code: CodeInvalidSymbol, Message: msg, BinanceErr: code}
	default:
		return &Error{Code: CodeGeneric, Message: msg, BinanceErr: code}
	}
}
