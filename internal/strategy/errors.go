package strategy

import "fmt"

// Code classifies a strategy construction failure.
type Code string

const (
	CodeUnsupportedType    Code = "UNSUPPORTED_STRATEGY_TYPE"
	CodeStrategyInitFailed Code = "STRATEGY_INIT_FAILED"
)

// Error is returned by Build when a strategy can't be constructed.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("strategy: %s: %s", e.Code, e.Message)
}
