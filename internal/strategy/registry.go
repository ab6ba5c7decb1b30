package strategy

import (
	"fmt"
	"strings"

	"github.com/koshedu/strategy-engine/internal/log"
)

// Constructor builds a ready Strategy instance from a context and feed.
type Constructor func(ctx Context, feed Feed, logger *log.Logger) Strategy

// Registry is a tag -> constructor mapping. NewRegistry returns one that
// carries the two built-in strategies; callers may register more. The zero
// value has no map: Build finds no type on it and Register panics.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a Registry pre-populated with the engine's two
// supplied strategies and their documented aliases.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("ema_crossover", func(ctx Context, feed Feed, logger *log.Logger) Strategy {
		return NewEmaCrossover(ctx, feed, logger)
	})
	r.Register("scalping", func(ctx Context, feed Feed, logger *log.Logger) Strategy {
		return NewEmaCrossover(ctx, feed, logger)
	})
	r.Register("range_mean_reversion", func(ctx Context, feed Feed, logger *log.Logger) Strategy {
		return NewRangeMeanReversion(ctx, feed, logger)
	})
	return r
}

// Register adds or overwrites the constructor for tag.
func (r *Registry) Register(tag string, c Constructor) {
	r.constructors[strings.ToLower(tag)] = c
}

// Build looks up strategyType and constructs an instance, recovering from
// any panic raised during construction and converting it to a typed
// StrategyInitFailed error (a malformed parameter value should never take
// down a sibling runner).
func (r *Registry) Build(strategyType string, ctx Context, feed Feed, logger *log.Logger) (s Strategy, err error) {
	ctor, ok := r.constructors[strings.ToLower(strategyType)]
	if !ok {
		return nil, &Error{Code: CodeUnsupportedType, Message: fmt.Sprintf("no strategy registered for type %q", strategyType)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			s, err = nil, &Error{Code: CodeStrategyInitFailed, Message: fmt.Sprintf("panic building %s for %s: %v", strategyType, ctx.Symbol, rec)}
		}
	}()
	return ctor(ctx, feed, logger), nil
}
