// Package clock provides the execution clock: a context-scoped value that
// tells every component underneath a tick which symbol it is working on, the
// timestamp the tick observes, and whether the run is a backtest replay.
//
// The scope is plain context threading — no async-local storage. Within a
// single tick every exchange query and state mutation observes the same When.
package clock

import (
	"context"
	"time"
)

// Scope is the execution context installed for the duration of one tick.
type Scope struct {
	Symbol   string
	When     int64 // ms UTC
	Backtest bool
}

type ctxKey struct{}

// With returns a context carrying the given scope.
func With(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope)
}

// Current returns the installed scope, if any.
func Current(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(ctxKey{}).(Scope)
	return scope, ok
}

// Now returns the scoped When, or the wall clock in ms when no scope is
// installed (live ticks outside a sweep).
func Now(ctx context.Context) int64 {
	if scope, ok := Current(ctx); ok {
		return scope.When
	}
	return time.Now().UnixMilli()
}

// Backtest reports whether the context runs under a backtest scope.
func Backtest(ctx context.Context) bool {
	scope, ok := Current(ctx)
	return ok && scope.Backtest
}
