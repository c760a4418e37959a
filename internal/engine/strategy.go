// Package engine drives the day-by-day backtesting simulation.
package engine

import (
	"fmt"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Strategy receives the engine's lifecycle callbacks. Callbacks run
// synchronously on the simulation goroutine; an error from any of the
// error-returning hooks aborts the run.
type Strategy interface {
	// Initialize runs exactly once before the first simulation day.
	Initialize(ctx *Context) error

	// BeforeTradingStart runs at the start of every simulation day, before
	// the day's bars are assembled.
	BeforeTradingStart(ctx *Context) error

	// HandleData receives the day's bars, keyed by instrument code.
	// Instruments without data for the day are absent from the map. Order
	// calls issued here execute synchronously.
	HandleData(ctx *Context, bars map[string]types.Bar) error

	// HandleOrder is invoked for every order attempt, filled or rejected.
	HandleOrder(ctx *Context, order types.OrderReport)

	// HandleTrade is invoked after every successful execution.
	HandleTrade(ctx *Context, trade types.TradeRecord)

	// AfterTrading runs at the end of every simulation day.
	AfterTrading(ctx *Context) error
}

// Finalizer is an optional extension: strategies that implement it receive
// AfterBacktest once forced liquidation has completed.
type Finalizer interface {
	AfterBacktest(ctx *Context) error
}

// CallbackError wraps an error raised by strategy code, tagged with the
// lifecycle phase that failed. Callback errors are fatal to the run.
type CallbackError struct {
	Phase string
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("strategy callback %s: %v", e.Phase, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
