package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nanlnjz1979/QWeSDK/internal/history"
	"github.com/nanlnjz1979/QWeSDK/internal/ledger"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Portfolio is the ledger-derived view refreshed by the engine after every
// mutation. Strategy code must treat it as read-only.
type Portfolio struct {
	Cash       decimal.Decimal
	Positions  map[string]types.Position
	TotalValue decimal.Decimal
}

// Context is the per-run bag passed to every strategy callback. The engine is
// the sole writer of CurrentDate and Portfolio; Vars belongs to the strategy.
type Context struct {
	CurrentDate time.Time
	Portfolio   Portfolio

	// Orders executes trades against the run's ledger.
	Orders *OrderAPI

	// Vars is scratch space for strategy state that should travel with the
	// run rather than the strategy value.
	Vars map[string]any

	eng *Engine
}

// History returns the rolling-window store for the run (read-only use).
func (c *Context) History() *history.Store { return c.eng.windows }

// Stop requests early termination: the engine short-circuits to forced
// liquidation before the next simulation day.
func (c *Context) Stop() { c.eng.Cancel() }

// OrderAPI is the typed order handle embedded in the Context. Every call
// executes synchronously: the ledger mutates, HandleOrder (and HandleTrade on
// success) fire, and the context portfolio is refreshed before it returns.
type OrderAPI struct {
	eng *Engine
}

// Buy submits a buy at the quoted price for the given volume.
func (o *OrderAPI) Buy(code string, price decimal.Decimal, volume int64) ledger.Result {
	return o.eng.execute(types.DirectionBuy, code, price, volume)
}

// Sell submits a sell at the quoted price for the given volume.
func (o *OrderAPI) Sell(code string, price decimal.Decimal, volume int64) ledger.Result {
	return o.eng.execute(types.DirectionSell, code, price, volume)
}

// Order submits a signed-amount order priced from the current day's bar:
// positive amounts buy at the configured buy price field, negative amounts
// sell at the configured sell price field. An instrument with no bar today is
// rejected without touching the ledger.
func (o *OrderAPI) Order(code string, amount int64) ledger.Result {
	bar, ok := o.eng.dayBars[code]
	if !ok {
		res := ledger.Result{
			Reject:  types.RejectMissingMarketData,
			Message: "no market data for " + code + " today",
		}
		o.eng.reportRejected(types.DirectionBuy, code, decimal.Decimal{}, amount, res)
		return res
	}
	if amount >= 0 {
		return o.Buy(code, bar.PriceField(o.eng.cfg.BuyPriceField), amount)
	}
	return o.Sell(code, bar.PriceField(o.eng.cfg.SellPriceField), -amount)
}

// Position returns the current holding in an instrument, if any.
func (o *OrderAPI) Position(code string) (types.Position, bool) {
	return o.eng.ledger.Position(code)
}

// TradeHistory returns the run's trade log so far.
func (o *OrderAPI) TradeHistory() []types.TradeRecord {
	return o.eng.ledger.TradeHistory()
}
