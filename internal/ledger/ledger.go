// Package ledger is the sole authority over cash, positions and trade history
// during a simulation run. All mutations go through Buy and Sell; orders are
// all-or-nothing and rejections are returned as values, never errors, so
// strategy code can react to them.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/costs"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Result is the structured outcome of a Buy or Sell call.
type Result struct {
	OK      bool
	OrderID int64
	Reject  types.RejectReason
	Message string
}

// Ledger tracks cash and positions for one backtest run. A run owns its
// ledger exclusively; the mutex only guards read-side queries issued while a
// mutation is in flight on another goroutine (e.g. progress reporting).
type Ledger struct {
	mu             sync.RWMutex
	logger         *zap.Logger
	schedule       costs.Schedule
	initialCapital decimal.Decimal
	cash           decimal.Decimal
	positions      map[string]*types.Position
	trades         []types.TradeRecord
	nextOrderID    int64
}

// New creates a ledger with the given starting capital and fee schedule.
func New(logger *zap.Logger, initialCapital decimal.Decimal, schedule costs.Schedule) *Ledger {
	return &Ledger{
		logger:         logger,
		schedule:       schedule,
		initialCapital: initialCapital,
		cash:           initialCapital,
		positions:      make(map[string]*types.Position),
		nextOrderID:    1,
	}
}

// Buy executes an all-or-nothing buy at the quoted price plus slippage.
func (l *Ledger) Buy(code string, price decimal.Decimal, volume int64, ts time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if volume < l.schedule.MinimumLot() {
		return Result{
			Reject:  types.RejectLotTooSmall,
			Message: fmt.Sprintf("buy volume %d below minimum lot %d", volume, l.schedule.MinimumLot()),
		}
	}

	execPrice := l.schedule.BuyPrice(price)
	total, commission, transferFee := l.schedule.BuyCost(execPrice, volume)

	if total.GreaterThan(l.cash) {
		return Result{
			Reject:  types.RejectInsufficientFunds,
			Message: fmt.Sprintf("buy cost %s exceeds cash %s", total, l.cash),
		}
	}

	l.cash = l.cash.Sub(total)

	pos, ok := l.positions[code]
	if ok {
		// Volume-weighted average of the old and new lots.
		oldCost := pos.AverageCost.Mul(decimal.NewFromInt(pos.Volume))
		newCost := execPrice.Mul(decimal.NewFromInt(volume))
		pos.Volume += volume
		pos.AverageCost = oldCost.Add(newCost).Div(decimal.NewFromInt(pos.Volume))
	} else {
		pos = &types.Position{Code: code, Volume: volume, AverageCost: execPrice}
		l.positions[code] = pos
	}

	orderID := l.nextOrderID
	l.nextOrderID++

	l.trades = append(l.trades, types.TradeRecord{
		OrderID:       orderID,
		Timestamp:     ts,
		Code:          code,
		Direction:     types.DirectionBuy,
		Price:         execPrice,
		Volume:        volume,
		Amount:        total,
		Commission:    commission,
		TransferFee:   transferFee,
		CashAfter:     l.cash,
		PositionAfter: pos.Volume,
		AvgCostAfter:  pos.AverageCost,
	})

	l.logger.Debug("buy filled",
		zap.Int64("orderId", orderID),
		zap.String("code", code),
		zap.String("price", execPrice.String()),
		zap.Int64("volume", volume),
		zap.String("cash", l.cash.String()),
	)

	return Result{OK: true, OrderID: orderID, Message: fmt.Sprintf("bought %d %s @ %s", volume, code, execPrice)}
}

// Sell executes an all-or-nothing sell at the quoted price minus slippage.
// Short selling is not permitted: the held volume must cover the request.
func (l *Ledger) Sell(code string, price decimal.Decimal, volume int64, ts time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if volume < l.schedule.MinimumLot() {
		return Result{
			Reject:  types.RejectLotTooSmall,
			Message: fmt.Sprintf("sell volume %d below minimum lot %d", volume, l.schedule.MinimumLot()),
		}
	}

	pos, ok := l.positions[code]
	if !ok || pos.Volume < volume {
		var held int64
		if ok {
			held = pos.Volume
		}
		return Result{
			Reject:  types.RejectInsufficientPosition,
			Message: fmt.Sprintf("sell volume %d exceeds held %d", volume, held),
		}
	}

	execPrice := l.schedule.SellPrice(price)
	total, commission, stampDuty, transferFee := l.schedule.SellProceeds(execPrice, volume)

	// The commission floor can exceed the turnover of a tiny sell, making the
	// net proceeds negative. Cash must never go below zero, so such a fill is
	// rejected rather than debited.
	if l.cash.Add(total).IsNegative() {
		return Result{
			Reject:  types.RejectFeesExceedProceeds,
			Message: fmt.Sprintf("sell net proceeds %s would drive cash %s below zero", total, l.cash),
		}
	}

	l.cash = l.cash.Add(total)
	pos.Volume -= volume

	positionAfter := pos.Volume
	avgCostAfter := pos.AverageCost
	if pos.Volume == 0 {
		// Average cost is undefined for a flat position, not zero.
		delete(l.positions, code)
		avgCostAfter = decimal.Decimal{}
	}

	orderID := l.nextOrderID
	l.nextOrderID++

	l.trades = append(l.trades, types.TradeRecord{
		OrderID:       orderID,
		Timestamp:     ts,
		Code:          code,
		Direction:     types.DirectionSell,
		Price:         execPrice,
		Volume:        volume,
		Amount:        total,
		Commission:    commission,
		StampDuty:     stampDuty,
		TransferFee:   transferFee,
		CashAfter:     l.cash,
		PositionAfter: positionAfter,
		AvgCostAfter:  avgCostAfter,
	})

	l.logger.Debug("sell filled",
		zap.Int64("orderId", orderID),
		zap.String("code", code),
		zap.String("price", execPrice.String()),
		zap.Int64("volume", volume),
		zap.String("cash", l.cash.String()),
	)

	return Result{OK: true, OrderID: orderID, Message: fmt.Sprintf("sold %d %s @ %s", volume, code, execPrice)}
}

// Cash returns the current available cash.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// InitialCapital returns the starting capital of the run.
func (l *Ledger) InitialCapital() decimal.Decimal { return l.initialCapital }

// Position returns the open position for an instrument, if any.
func (l *Ledger) Position(code string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[code]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot of all open positions keyed by instrument.
func (l *Ledger) Positions() map[string]types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]types.Position, len(l.positions))
	for code, pos := range l.positions {
		out[code] = *pos
	}
	return out
}

// TradeHistory returns a copy of the full trade log in execution order.
func (l *Ledger) TradeHistory() []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// TradeHistoryFor returns the trade log filtered to one instrument.
func (l *Ledger) TradeHistoryFor(code string) []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.TradeRecord
	for _, t := range l.trades {
		if t.Code == code {
			out = append(out, t)
		}
	}
	return out
}

// LastTrade returns the most recently executed trade, if any.
func (l *Ledger) LastTrade() (types.TradeRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.trades) == 0 {
		return types.TradeRecord{}, false
	}
	return l.trades[len(l.trades)-1], true
}

// TradeCount returns the number of executed trades.
func (l *Ledger) TradeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

// TotalValue returns cash plus the mark-to-market value of every position
// that has a price in the supplied map. Positions missing a price are
// excluded from the sum.
func (l *Ledger) TotalValue(prices map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.cash
	for code, pos := range l.positions {
		price, ok := prices[code]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(pos.Volume)))
	}
	return total
}

// ReturnPct returns (total value - initial capital) / initial capital.
func (l *Ledger) ReturnPct(prices map[string]decimal.Decimal) decimal.Decimal {
	total := l.TotalValue(prices)
	return total.Sub(l.initialCapital).Div(l.initialCapital)
}
