// Package types provides shared type definitions for the backtesting core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// RejectReason classifies why an order was rejected by the ledger.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectLotTooSmall          RejectReason = "lot_too_small"
	RejectInsufficientFunds    RejectReason = "insufficient_funds"
	RejectInsufficientPosition RejectReason = "insufficient_position"
	RejectFeesExceedProceeds   RejectReason = "fees_exceed_proceeds"
	RejectMissingMarketData    RejectReason = "missing_market_data"
)

// OrderStatus represents the outcome of an order attempt.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Bar is one daily OHLCV record for one instrument, plus any precomputed
// indicator fields supplied upstream. Immutable once observed by the engine.
type Bar struct {
	Code       string             `json:"code"`
	Date       time.Time          `json:"date"`
	Open       decimal.Decimal    `json:"open"`
	High       decimal.Decimal    `json:"high"`
	Low        decimal.Decimal    `json:"low"`
	Close      decimal.Decimal    `json:"close"`
	Volume     decimal.Decimal    `json:"volume"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Fields returns every numeric field of the bar keyed by name, the well-known
// OHLCV fields plus the open-ended indicator map.
func (b Bar) Fields() map[string]float64 {
	fields := make(map[string]float64, 5+len(b.Indicators))
	fields["open"], _ = b.Open.Float64()
	fields["high"], _ = b.High.Float64()
	fields["low"], _ = b.Low.Float64()
	fields["close"], _ = b.Close.Float64()
	fields["volume"], _ = b.Volume.Float64()
	for name, value := range b.Indicators {
		fields[name] = value
	}
	return fields
}

// PriceField returns the named price field of the bar ("open", "high", "low"
// or "close"). Unknown names fall back to the close price.
func (b Bar) PriceField(name string) decimal.Decimal {
	switch name {
	case "open":
		return b.Open
	case "high":
		return b.High
	case "low":
		return b.Low
	default:
		return b.Close
	}
}

// Position is an open holding in one instrument. Volume is lot-aligned and
// strictly positive; fully closed positions are removed from the ledger, so a
// zero-volume Position is never observed.
type Position struct {
	Code        string          `json:"code"`
	Volume      int64           `json:"volume"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// TradeRecord is an immutable entry in the ledger's append-only trade log.
// Amount is the total cash debited (buy) or credited (sell) including fees.
type TradeRecord struct {
	OrderID       int64           `json:"orderId"`
	Timestamp     time.Time       `json:"timestamp"`
	Code          string          `json:"code"`
	Direction     Direction       `json:"direction"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	Commission    decimal.Decimal `json:"commission"`
	StampDuty     decimal.Decimal `json:"stampDuty,omitempty"`
	TransferFee   decimal.Decimal `json:"transferFee"`
	CashAfter     decimal.Decimal `json:"cashAfter"`
	PositionAfter int64           `json:"positionAfter"`
	AvgCostAfter  decimal.Decimal `json:"avgCostAfter"`
}

// OrderReport describes one order attempt, accepted or rejected. Rejected
// orders never produce a TradeRecord.
type OrderReport struct {
	OrderID   int64           `json:"orderId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Code      string          `json:"code"`
	Direction Direction       `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Status    OrderStatus     `json:"status"`
	Reject    RejectReason    `json:"reject,omitempty"`
	Message   string          `json:"message"`
}

// EquityCurvePoint is one daily sample of portfolio value.
type EquityCurvePoint struct {
	Date       time.Time       `json:"date"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
}

// RunSummary aggregates the headline numbers of a completed backtest.
type RunSummary struct {
	FinalValue      decimal.Decimal `json:"finalValue"`
	TotalReturnPct  decimal.Decimal `json:"totalReturnPct"`
	InstrumentCount int             `json:"instrumentCount"`
	StartDate       time.Time       `json:"startDate"`
	EndDate         time.Time       `json:"endDate"`
	TradingDays     int             `json:"tradingDays"`
}

// BacktestResult is the full output of one simulation run, sufficient for an
// external reporting component to rebuild the equity curve without re-deriving
// any cost math.
type BacktestResult struct {
	ID             string              `json:"id"`
	Summary        RunSummary          `json:"summary"`
	Trades         []TradeRecord       `json:"trades"`
	EquityCurve    []EquityCurvePoint  `json:"equityCurve"`
	FinalCash      decimal.Decimal     `json:"finalCash"`
	FinalPositions map[string]Position `json:"finalPositions"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    time.Time           `json:"completedAt"`
	Duration       time.Duration       `json:"duration"`
}

// BacktestProgress reports the state of a running simulation.
type BacktestProgress struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	CurrentDate    time.Time       `json:"currentDate"`
	DaysProcessed  int             `json:"daysProcessed"`
	TotalDays      int             `json:"totalDays"`
	TradesExecuted int             `json:"tradesExecuted"`
	TotalValue     decimal.Decimal `json:"totalValue"`
}
