// Package engine_test provides tests for the simulation engine.
package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/calendar"
	"github.com/nanlnjz1979/QWeSDK/internal/engine"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func bar(code string, d int, price float64) types.Bar {
	p := decimal.NewFromFloat(price)
	return types.Bar{
		Code:   code,
		Date:   day(d),
		Open:   p,
		High:   p,
		Low:    p,
		Close:  p,
		Volume: decimal.NewFromInt(100_000),
	}
}

// scriptStrategy drives the engine from test-supplied closures and records
// every callback it receives.
type scriptStrategy struct {
	onInit   func(ctx *engine.Context) error
	onBefore func(ctx *engine.Context) error
	onData   func(ctx *engine.Context, bars map[string]types.Bar) error
	onAfter  func(ctx *engine.Context) error

	orders []types.OrderReport
	trades []types.TradeRecord
	days   []time.Time
}

func (s *scriptStrategy) Initialize(ctx *engine.Context) error {
	if s.onInit != nil {
		return s.onInit(ctx)
	}
	return nil
}

func (s *scriptStrategy) BeforeTradingStart(ctx *engine.Context) error {
	if s.onBefore != nil {
		return s.onBefore(ctx)
	}
	return nil
}

func (s *scriptStrategy) HandleData(ctx *engine.Context, bars map[string]types.Bar) error {
	s.days = append(s.days, ctx.CurrentDate)
	if s.onData != nil {
		return s.onData(ctx, bars)
	}
	return nil
}

func (s *scriptStrategy) HandleOrder(ctx *engine.Context, order types.OrderReport) {
	s.orders = append(s.orders, order)
}

func (s *scriptStrategy) HandleTrade(ctx *engine.Context, trade types.TradeRecord) {
	s.trades = append(s.trades, trade)
}

func (s *scriptStrategy) AfterTrading(ctx *engine.Context) error {
	if s.onAfter != nil {
		return s.onAfter(ctx)
	}
	return nil
}

func testConfig() *types.BacktestConfig {
	return &types.BacktestConfig{
		ID:        "test-run",
		StartDate: day(1),
		EndDate:   day(10),
	}
}

func TestRunBuyAndLiquidate(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10.00), bar("SH600000", 3, 11.00), bar("SH600000", 4, 12.00)},
	}

	strat := &scriptStrategy{
		onData: func(ctx *engine.Context, bars map[string]types.Bar) error {
			if ctx.CurrentDate.Equal(day(2)) {
				res := ctx.Orders.Buy("SH600000", bars["SH600000"].Close, 1000)
				if !res.OK {
					t.Fatalf("Buy rejected: %s", res.Message)
				}
			}
			return nil
		},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, strat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if eng.State() != engine.StateDone {
		t.Errorf("Engine should be done, got %s", eng.State())
	}
	if len(strat.days) != 3 {
		t.Errorf("Expected 3 simulation days, got %d", len(strat.days))
	}

	// Buy on day 2 plus the forced liquidation sell at the last close.
	if len(result.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(result.Trades))
	}
	liq := result.Trades[1]
	if liq.Direction != types.DirectionSell {
		t.Errorf("Liquidation trade should be a sell: %s", liq.Direction)
	}
	// Last close 12.00 minus slippage.
	if !liq.Price.Equal(decimal.NewFromFloat(11.99)) {
		t.Errorf("Liquidation price incorrect: %s", liq.Price)
	}
	if len(result.FinalPositions) != 0 {
		t.Errorf("All positions should be liquidated: %v", result.FinalPositions)
	}
	if !result.FinalCash.Equal(result.Summary.FinalValue) {
		t.Errorf("Flat final value should equal cash: %s vs %s",
			result.FinalCash, result.Summary.FinalValue)
	}

	// Buy cash out 10,015.20; sell 1000 at 11.99 nets 11,990 - 5 - 11.99 - 0.24.
	expectedCash := decimal.NewFromFloat(1_000_000).
		Sub(decimal.NewFromFloat(10_015.20)).
		Add(decimal.NewFromFloat(11_972.77))
	if !result.FinalCash.Equal(expectedCash) {
		t.Errorf("Final cash incorrect: expected %s, got %s", expectedCash, result.FinalCash)
	}

	if len(result.EquityCurve) != 3 {
		t.Errorf("Expected 3 equity points, got %d", len(result.EquityCurve))
	}
	if len(strat.trades) != 2 {
		t.Errorf("HandleTrade should fire for every fill, got %d", len(strat.trades))
	}
	if strat.orders[len(strat.orders)-1].Status != types.OrderStatusFilled {
		t.Error("Liquidation order should be reported as filled")
	}
}

func TestRunCallbackErrorIsFatal(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10.00), bar("SH600000", 3, 11.00)},
	}

	boom := errors.New("boom")
	strat := &scriptStrategy{
		onData: func(ctx *engine.Context, bars map[string]types.Bar) error {
			return boom
		},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, strat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = eng.Run(context.Background())
	if err == nil {
		t.Fatal("Callback error should abort the run")
	}
	var cbErr *engine.CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("Expected CallbackError, got %T", err)
	}
	if cbErr.Phase != "handle_data" {
		t.Errorf("Phase incorrect: %s", cbErr.Phase)
	}
	if !errors.Is(err, boom) {
		t.Error("CallbackError should unwrap to the strategy error")
	}
}

func TestRunStopShortCircuitsToLiquidation(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {
			bar("SH600000", 2, 10.00), bar("SH600000", 3, 11.00),
			bar("SH600000", 4, 12.00), bar("SH600000", 5, 13.00),
		},
	}

	strat := &scriptStrategy{
		onData: func(ctx *engine.Context, bars map[string]types.Bar) error {
			if ctx.CurrentDate.Equal(day(2)) {
				ctx.Orders.Buy("SH600000", bars["SH600000"].Close, 500)
			}
			if ctx.CurrentDate.Equal(day(3)) {
				ctx.Stop()
			}
			return nil
		},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, strat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(strat.days) != 2 {
		t.Errorf("Stop on day 3 should leave 2 simulated days, got %d", len(strat.days))
	}
	// Liquidation still runs: the position closes at day 3's price.
	if len(result.FinalPositions) != 0 {
		t.Error("Stop must still liquidate open positions")
	}
	liq := result.Trades[len(result.Trades)-1]
	if !liq.Price.Equal(decimal.NewFromFloat(10.99)) {
		t.Errorf("Liquidation should use the last seen close: %s", liq.Price)
	}
}

func TestRunContextCancellation(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10.00), bar("SH600000", 3, 11.00)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng, err := engine.New(zap.NewNop(), testConfig(), series, &scriptStrategy{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = eng.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRunMissingBarDays(t *testing.T) {
	// SZ000001 misses day 3; the calendar excludes it entirely.
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10), bar("SH600000", 3, 11), bar("SH600000", 4, 12)},
		"SZ000001": {bar("SZ000001", 2, 20), bar("SZ000001", 4, 22)},
	}

	var seen []int
	strat := &scriptStrategy{
		onData: func(ctx *engine.Context, bars map[string]types.Bar) error {
			seen = append(seen, len(bars))
			return nil
		},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, strat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := eng.Calendar(); len(got) != 2 {
		t.Fatalf("Calendar should intersect to 2 days, got %d", len(got))
	}

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, n := range seen {
		if n != 2 {
			t.Errorf("Day %d should carry both bars, got %d", i, n)
		}
	}
}

func TestNewNoCommonDates(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10)},
		"SZ000001": {bar("SZ000001", 3, 20)},
	}

	_, err := engine.New(zap.NewNop(), testConfig(), series, &scriptStrategy{})
	if !errors.Is(err, calendar.ErrNoCommonDates) {
		t.Errorf("Expected ErrNoCommonDates, got %v", err)
	}
}

func TestOrderAmountPricing(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {
			{
				Code: "SH600000", Date: day(2),
				Open: decimal.NewFromInt(10), High: decimal.NewFromInt(12),
				Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(11),
				Volume: decimal.NewFromInt(100_000),
			},
		},
	}

	strat := &scriptStrategy{
		onData: func(ctx *engine.Context, bars map[string]types.Bar) error {
			// Positive amount buys at the open.
			res := ctx.Orders.Order("SH600000", 500)
			if !res.OK {
				t.Fatalf("Amount buy rejected: %s", res.Message)
			}
			// Negative amount sells at the close.
			res = ctx.Orders.Order("SH600000", -500)
			if !res.OK {
				t.Fatalf("Amount sell rejected: %s", res.Message)
			}
			// Unknown instrument is rejected without touching the ledger.
			res = ctx.Orders.Order("SZ999999", 100)
			if res.OK {
				t.Fatal("Order for unknown instrument should be rejected")
			}
			if res.Reject != types.RejectMissingMarketData {
				t.Errorf("Reject reason incorrect: %q", res.Reject)
			}
			return nil
		},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, strat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(result.Trades))
	}
	// Open 10 + slippage, close 11 - slippage.
	if !result.Trades[0].Price.Equal(decimal.NewFromFloat(10.01)) {
		t.Errorf("Amount buy should price at open: %s", result.Trades[0].Price)
	}
	if !result.Trades[1].Price.Equal(decimal.NewFromFloat(10.99)) {
		t.Errorf("Amount sell should price at close: %s", result.Trades[1].Price)
	}

	var rejected int
	for _, o := range strat.orders {
		if o.Status == types.OrderStatusRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("Expected 1 rejected order report, got %d", rejected)
	}
}

func TestRunProgress(t *testing.T) {
	series := map[string][]types.Bar{
		"SH600000": {bar("SH600000", 2, 10), bar("SH600000", 3, 11)},
	}

	eng, err := engine.New(zap.NewNop(), testConfig(), series, &scriptStrategy{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var last types.BacktestProgress
	for p := range eng.ProgressChan() {
		last = p
	}
	if last.DaysProcessed != 2 || last.TotalDays != 2 {
		t.Errorf("Final progress incorrect: %+v", last)
	}

	snap := eng.Progress()
	if snap.Status != "done" {
		t.Errorf("Progress status incorrect: %s", snap.Status)
	}
}
