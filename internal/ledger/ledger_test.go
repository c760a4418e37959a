// Package ledger_test provides tests for cash and position accounting.
package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/costs"
	"github.com/nanlnjz1979/QWeSDK/internal/ledger"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

var testDate = time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)

func newLedger(capital int64) *ledger.Ledger {
	return ledger.New(zap.NewNop(), decimal.NewFromInt(capital), costs.NewSchedule(types.DefaultCostConfig()))
}

func TestBuyAccounting(t *testing.T) {
	l := newLedger(1_000_000)

	res := l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)
	if !res.OK {
		t.Fatalf("Buy rejected: %s", res.Message)
	}

	// Executed at 10.01, turnover 10010, commission 5, transfer fee 0.20.
	expectedCash := decimal.NewFromFloat(989_984.80)
	if !l.Cash().Equal(expectedCash) {
		t.Errorf("Cash incorrect: expected %s, got %s", expectedCash, l.Cash())
	}

	pos, ok := l.Position("SH600000")
	if !ok {
		t.Fatal("Position not created")
	}
	if pos.Volume != 1000 {
		t.Errorf("Position volume incorrect: %d", pos.Volume)
	}
	if !pos.AverageCost.Equal(decimal.NewFromFloat(10.01)) {
		t.Errorf("Average cost incorrect: %s", pos.AverageCost)
	}

	trades := l.TradeHistory()
	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(trades))
	}
	trade := trades[0]
	if trade.Direction != types.DirectionBuy {
		t.Errorf("Trade direction incorrect: %s", trade.Direction)
	}
	if !trade.Amount.Equal(decimal.NewFromFloat(10_015.20)) {
		t.Errorf("Trade amount incorrect: %s", trade.Amount)
	}
	if !trade.CashAfter.Equal(expectedCash) {
		t.Errorf("CashAfter incorrect: %s", trade.CashAfter)
	}
}

func TestBuyAveragesCost(t *testing.T) {
	l := newLedger(1_000_000)

	l.Buy("SH600000", decimal.NewFromFloat(9.99), 1000, testDate)
	l.Buy("SH600000", decimal.NewFromFloat(19.99), 1000, testDate)

	pos, _ := l.Position("SH600000")
	if pos.Volume != 2000 {
		t.Fatalf("Volume incorrect: %d", pos.Volume)
	}
	// Lots at 10.00 and 20.00 average to 15.00.
	if !pos.AverageCost.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Average cost incorrect: expected 15, got %s", pos.AverageCost)
	}
}

func TestBuyRejections(t *testing.T) {
	l := newLedger(10_000)

	res := l.Buy("SH600000", decimal.NewFromInt(10), 50, testDate)
	if res.OK || res.Reject != types.RejectLotTooSmall {
		t.Errorf("Sub-lot buy should be rejected: %+v", res)
	}

	res = l.Buy("SH600000", decimal.NewFromInt(10), 10_000, testDate)
	if res.OK || res.Reject != types.RejectInsufficientFunds {
		t.Errorf("Unaffordable buy should be rejected: %+v", res)
	}

	// Rejections must not mutate state.
	if !l.Cash().Equal(decimal.NewFromInt(10_000)) {
		t.Errorf("Cash changed by rejected orders: %s", l.Cash())
	}
	if l.TradeCount() != 0 {
		t.Errorf("Rejected orders must not record trades: %d", l.TradeCount())
	}
}

func TestBuyAllOrNothing(t *testing.T) {
	// 10,100 cash covers 1000 shares of turnover but not the fees.
	l := newLedger(10_015)

	res := l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)
	if res.OK {
		t.Fatal("Buy exceeding cash by fees alone should still be rejected")
	}
	if res.Reject != types.RejectInsufficientFunds {
		t.Errorf("Reject reason incorrect: %s", res.Reject)
	}
}

func TestSellAccounting(t *testing.T) {
	l := newLedger(1_000_000)
	l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)

	res := l.Sell("SH600000", decimal.NewFromFloat(12.00), 400, testDate)
	if !res.OK {
		t.Fatalf("Sell rejected: %s", res.Message)
	}

	pos, ok := l.Position("SH600000")
	if !ok {
		t.Fatal("Partial sell should keep the position")
	}
	if pos.Volume != 600 {
		t.Errorf("Remaining volume incorrect: %d", pos.Volume)
	}
	// Selling never reprices the remaining lot.
	if !pos.AverageCost.Equal(decimal.NewFromFloat(10.01)) {
		t.Errorf("Average cost changed by sell: %s", pos.AverageCost)
	}

	trades := l.TradeHistoryFor("SH600000")
	sell := trades[len(trades)-1]
	// Executed at 11.99, turnover 4796: commission 5 (floor), stamp duty
	// 4.80, transfer fee 0.10, net 4786.10.
	if !sell.Price.Equal(decimal.NewFromFloat(11.99)) {
		t.Errorf("Sell price incorrect: %s", sell.Price)
	}
	if !sell.StampDuty.Equal(decimal.NewFromFloat(4.80)) {
		t.Errorf("Stamp duty incorrect: %s", sell.StampDuty)
	}
	if !sell.Amount.Equal(decimal.NewFromFloat(4786.10)) {
		t.Errorf("Sell proceeds incorrect: %s", sell.Amount)
	}
}

func TestSellFullPositionRemoved(t *testing.T) {
	l := newLedger(1_000_000)
	l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)

	res := l.Sell("SH600000", decimal.NewFromFloat(11.00), 1000, testDate)
	if !res.OK {
		t.Fatalf("Sell rejected: %s", res.Message)
	}

	if _, ok := l.Position("SH600000"); ok {
		t.Error("Fully closed position should be removed")
	}
	if len(l.Positions()) != 0 {
		t.Error("Positions map should be empty")
	}

	trade, _ := l.LastTrade()
	if trade.PositionAfter != 0 {
		t.Errorf("PositionAfter incorrect: %d", trade.PositionAfter)
	}
}

func TestSellRejections(t *testing.T) {
	l := newLedger(1_000_000)
	l.Buy("SH600000", decimal.NewFromFloat(10.00), 500, testDate)
	cashBefore := l.Cash()

	res := l.Sell("SH600000", decimal.NewFromInt(10), 50, testDate)
	if res.OK || res.Reject != types.RejectLotTooSmall {
		t.Errorf("Sub-lot sell should be rejected: %+v", res)
	}

	res = l.Sell("SH600000", decimal.NewFromInt(10), 600, testDate)
	if res.OK || res.Reject != types.RejectInsufficientPosition {
		t.Errorf("Oversized sell should be rejected: %+v", res)
	}

	res = l.Sell("SZ000001", decimal.NewFromInt(10), 100, testDate)
	if res.OK || res.Reject != types.RejectInsufficientPosition {
		t.Errorf("Sell of unheld instrument should be rejected: %+v", res)
	}

	if !l.Cash().Equal(cashBefore) {
		t.Errorf("Cash changed by rejected sells: %s", l.Cash())
	}
}

func TestSellFeesCannotDriveCashNegative(t *testing.T) {
	// Buy 1000 @ 10.00 costs 10,015.20, leaving 0.80 cash.
	l := newLedger(10_016)
	if res := l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate); !res.OK {
		t.Fatalf("Buy rejected: %s", res.Message)
	}
	if !l.Cash().Equal(decimal.NewFromFloat(0.80)) {
		t.Fatalf("Cash after buy incorrect: %s", l.Cash())
	}

	// A penny-price sell executes at 0.04 for 4.00 turnover; the 5.00
	// commission floor makes the net proceeds -1.00, which 0.80 cash
	// cannot absorb.
	res := l.Sell("SH600000", decimal.NewFromFloat(0.05), 100, testDate)
	if res.OK || res.Reject != types.RejectFeesExceedProceeds {
		t.Errorf("Sell with unpayable fees should be rejected: %+v", res)
	}

	if l.Cash().IsNegative() {
		t.Errorf("Cash went negative: %s", l.Cash())
	}
	if !l.Cash().Equal(decimal.NewFromFloat(0.80)) {
		t.Errorf("Rejected sell must not change cash: %s", l.Cash())
	}
	pos, _ := l.Position("SH600000")
	if pos.Volume != 1000 {
		t.Errorf("Rejected sell must not change the position: %d", pos.Volume)
	}
	if l.TradeCount() != 1 {
		t.Errorf("Rejected sell must not record a trade: %d", l.TradeCount())
	}
}

func TestSellNegativeProceedsFillWhenCashCovers(t *testing.T) {
	l := newLedger(1_000_000)
	l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)
	cashBefore := l.Cash()

	// Net proceeds are -1.00 but the cash balance absorbs the fees.
	res := l.Sell("SH600000", decimal.NewFromFloat(0.05), 100, testDate)
	if !res.OK {
		t.Fatalf("Sell with coverable fees rejected: %s", res.Message)
	}
	if !l.Cash().Equal(cashBefore.Sub(decimal.NewFromInt(1))) {
		t.Errorf("Cash incorrect: %s", l.Cash())
	}
}

func TestTotalValueAndReturn(t *testing.T) {
	l := newLedger(1_000_000)
	l.Buy("SH600000", decimal.NewFromFloat(10.00), 1000, testDate)

	prices := map[string]decimal.Decimal{
		"SH600000": decimal.NewFromInt(11),
	}
	// 989,984.80 cash + 11,000 position value.
	expected := decimal.NewFromFloat(1_000_984.80)
	if !l.TotalValue(prices).Equal(expected) {
		t.Errorf("Total value incorrect: %s", l.TotalValue(prices))
	}

	ret := l.ReturnPct(prices)
	if !ret.Equal(decimal.NewFromFloat(0.0009848)) {
		t.Errorf("Return incorrect: %s", ret)
	}

	// A position with no mark price contributes nothing.
	if !l.TotalValue(nil).Equal(l.Cash()) {
		t.Errorf("Unpriced total value should equal cash: %s", l.TotalValue(nil))
	}
}

func TestOrderIDsMonotonic(t *testing.T) {
	l := newLedger(1_000_000)

	r1 := l.Buy("SH600000", decimal.NewFromInt(10), 100, testDate)
	l.Sell("SH600000", decimal.NewFromInt(10), 100, testDate)
	r2 := l.Buy("SZ000001", decimal.NewFromInt(10), 100, testDate)

	if r1.OrderID >= r2.OrderID {
		t.Errorf("Order IDs must be strictly increasing: %d then %d", r1.OrderID, r2.OrderID)
	}
}
