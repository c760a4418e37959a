// Package report derives performance metrics from a completed backtest.
package report

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// tradingDaysPerYear is the annualization base for daily bars.
const tradingDaysPerYear = 252

// Metrics is the headline performance report for one run.
type Metrics struct {
	TotalTrades   int `json:"totalTrades"`
	BuyTrades     int `json:"buyTrades"`
	SellTrades    int `json:"sellTrades"`
	WinningTrades int `json:"winningTrades"`
	LosingTrades  int `json:"losingTrades"`

	TotalFees    decimal.Decimal `json:"totalFees"`
	WinRate      decimal.Decimal `json:"winRate"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
	LargestWin   decimal.Decimal `json:"largestWin"`
	LargestLoss  decimal.Decimal `json:"largestLoss"`

	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	DailyVolatility  decimal.Decimal `json:"dailyVolatility"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
}

// Calculator computes Metrics from a BacktestResult.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a metrics calculator.
func NewCalculator(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// Calculate derives the full report. The trade log is replayed to attribute a
// realized profit to every sell against the volume-weighted cost of the lot it
// closed; fees are counted from the per-trade breakdowns.
func (c *Calculator) Calculate(result *types.BacktestResult, initialCapital decimal.Decimal) *Metrics {
	m := &Metrics{}
	if result == nil {
		return m
	}

	type lot struct {
		volume  int64
		avgCost decimal.Decimal
	}
	lots := make(map[string]*lot)
	var grossWins, grossLosses decimal.Decimal

	for _, trade := range result.Trades {
		m.TotalTrades++
		m.TotalFees = m.TotalFees.Add(trade.Commission).Add(trade.StampDuty).Add(trade.TransferFee)

		switch trade.Direction {
		case types.DirectionBuy:
			m.BuyTrades++
			pos := lots[trade.Code]
			if pos == nil {
				pos = &lot{}
				lots[trade.Code] = pos
			}
			oldCost := pos.avgCost.Mul(decimal.NewFromInt(pos.volume))
			newCost := trade.Price.Mul(decimal.NewFromInt(trade.Volume))
			pos.volume += trade.Volume
			pos.avgCost = oldCost.Add(newCost).Div(decimal.NewFromInt(pos.volume))

		case types.DirectionSell:
			m.SellTrades++
			pos := lots[trade.Code]
			if pos == nil {
				c.logger.Warn("sell without prior buy in trade log", zap.String("code", trade.Code))
				continue
			}
			costBasis := pos.avgCost.Mul(decimal.NewFromInt(trade.Volume))
			pnl := trade.Amount.Sub(costBasis)
			pos.volume -= trade.Volume
			if pos.volume == 0 {
				delete(lots, trade.Code)
			}

			if pnl.GreaterThan(decimal.Zero) {
				m.WinningTrades++
				grossWins = grossWins.Add(pnl)
				if pnl.GreaterThan(m.LargestWin) {
					m.LargestWin = pnl
				}
			} else if pnl.LessThan(decimal.Zero) {
				m.LosingTrades++
				grossLosses = grossLosses.Add(pnl.Abs())
				if pnl.Abs().GreaterThan(m.LargestLoss) {
					m.LargestLoss = pnl.Abs()
				}
			}
		}
	}

	if closed := m.WinningTrades + m.LosingTrades; closed > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(closed)))
	}
	if !grossLosses.IsZero() {
		m.ProfitFactor = grossWins.Div(grossLosses)
	}

	if !initialCapital.IsZero() {
		m.TotalReturn = result.Summary.FinalValue.Sub(initialCapital).Div(initialCapital)
	}

	returns := dailyReturns(result.EquityCurve)
	if len(returns) > 0 {
		m.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * tradingDaysPerYear)
	}
	if len(returns) > 1 {
		vol := stdDev(returns)
		m.DailyVolatility = decimal.NewFromFloat(vol)
		if vol > 0 {
			m.SharpeRatio = decimal.NewFromFloat(mean(returns) / vol * math.Sqrt(tradingDaysPerYear))
		}
	}

	m.MaxDrawdown, m.MaxDrawdownDate = maxDrawdown(result.EquityCurve)
	return m
}

func dailyReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].TotalValue
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].TotalValue.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

func maxDrawdown(curve []types.EquityCurvePoint) (decimal.Decimal, time.Time) {
	if len(curve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := curve[0].TotalValue

	for _, point := range curve {
		if point.TotalValue.GreaterThan(peak) {
			peak = point.TotalValue
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(point.TotalValue).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			maxDDDate = point.Date
		}
	}
	return maxDD, maxDDDate
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
