// Package costs implements the transaction-cost model for simulated trading.
package costs

import (
	"github.com/shopspring/decimal"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Schedule is a pure fee calculator built from a CostConfig. All methods are
// deterministic: identical inputs produce bit-identical fee breakdowns.
//
// Rounding rule: rate-based fees (commission, stamp duty, transfer fee) are
// rounded to 2 decimal places, half away from zero. The commission floor is
// applied after rounding.
type Schedule struct {
	commissionRate    decimal.Decimal
	stampDutyRate     decimal.Decimal
	transferFeeRate   decimal.Decimal
	minimumCommission decimal.Decimal
	minimumLot        int64
	slippage          decimal.Decimal
}

// NewSchedule creates a fee schedule from configuration.
func NewSchedule(cfg types.CostConfig) Schedule {
	return Schedule{
		commissionRate:    cfg.CommissionRate,
		stampDutyRate:     cfg.StampDutyRate,
		transferFeeRate:   cfg.TransferFeeRate,
		minimumCommission: cfg.MinimumCommission,
		minimumLot:        cfg.MinimumLot,
		slippage:          cfg.Slippage,
	}
}

// MinimumLot returns the smallest tradable volume.
func (s Schedule) MinimumLot() int64 { return s.minimumLot }

// BuyPrice returns the effective execution price for a buy: quoted + slippage.
func (s Schedule) BuyPrice(quoted decimal.Decimal) decimal.Decimal {
	return quoted.Add(s.slippage)
}

// SellPrice returns the effective execution price for a sell: quoted - slippage.
func (s Schedule) SellPrice(quoted decimal.Decimal) decimal.Decimal {
	return quoted.Sub(s.slippage)
}

// BuyCost computes the total cash required to buy volume shares at the given
// execution price, with the commission and transfer-fee breakdown.
func (s Schedule) BuyCost(price decimal.Decimal, volume int64) (total, commission, transferFee decimal.Decimal) {
	turnover := price.Mul(decimal.NewFromInt(volume))
	commission = s.commission(turnover)
	transferFee = roundFee(turnover.Mul(s.transferFeeRate))
	total = turnover.Add(commission).Add(transferFee)
	return total, commission, transferFee
}

// SellProceeds computes the net cash received for selling volume shares at the
// given execution price, with the full fee breakdown. Stamp duty is charged on
// the sell side only.
func (s Schedule) SellProceeds(price decimal.Decimal, volume int64) (total, commission, stampDuty, transferFee decimal.Decimal) {
	turnover := price.Mul(decimal.NewFromInt(volume))
	commission = s.commission(turnover)
	stampDuty = roundFee(turnover.Mul(s.stampDutyRate))
	transferFee = roundFee(turnover.Mul(s.transferFeeRate))
	total = turnover.Sub(commission).Sub(stampDuty).Sub(transferFee)
	return total, commission, stampDuty, transferFee
}

func (s Schedule) commission(turnover decimal.Decimal) decimal.Decimal {
	c := roundFee(turnover.Mul(s.commissionRate))
	if c.LessThan(s.minimumCommission) {
		return s.minimumCommission
	}
	return c
}

// roundFee rounds a fee to 2 decimal places, half away from zero.
func roundFee(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
