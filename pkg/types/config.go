// Package types provides configuration types for the backtesting core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostConfig configures the transaction-cost model. Rates are fractions of
// turnover; MinimumCommission and Slippage are absolute currency amounts.
type CostConfig struct {
	CommissionRate    decimal.Decimal `json:"commissionRate" mapstructure:"commission_rate"`
	StampDutyRate     decimal.Decimal `json:"stampDutyRate" mapstructure:"stamp_duty_rate"`
	TransferFeeRate   decimal.Decimal `json:"transferFeeRate" mapstructure:"transfer_fee_rate"`
	MinimumCommission decimal.Decimal `json:"minimumCommission" mapstructure:"minimum_commission"`
	MinimumLot        int64           `json:"minimumLot" mapstructure:"minimum_lot"`
	Slippage          decimal.Decimal `json:"slippage" mapstructure:"slippage"`
}

// DefaultCostConfig returns the standard A-share fee schedule: 0.01% commission
// with a 5 CNY floor, 0.1% sell-side stamp duty, 0.002% transfer fee, 100-share
// lots and 0.01 slippage.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		CommissionRate:    decimal.NewFromFloat(0.0001),
		StampDutyRate:     decimal.NewFromFloat(0.001),
		TransferFeeRate:   decimal.NewFromFloat(0.00002),
		MinimumCommission: decimal.NewFromInt(5),
		MinimumLot:        100,
		Slippage:          decimal.NewFromFloat(0.01),
	}
}

// BacktestConfig is the full configuration of one simulation run.
type BacktestConfig struct {
	ID             string          `json:"id" mapstructure:"id"`
	Strategy       string          `json:"strategy" mapstructure:"strategy"`
	Instruments    []string        `json:"instruments" mapstructure:"instruments"`
	StartDate      time.Time       `json:"startDate" mapstructure:"start_date"`
	EndDate        time.Time       `json:"endDate" mapstructure:"end_date"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	Costs          CostConfig      `json:"costs" mapstructure:"costs"`

	// WindowCapacity is the rolling-history depth kept per instrument field.
	WindowCapacity int `json:"windowCapacity" mapstructure:"window_capacity"`

	// BuyPriceField and SellPriceField choose which bar field prices an
	// amount-style order ("open", "high", "low", "close").
	BuyPriceField  string `json:"buyPriceField" mapstructure:"buy_price_field"`
	SellPriceField string `json:"sellPriceField" mapstructure:"sell_price_field"`

	// LiquidationPrices supplies a close-out price for instruments whose
	// rolling history is still empty when the run ends.
	LiquidationPrices map[string]decimal.Decimal `json:"liquidationPrices,omitempty" mapstructure:"liquidation_prices"`
}

// Normalize fills unset fields with defaults.
func (c *BacktestConfig) Normalize() {
	if c.InitialCapital.IsZero() {
		c.InitialCapital = decimal.NewFromInt(1_000_000)
	}
	if c.Costs == (CostConfig{}) {
		c.Costs = DefaultCostConfig()
	}
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = 100
	}
	if c.BuyPriceField == "" {
		c.BuyPriceField = "open"
	}
	if c.SellPriceField == "" {
		c.SellPriceField = "close"
	}
}

// ServerConfig configures the HTTP/WebSocket API server.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	MaxConnections int           `json:"maxConnections" mapstructure:"max_connections"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DataConfig configures the bar-series store.
type DataConfig struct {
	DataDir string `json:"dataDir" mapstructure:"data_dir"`
}
