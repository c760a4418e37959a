// Package strategy provides the registry of built-in trading strategies.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/engine"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Info describes a registered strategy.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry manages strategy factories by name. Each Create call returns a
// fresh instance, so concurrent runs never share strategy state.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]func() engine.Strategy
	infos     map[string]Info
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() engine.Strategy),
		infos:     make(map[string]Info),
	}

	r.Register("buy_and_hold", "Buys every instrument on the first day and holds to the end",
		func() engine.Strategy { return NewBuyAndHold(logger) })
	r.Register("sma_crossover", "Trades golden/death crosses of fast and slow close averages",
		func() engine.Strategy { return NewSMACrossover(logger, 5, 20) })
	r.Register("momentum", "Buys strong risers and exits when momentum fades",
		func() engine.Strategy { return NewMomentum(logger, 10, 0.03) })

	return r
}

// Register adds a strategy factory. Re-registering a name replaces it.
func (r *Registry) Register(name, description string, factory func() engine.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.infos[name] = Info{Name: name, Description: description}
}

// Create instantiates a strategy by name.
func (r *Registry) Create(name string) (engine.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// List returns the registered strategies sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Base provides no-op lifecycle hooks so strategies only override what they
// need.
type Base struct{}

func (Base) Initialize(ctx *engine.Context) error                       { return nil }
func (Base) BeforeTradingStart(ctx *engine.Context) error               { return nil }
func (Base) HandleData(ctx *engine.Context, _ map[string]types.Bar) error { return nil }
func (Base) HandleOrder(ctx *engine.Context, _ types.OrderReport)       {}
func (Base) HandleTrade(ctx *engine.Context, _ types.TradeRecord)       {}
func (Base) AfterTrading(ctx *engine.Context) error                     { return nil }

// BuyAndHold splits the starting cash evenly across the instruments seen on
// the first trading day and never trades again.
type BuyAndHold struct {
	Base
	logger *zap.Logger
	bought bool
}

// NewBuyAndHold creates a buy-and-hold strategy.
func NewBuyAndHold(logger *zap.Logger) *BuyAndHold {
	return &BuyAndHold{logger: logger}
}

func (s *BuyAndHold) HandleData(ctx *engine.Context, bars map[string]types.Bar) error {
	if s.bought || len(bars) == 0 {
		return nil
	}
	s.bought = true

	codes := make([]string, 0, len(bars))
	for code := range bars {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for i, code := range codes {
		price := bars[code].Close
		if !price.IsPositive() {
			continue
		}
		// Budget from the cash still available so slippage and fees on
		// earlier fills cannot starve the last instrument.
		remaining := int64(len(codes) - i)
		budget := ctx.Portfolio.Cash.Div(decimal.NewFromInt(remaining))
		// Size against price plus a margin for slippage and fees, rounded
		// down to whole 100-share lots.
		padded := price.Mul(decimal.NewFromFloat(1.005))
		lots := budget.Div(padded).IntPart() / 100
		if lots == 0 {
			s.logger.Debug("budget too small for one lot", zap.String("code", code))
			continue
		}
		res := ctx.Orders.Buy(code, price, lots*100)
		if !res.OK {
			s.logger.Warn("initial buy rejected",
				zap.String("code", code),
				zap.String("reason", res.Message),
			)
		}
	}
	return nil
}

// SMACrossover holds a position while the fast close average is above the
// slow one. Signals are evaluated per instrument once its history window has
// filled past the slow period.
type SMACrossover struct {
	Base
	logger     *zap.Logger
	fast, slow int
	wasAbove   map[string]bool
}

// NewSMACrossover creates an SMA crossover strategy with the given periods.
func NewSMACrossover(logger *zap.Logger, fast, slow int) *SMACrossover {
	if fast >= slow {
		fast = slow/4 + 1
	}
	return &SMACrossover{
		logger:   logger,
		fast:     fast,
		slow:     slow,
		wasAbove: make(map[string]bool),
	}
}

func (s *SMACrossover) HandleData(ctx *engine.Context, bars map[string]types.Bar) error {
	codes := make([]string, 0, len(bars))
	for code := range bars {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		closes := ctx.History().Get(code, "close")
		if len(closes) < s.slow {
			continue
		}

		// Zero padding in a not-yet-warm window would fake a cross.
		if closes[len(closes)-s.slow] == 0 {
			continue
		}
		fastAvg := tailMean(closes, s.fast)
		slowAvg := tailMean(closes, s.slow)

		above := fastAvg > slowAvg
		was, seen := s.wasAbove[code]
		s.wasAbove[code] = above
		if !seen {
			continue
		}

		price := bars[code].Close
		if above && !was {
			budget := ctx.Portfolio.Cash.Div(decimal.NewFromInt(4))
			lots := budget.Div(price).IntPart() / 100
			if lots > 0 {
				ctx.Orders.Buy(code, price, lots*100)
			}
		} else if !above && was {
			if pos, ok := ctx.Orders.Position(code); ok {
				ctx.Orders.Sell(code, price, pos.Volume)
			}
		}
	}
	return nil
}

// Momentum buys instruments whose close rose more than threshold over the
// lookback and exits when the move reverses.
type Momentum struct {
	Base
	logger    *zap.Logger
	lookback  int
	threshold float64
}

// NewMomentum creates a momentum strategy.
func NewMomentum(logger *zap.Logger, lookback int, threshold float64) *Momentum {
	return &Momentum{logger: logger, lookback: lookback, threshold: threshold}
}

func (s *Momentum) HandleData(ctx *engine.Context, bars map[string]types.Bar) error {
	codes := make([]string, 0, len(bars))
	for code := range bars {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		closes := ctx.History().Get(code, "close")
		if len(closes) < s.lookback+1 {
			continue
		}

		past := closes[len(closes)-1-s.lookback]
		current := closes[len(closes)-1]
		if past == 0 {
			continue
		}
		momentum := (current - past) / past

		price := bars[code].Close
		pos, held := ctx.Orders.Position(code)

		switch {
		case momentum > s.threshold && !held:
			budget := ctx.Portfolio.Cash.Div(decimal.NewFromInt(4))
			lots := budget.Div(price).IntPart() / 100
			if lots > 0 {
				ctx.Orders.Buy(code, price, lots*100)
			}
		case momentum < -s.threshold && held:
			ctx.Orders.Sell(code, price, pos.Volume)
		}
	}
	return nil
}

// tailMean averages the last n values of a series.
func tailMean(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}
