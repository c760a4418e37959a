package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/calendar"
	"github.com/nanlnjz1979/QWeSDK/internal/costs"
	"github.com/nanlnjz1979/QWeSDK/internal/history"
	"github.com/nanlnjz1979/QWeSDK/internal/ledger"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// State is the engine's lifecycle state. Transitions only move forward; Done
// is terminal.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateLiquidating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateLiquidating:
		return "liquidating"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Engine runs one multi-instrument daily backtest. It owns the run's ledger,
// rolling windows and context; none of them are shared across runs, so
// concurrent backtests simply construct independent engines.
type Engine struct {
	logger   *zap.Logger
	cfg      *types.BacktestConfig
	strategy Strategy

	series   map[string][]types.Bar
	byDay    map[time.Time]map[string]types.Bar
	calendar []time.Time

	ledger  *ledger.Ledger
	windows *history.Store
	context *Context

	state     atomic.Int32
	cancelled atomic.Bool

	currentDate time.Time
	dayBars     map[string]types.Bar
	lastPrices  map[string]decimal.Decimal
	daysDone    int
	equity      []types.EquityCurvePoint

	progressChan chan types.BacktestProgress
}

// New constructs an engine for one run. The common calendar is computed here;
// an empty intersection (including any instrument with no data at all) fails
// construction with calendar.ErrNoCommonDates.
func New(logger *zap.Logger, cfg *types.BacktestConfig, series map[string][]types.Bar, strat Strategy) (*Engine, error) {
	if strat == nil {
		return nil, fmt.Errorf("engine: strategy is required")
	}
	cfg.Normalize()

	dates := make(map[string][]time.Time, len(series))
	for code, bars := range series {
		ds := make([]time.Time, len(bars))
		for i, b := range bars {
			ds[i] = b.Date
		}
		dates[code] = ds
	}

	cal, err := calendar.Compute(dates, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("engine: compute calendar: %w", err)
	}

	byDay := make(map[time.Time]map[string]types.Bar, len(cal))
	for code, bars := range series {
		for _, b := range bars {
			day := calendar.Day(b.Date)
			if byDay[day] == nil {
				byDay[day] = make(map[string]types.Bar, len(series))
			}
			byDay[day][code] = b
		}
	}

	e := &Engine{
		logger:       logger,
		cfg:          cfg,
		strategy:     strat,
		series:       series,
		byDay:        byDay,
		calendar:     cal,
		ledger:       ledger.New(logger, cfg.InitialCapital, costs.NewSchedule(cfg.Costs)),
		windows:      history.NewStore(cfg.WindowCapacity),
		lastPrices:   make(map[string]decimal.Decimal, len(series)),
		progressChan: make(chan types.BacktestProgress, 64),
	}
	e.context = &Context{
		Portfolio: Portfolio{Cash: cfg.InitialCapital, TotalValue: cfg.InitialCapital},
		Vars:      make(map[string]any),
		eng:       e,
	}
	e.context.Orders = &OrderAPI{eng: e}

	logger.Info("engine constructed",
		zap.String("id", cfg.ID),
		zap.Int("instruments", len(series)),
		zap.Int("tradingDays", len(cal)),
	)
	return e, nil
}

// Run executes the simulation to completion. Strategy callback errors and
// context cancellation are fatal; Cancel (or Context.Stop) short-circuits the
// remaining days and proceeds straight to forced liquidation.
func (e *Engine) Run(ctx context.Context) (*types.BacktestResult, error) {
	if State(e.state.Load()) != StateUninitialized {
		return nil, fmt.Errorf("engine: run already started")
	}
	startedAt := time.Now()
	defer close(e.progressChan)

	if err := e.strategy.Initialize(e.context); err != nil {
		return nil, &CallbackError{Phase: "initialize", Err: err}
	}
	e.state.Store(int32(StateInitialized))

	e.state.Store(int32(StateRunning))
	for _, day := range e.calendar {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("engine: run aborted: %w", err)
		}
		if e.cancelled.Load() {
			e.logger.Info("early stop requested", zap.Time("date", e.currentDate))
			break
		}
		if err := e.simulateDay(day); err != nil {
			return nil, err
		}
		e.daysDone++
		e.sendProgress()
	}

	e.state.Store(int32(StateLiquidating))
	if err := e.liquidate(); err != nil {
		return nil, err
	}

	if fin, ok := e.strategy.(Finalizer); ok {
		if err := fin.AfterBacktest(e.context); err != nil {
			return nil, &CallbackError{Phase: "after_backtest", Err: err}
		}
	}
	e.state.Store(int32(StateDone))

	result := e.buildResult(startedAt)
	e.logger.Info("backtest completed",
		zap.String("id", e.cfg.ID),
		zap.Int("trades", len(result.Trades)),
		zap.String("finalValue", result.Summary.FinalValue.String()),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// simulateDay runs the full lifecycle for one calendar date.
func (e *Engine) simulateDay(day time.Time) error {
	e.currentDate = day
	e.context.CurrentDate = day

	if err := e.strategy.BeforeTradingStart(e.context); err != nil {
		return &CallbackError{Phase: "before_trading_start", Err: err}
	}

	// Instruments with no bar for this date are simply absent today.
	e.dayBars = make(map[string]types.Bar, len(e.series))
	for code, bar := range e.byDay[day] {
		e.dayBars[code] = bar
		e.windows.Update(bar)
		e.lastPrices[code] = bar.Close
	}

	if err := e.strategy.HandleData(e.context, e.dayBars); err != nil {
		return &CallbackError{Phase: "handle_data", Err: err}
	}
	if err := e.strategy.AfterTrading(e.context); err != nil {
		return &CallbackError{Phase: "after_trading", Err: err}
	}

	e.syncPortfolio()
	e.equity = append(e.equity, types.EquityCurvePoint{
		Date:       day,
		TotalValue: e.context.Portfolio.TotalValue,
		Cash:       e.context.Portfolio.Cash,
	})
	return nil
}

// liquidate force-sells every remaining open position at its most recent
// known close (falling back to a configured price), recorded as ordinary
// sell trades.
func (e *Engine) liquidate() error {
	positions := e.ledger.Positions()
	codes := make([]string, 0, len(positions))
	for code := range positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		pos := positions[code]
		price, ok := e.lastPrices[code]
		if !ok {
			price, ok = e.cfg.LiquidationPrices[code]
		}
		if !ok {
			e.logger.Warn("no close-out price known, position left open",
				zap.String("code", code),
				zap.Int64("volume", pos.Volume),
			)
			continue
		}
		res := e.execute(types.DirectionSell, code, price, pos.Volume)
		if !res.OK {
			e.logger.Warn("forced liquidation rejected",
				zap.String("code", code),
				zap.String("reason", res.Message),
			)
		}
	}
	return nil
}

// execute routes an order to the ledger and fires the order/trade callbacks
// synchronously before refreshing the context portfolio.
func (e *Engine) execute(dir types.Direction, code string, price decimal.Decimal, volume int64) ledger.Result {
	var res ledger.Result
	if dir == types.DirectionBuy {
		res = e.ledger.Buy(code, price, volume, e.currentDate)
	} else {
		res = e.ledger.Sell(code, price, volume, e.currentDate)
	}

	report := types.OrderReport{
		Timestamp: e.currentDate,
		Code:      code,
		Direction: dir,
		Price:     price,
		Volume:    volume,
	}
	if res.OK {
		report.OrderID = res.OrderID
		report.Status = types.OrderStatusFilled
	} else {
		report.Status = types.OrderStatusRejected
		report.Reject = res.Reject
	}
	report.Message = res.Message

	e.strategy.HandleOrder(e.context, report)
	if res.OK {
		if trade, ok := e.ledger.LastTrade(); ok {
			e.strategy.HandleTrade(e.context, trade)
		}
	}
	e.syncPortfolio()
	return res
}

// reportRejected surfaces an order that never reached the ledger, such as an
// amount order for an instrument with no data today.
func (e *Engine) reportRejected(dir types.Direction, code string, price decimal.Decimal, volume int64, res ledger.Result) {
	e.strategy.HandleOrder(e.context, types.OrderReport{
		Timestamp: e.currentDate,
		Code:      code,
		Direction: dir,
		Price:     price,
		Volume:    volume,
		Status:    types.OrderStatusRejected,
		Reject:    res.Reject,
		Message:   res.Message,
	})
}

// syncPortfolio refreshes the ledger-derived context fields. The engine is
// the only writer of these.
func (e *Engine) syncPortfolio() {
	e.context.Portfolio = Portfolio{
		Cash:       e.ledger.Cash(),
		Positions:  e.ledger.Positions(),
		TotalValue: e.ledger.TotalValue(e.lastPrices),
	}
}

// Cancel requests early termination. The day loop short-circuits to forced
// liquidation before the next date.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Calendar returns the run's trading dates.
func (e *Engine) Calendar() []time.Time { return e.calendar }

// ProgressChan streams per-day progress updates. It is closed when Run
// returns.
func (e *Engine) ProgressChan() <-chan types.BacktestProgress { return e.progressChan }

// Progress returns a snapshot of the run's progress.
func (e *Engine) Progress() types.BacktestProgress {
	return types.BacktestProgress{
		ID:             e.cfg.ID,
		Status:         e.State().String(),
		CurrentDate:    e.currentDate,
		DaysProcessed:  e.daysDone,
		TotalDays:      len(e.calendar),
		TradesExecuted: e.ledger.TradeCount(),
		TotalValue:     e.ledger.TotalValue(e.lastPrices),
	}
}

func (e *Engine) sendProgress() {
	select {
	case e.progressChan <- e.Progress():
	default:
		// Slow consumer, drop the update.
	}
}

func (e *Engine) buildResult(startedAt time.Time) *types.BacktestResult {
	completedAt := time.Now()
	finalValue := e.ledger.TotalValue(e.lastPrices)

	summary := types.RunSummary{
		FinalValue:      finalValue,
		TotalReturnPct:  e.ledger.ReturnPct(e.lastPrices).Mul(decimal.NewFromInt(100)),
		InstrumentCount: len(e.series),
		TradingDays:     len(e.calendar),
	}
	if len(e.calendar) > 0 {
		summary.StartDate = e.calendar[0]
		summary.EndDate = e.calendar[len(e.calendar)-1]
	}

	return &types.BacktestResult{
		ID:             e.cfg.ID,
		Summary:        summary,
		Trades:         e.ledger.TradeHistory(),
		EquityCurve:    e.equity,
		FinalCash:      e.ledger.Cash(),
		FinalPositions: e.ledger.Positions(),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Duration:       completedAt.Sub(startedAt),
	}
}
