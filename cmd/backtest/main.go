// Package main provides a one-shot command line backtest runner.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/config"
	"github.com/nanlnjz1979/QWeSDK/internal/data"
	"github.com/nanlnjz1979/QWeSDK/internal/engine"
	"github.com/nanlnjz1979/QWeSDK/internal/report"
	"github.com/nanlnjz1979/QWeSDK/internal/strategy"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file path (optional)")
	strategyName := flag.String("strategy", "", "Strategy to run")
	instruments := flag.String("instruments", "", "Comma-separated instrument codes")
	start := flag.String("start", "", "Start date (YYYY-MM-DD)")
	end := flag.String("end", "", "End date (YYYY-MM-DD)")
	capital := flag.Float64("capital", 0, "Initial capital")
	dataDir := flag.String("data", "", "Data directory")
	withTrades := flag.Bool("trades", false, "Include the full trade log in the output")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	app, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config file.
	cfg := app.Backtest
	if cfg.ID == "" {
		cfg.ID = "cli"
	}
	if *strategyName != "" {
		cfg.Strategy = *strategyName
	}
	if codes := splitCodes(*instruments); len(codes) > 0 {
		cfg.Instruments = codes
	}
	if *capital > 0 {
		cfg.InitialCapital = decimal.NewFromFloat(*capital)
	}
	if *start != "" {
		if cfg.StartDate, err = parseDate(*start); err != nil {
			fmt.Fprintf(os.Stderr, "invalid start date: %v\n", err)
			os.Exit(1)
		}
	}
	if *end != "" {
		if cfg.EndDate, err = parseDate(*end); err != nil {
			fmt.Fprintf(os.Stderr, "invalid end date: %v\n", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		app.Data.DataDir = *dataDir
	}

	if cfg.Strategy == "" {
		fmt.Fprintln(os.Stderr, "a strategy is required (-strategy or config file)")
		os.Exit(1)
	}
	if len(cfg.Instruments) == 0 {
		fmt.Fprintln(os.Stderr, "at least one instrument is required (-instruments or config file)")
		os.Exit(1)
	}
	if cfg.StartDate.IsZero() || cfg.EndDate.IsZero() {
		fmt.Fprintln(os.Stderr, "start and end dates are required")
		os.Exit(1)
	}
	cfg.Normalize()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := run(ctx, logger, &cfg, app.Data.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest failed: %v\n", err)
		os.Exit(1)
	}

	metrics := report.NewCalculator(logger).Calculate(result, cfg.InitialCapital)

	out := map[string]any{
		"summary": result.Summary,
		"metrics": metrics,
	}
	if *withTrades {
		out["trades"] = result.Trades
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *types.BacktestConfig, dataDir string) (*types.BacktestResult, error) {
	store, err := data.NewStore(logger, dataDir)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}

	series, err := store.LoadSeries(ctx, cfg.Instruments, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}

	registry := strategy.NewRegistry(logger)
	strat, err := registry.Create(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(logger, cfg, series, strat)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx)
}

func splitCodes(raw string) []string {
	var codes []string
	for _, part := range strings.Split(raw, ",") {
		if code := strings.TrimSpace(part); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	return time.Parse("2006-01-02", raw)
}
