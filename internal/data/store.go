// Package data provides storage and loading of daily bar series.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/calendar"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Store provides access to historical daily bars, one JSON file per
// instrument under the data directory.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*InstrumentMetadata
}

// InstrumentMetadata describes the available data for one instrument.
type InstrumentMetadata struct {
	Code      string    `json:"code"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a data store rooted at dataDir, creating it if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*InstrumentMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads the daily bars for one instrument clipped to [start, end].
// Instruments with no data file get a deterministic generated series, so
// backtests are runnable out of the box.
func (s *Store) LoadBars(ctx context.Context, code string, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[code]; ok {
		return filterByDateRange(cached, start, end), nil
	}

	filename := filepath.Join(s.dataDir, code+".json")
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("generating sample bars", zap.String("code", code))
			bars := generateSampleBars(code, start, end)
			s.cache[code] = bars
			return bars, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", code, err)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})
	for i := range bars {
		bars[i].Code = code
	}

	s.cache[code] = bars
	return filterByDateRange(bars, start, end), nil
}

// LoadSeries loads bars for every requested instrument keyed by code.
func (s *Store) LoadSeries(ctx context.Context, codes []string, start, end time.Time) (map[string][]types.Bar, error) {
	series := make(map[string][]types.Bar, len(codes))
	for _, code := range codes {
		bars, err := s.LoadBars(ctx, code, start, end)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", code, err)
		}
		series[code] = bars
	}
	return series, nil
}

// SaveBars writes an instrument's bars to disk and refreshes cache and
// metadata.
func (s *Store) SaveBars(code string, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}

	filename := filepath.Join(s.dataDir, code+".json")
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[code] = bars
	if len(bars) > 0 {
		s.metadata[code] = &InstrumentMetadata{
			Code:      code,
			StartDate: bars[0].Date,
			EndDate:   bars[len(bars)-1].Date,
			BarCount:  len(bars),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("failed to save metadata", zap.Error(err))
	}
	return nil
}

// Instruments returns all instruments known to the metadata index, sorted.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.metadata))
	for code := range s.metadata {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// DataRange returns the available date range for an instrument.
func (s *Store) DataRange(code string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[code]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for %s", code)
}

// ClearCache drops the in-memory bar cache.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of cached instrument series.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func filterByDateRange(bars []types.Bar, start, end time.Time) []types.Bar {
	start, end = calendar.Day(start), calendar.Day(end)
	var filtered []types.Bar
	for _, bar := range bars {
		day := calendar.Day(bar.Date)
		if day.Before(start) || day.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}
	return filtered
}

// generateSampleBars produces a random-walk weekday series. The generator is
// seeded from the instrument code, so repeated loads are identical.
func generateSampleBars(code string, start, end time.Time) []types.Bar {
	h := fnv.New64a()
	h.Write([]byte(code))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 10.0 + rng.Float64()*90.0

	var bars []types.Bar
	for d := calendar.Day(start); !d.After(calendar.Day(end)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		open := price
		price *= 1 + (rng.Float64()-0.5)*0.04
		close := price
		high := maxFloat(open, close) * (1 + rng.Float64()*0.01)
		low := minFloat(open, close) * (1 - rng.Float64()*0.01)

		bars = append(bars, types.Bar{
			Code:   code,
			Date:   d,
			Open:   decimal.NewFromFloat(open).Round(2),
			High:   decimal.NewFromFloat(high).Round(2),
			Low:    decimal.NewFromFloat(low).Round(2),
			Close:  decimal.NewFromFloat(close).Round(2),
			Volume: decimal.NewFromInt(int64(rng.Intn(9_000_000) + 1_000_000)),
		})
	}
	return bars
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*InstrumentMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}
