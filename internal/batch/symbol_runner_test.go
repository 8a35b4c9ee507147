package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/clients/marketdata"
	"github.com/astrolin/vigil/internal/domain"
)

type fakeUniverse struct {
	mu        sync.Mutex
	active    []string
	watermark string
	processed map[string]string
}

func (f *fakeUniverse) GetActiveSymbols() ([]string, error) { return f.active, nil }

func (f *fakeUniverse) MarkProcessed(symbol, processedDate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed == nil {
		f.processed = make(map[string]string)
	}
	f.processed[symbol] = processedDate
	return nil
}

func (f *fakeUniverse) EarliestWatermark() (string, error) { return f.watermark, nil }

type fakePriceStore struct {
	upserted []domain.PriceRecord
}

func (f *fakePriceStore) Upsert(records []domain.PriceRecord) error {
	f.upserted = append(f.upserted, records...)
	return nil
}

type fakeReferenceStore struct {
	upserted []domain.CompanyReference
}

func (f *fakeReferenceStore) Upsert(ref domain.CompanyReference) error {
	f.upserted = append(f.upserted, ref)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	computed []string
}

func (f *fakeMetrics) Compute(symbol, date string) (*domain.DailyMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computed = append(f.computed, symbol)
	return &domain.DailyMetrics{Symbol: symbol, MetricsDate: date}, nil
}

type fakeFactors struct {
	mu         sync.Mutex
	benchmarks []string
	failFor    map[string]bool
	computed   []string
}

func (f *fakeFactors) Compute(symbol, date string) ([]domain.FactorExposure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[symbol] {
		return nil, fmt.Errorf("no aligned observations for %s", symbol)
	}
	f.computed = append(f.computed, symbol)
	return []domain.FactorExposure{
		{Symbol: symbol, CalculationDate: date, FactorID: "market", Beta: 1.0, RSquared: 0.8},
	}, nil
}

func (f *fakeFactors) BenchmarkSymbols() []string { return f.benchmarks }

type fakeCacheWriter struct {
	mu      sync.Mutex
	prices  []domain.PriceRecord
	factors map[string][]domain.FactorExposure
}

func (f *fakeCacheWriter) PutPrices(records []domain.PriceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = append(f.prices, records...)
}

func (f *fakeCacheWriter) PutFactors(symbol, date string, exposures []domain.FactorExposure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.factors == nil {
		f.factors = make(map[string][]domain.FactorExposure)
	}
	f.factors[symbol+"|"+date] = exposures
}

type fakeProvider struct {
	mu          sync.Mutex
	failPrices  error
	failSymbols []string
	fetchDates  []string
	refs        map[string]domain.CompanyReference
}

func (f *fakeProvider) FetchPrices(ctx context.Context, symbols []string, from, to time.Time) (*marketdata.PriceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrices != nil {
		return nil, f.failPrices
	}

	date := from.Format(domain.DateFormat)
	f.fetchDates = append(f.fetchDates, date)

	failed := make(map[string]bool, len(f.failSymbols))
	for _, s := range f.failSymbols {
		failed[s] = true
	}

	resp := &marketdata.PriceResponse{
		Prices: make(map[string][]domain.PriceRecord),
		Failed: make(map[string]error),
	}
	for _, symbol := range symbols {
		if failed[symbol] {
			resp.Failed[symbol] = errors.New("unknown symbol")
			continue
		}
		resp.Prices[symbol] = []domain.PriceRecord{
			{Symbol: symbol, Date: date, Open: 100, High: 101, Low: 99, Close: 100.5},
		}
	}
	return resp, nil
}

func (f *fakeProvider) FetchCompanyReference(ctx context.Context, symbols []string) (map[string]domain.CompanyReference, error) {
	if f.refs != nil {
		return f.refs, nil
	}
	return map[string]domain.CompanyReference{}, nil
}

type symbolRunnerFixture struct {
	runner    *SymbolRunner
	universe  *fakeUniverse
	prices    *fakePriceStore
	reference *fakeReferenceStore
	metrics   *fakeMetrics
	factors   *fakeFactors
	provider  *fakeProvider
	cache     *fakeCacheWriter
	history   *HistoryRepository
	tracker   *Tracker
}

func newSymbolRunnerFixture(t *testing.T, active []string) *symbolRunnerFixture {
	t.Helper()

	f := &symbolRunnerFixture{
		universe:  &fakeUniverse{active: active},
		prices:    &fakePriceStore{},
		reference: &fakeReferenceStore{},
		metrics:   &fakeMetrics{},
		factors:   &fakeFactors{benchmarks: []string{"SPY"}},
		provider:  &fakeProvider{},
		cache:     &fakeCacheWriter{},
		history:   NewHistoryRepository(setupHistoryDB(t), zerolog.Nop()),
		tracker:   NewTracker(),
	}

	f.runner = NewSymbolRunner(
		f.universe, f.prices, f.reference, f.metrics, f.factors,
		f.provider, f.cache, f.history, f.tracker,
		calendar.NewWeekdayCalendar(),
		SymbolRunnerConfig{MinCoveragePct: 80, FetchConcurrency: 2},
		zerolog.Nop(),
	)
	return f
}

func TestSymbolRunnerCompletesAllPhases(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL", "MSFT"})

	err := f.runner.RunDate(context.Background(), "2025-10-06", "test")
	require.NoError(t, err)

	h, err := f.history.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, PhaseCompleted, h.MetricsStatus)
	assert.Equal(t, PhaseCompleted, h.PricesStatus)
	assert.Equal(t, PhaseSkipped, h.FundamentalsStatus)
	assert.Equal(t, PhaseCompleted, h.FactorsStatus)
	assert.InDelta(t, 100.0, h.DataCoveragePct, 1e-9)
	assert.Equal(t, 3, h.SymbolsFetched, "benchmark joins the universe for the fetch")
	require.NotNil(t, h.CompletedAt)

	// Watermarks advanced for every symbol including the benchmark
	assert.Equal(t, "2025-10-06", f.universe.processed["AAPL"])
	assert.Equal(t, "2025-10-06", f.universe.processed["MSFT"])
	assert.Equal(t, "2025-10-06", f.universe.processed["SPY"])

	// Cache saw the same keys written to storage
	assert.Len(t, f.cache.prices, 3)
	assert.Contains(t, f.cache.factors, "AAPL|2025-10-06")

	_, running := f.tracker.Current()
	assert.False(t, running, "tracker must be cleared after the run")
}

func TestSymbolRunnerToleratesPartialFailureAboveThreshold(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL", "GOOG", "MSFT", "XYZ"})
	f.provider.failSymbols = []string{"XYZ"}

	err := f.runner.RunDate(context.Background(), "2025-10-06", "test")
	require.NoError(t, err, "1 of 5 symbols failed keeps coverage exactly at the threshold")

	h, err := f.history.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, PhaseCompleted, h.FactorsStatus)
	assert.InDelta(t, 80.0, h.DataCoveragePct, 1e-9)

	_, marked := f.universe.processed["XYZ"]
	assert.False(t, marked, "failed symbol must not advance its watermark")
	assert.NotContains(t, f.cache.factors, "XYZ|2025-10-06")
	assert.Equal(t, "2025-10-06", f.universe.processed["AAPL"])
}

func TestSymbolRunnerToleratesConcurrentFactorFailures(t *testing.T) {
	// Factor failures surface mid-phase from concurrent workers, unlike
	// provider failures which are known before the factors loop starts.
	var active []string
	failing := make(map[string]bool)
	for i := 0; i < 99; i++ {
		symbol := fmt.Sprintf("S%03d", i)
		active = append(active, symbol)
		if i%5 == 0 {
			failing[symbol] = true
		}
	}

	f := newSymbolRunnerFixture(t, active)
	f.factors.failFor = failing
	f.runner = NewSymbolRunner(
		f.universe, f.prices, f.reference, f.metrics, f.factors,
		f.provider, f.cache, f.history, f.tracker,
		calendar.NewWeekdayCalendar(),
		SymbolRunnerConfig{MinCoveragePct: 80, FetchConcurrency: 16},
		zerolog.Nop(),
	)

	err := f.runner.RunDate(context.Background(), "2025-10-06", "test")
	require.NoError(t, err, "20 of 100 failed keeps coverage exactly at the threshold")

	h, err := f.history.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, PhaseCompleted, h.FactorsStatus)
	assert.InDelta(t, 80.0, h.DataCoveragePct, 1e-9)

	f.factors.mu.Lock()
	computed := len(f.factors.computed)
	f.factors.mu.Unlock()
	assert.Equal(t, 80, computed, "every surviving symbol incl. benchmark gets exposures")

	for symbol := range failing {
		_, marked := f.universe.processed[symbol]
		assert.False(t, marked, "failed symbol %s must not advance its watermark", symbol)
	}
	assert.Equal(t, "2025-10-06", f.universe.processed["S001"])
	assert.Equal(t, "2025-10-06", f.universe.processed["SPY"])
}

func TestSymbolRunnerFailsWhenCoverageBelowThreshold(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL", "GOOG", "MSFT", "XYZ"})
	f.provider.failSymbols = []string{"GOOG", "MSFT", "XYZ"}

	err := f.runner.RunDate(context.Background(), "2025-10-06", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coverage")

	h, herr := f.history.Get("2025-10-06")
	require.NoError(t, herr)
	require.NotNil(t, h)
	assert.Equal(t, PhaseFailed, h.FactorsStatus)
	assert.NotEmpty(t, h.ErrorMessage)
	assert.Nil(t, h.CompletedAt)
}

func TestSymbolRunnerFailsWhenProviderUnavailable(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL"})
	f.provider.failPrices = marketdata.ErrProviderUnavailable

	err := f.runner.RunDate(context.Background(), "2025-10-06", "test")
	require.Error(t, err)

	h, herr := f.history.Get("2025-10-06")
	require.NoError(t, herr)
	require.NotNil(t, h)
	assert.Equal(t, PhaseCompleted, h.MetricsStatus)
	assert.Equal(t, PhaseFailed, h.PricesStatus)
	assert.Equal(t, PhasePending, h.FactorsStatus)
	assert.Contains(t, h.ErrorMessage, "prices phase")

	assert.Empty(t, f.prices.upserted, "nothing persisted on wholesale provider failure")
}

func TestSymbolRunnerBackfillsMissedTradingDays(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL"})
	// Last completed run was Wednesday; "now" is Saturday, so Thursday
	// and Friday are owed.
	require.NoError(t, f.history.Upsert(RunHistory{
		RunDate: "2025-10-01", MetricsStatus: PhaseCompleted,
		PricesStatus: PhaseCompleted, FactorsStatus: PhaseCompleted,
	}))
	f.runner.now = func() time.Time {
		return time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)
	}

	err := f.runner.Run(context.Background(), "schedule")
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-10-02", "2025-10-03"}, f.provider.fetchDates)

	last, err := f.history.LastCompletedRunDate()
	require.NoError(t, err)
	assert.Equal(t, "2025-10-03", last)
}

func TestSymbolRunnerFirstRunProcessesLatestTradingDayOnly(t *testing.T) {
	f := newSymbolRunnerFixture(t, []string{"AAPL"})
	f.runner.now = func() time.Time {
		return time.Date(2025, 10, 6, 23, 0, 0, 0, time.UTC) // Monday
	}

	err := f.runner.Run(context.Background(), "schedule")
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-10-06"}, f.provider.fetchDates)
}
