package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolin/vigil/internal/domain"
)

// fakeStorage serves canned rows and can hold the bulk load open so
// tests exercise the cold-start window deterministically.
type fakeStorage struct {
	prices  []domain.PriceRecord
	factors []domain.FactorExposure

	loadGate    chan struct{} // when non-nil, bulk load blocks until closed
	priceReads  int
	factorReads int
}

func (s *fakeStorage) GetPrice(symbol, date string) (*domain.PriceRecord, error) {
	s.priceReads++
	for _, rec := range s.prices {
		if rec.Symbol == symbol && rec.Date == date {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeStorage) GetFactors(symbol, date string) ([]domain.FactorExposure, error) {
	s.factorReads++
	var out []domain.FactorExposure
	for _, exp := range s.factors {
		if exp.Symbol == symbol && exp.CalculationDate == date {
			out = append(out, exp)
		}
	}
	return out, nil
}

func (s *fakeStorage) LoadAllPrices(fn func(domain.PriceRecord) error) error {
	if s.loadGate != nil {
		<-s.loadGate
	}
	for _, rec := range s.prices {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStorage) LoadAllFactors(fn func(domain.FactorExposure) error) error {
	for _, exp := range s.factors {
		if err := fn(exp); err != nil {
			return err
		}
	}
	return nil
}

func aaplBar() domain.PriceRecord {
	return domain.PriceRecord{Symbol: "AAPL", Date: "2025-10-17", Open: 100, High: 102, Low: 99, Close: 101}
}

func TestColdStartFallsBackToStorage(t *testing.T) {
	storage := &fakeStorage{
		prices:   []domain.PriceRecord{aaplBar()},
		loadGate: make(chan struct{}),
	}
	c := New(storage, time.Minute, zerolog.Nop())
	c.Start(context.Background())

	// Load is held open: lookups must still return storage values
	rec, ok, err := c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, aaplBar(), rec)
	assert.Equal(t, 1, storage.priceReads)
	assert.False(t, c.IsReady())

	close(storage.loadGate)
	require.Eventually(t, c.IsReady, 2*time.Second, 10*time.Millisecond)

	// After warm-up, the same read is served from memory
	before := storage.priceReads
	rec, ok, err = c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, aaplBar(), rec)
	assert.Equal(t, before, storage.priceReads)
}

func TestWarmupReadMatchesStorageRead(t *testing.T) {
	storage := &fakeStorage{
		prices: []domain.PriceRecord{aaplBar()},
		factors: []domain.FactorExposure{
			{Symbol: "AAPL", CalculationDate: "2025-10-17", FactorID: "market", Beta: 1.1, RSquared: 0.8},
		},
		loadGate: make(chan struct{}),
	}
	defer close(storage.loadGate)

	c := New(storage, time.Minute, zerolog.Nop())
	c.Start(context.Background())

	// During the warm-up window, cache answers equal direct storage answers
	rec, ok, err := c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	direct, err := storage.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	assert.Equal(t, *direct, rec)

	exps, ok, err := c.GetFactors("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	directExps, err := storage.GetFactors("AAPL", "2025-10-17")
	require.NoError(t, err)
	assert.Equal(t, directExps, exps)

	// Absent keys miss in both paths
	_, ok, err = c.GetPrice("ZZZZ", "2025-10-17")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadinessTimeoutWithStuckLoad(t *testing.T) {
	storage := &fakeStorage{loadGate: make(chan struct{})}
	defer close(storage.loadGate)

	c := New(storage, 50*time.Millisecond, zerolog.Nop())
	c.Start(context.Background())

	assert.False(t, c.IsReady())
	require.Eventually(t, c.IsReady, 2*time.Second, 10*time.Millisecond)

	// Load never finished, so reads still fall through to storage
	_, _, loaded := c.Stats()
	assert.False(t, loaded)
}

func TestPutUpdatesExactKeys(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, time.Minute, zerolog.Nop())
	c.Start(context.Background())
	require.Eventually(t, func() bool { _, _, loaded := c.Stats(); return loaded }, 2*time.Second, 10*time.Millisecond)

	c.PutPrice(aaplBar())
	c.PutFactors("AAPL", "2025-10-17", []domain.FactorExposure{
		{Symbol: "AAPL", CalculationDate: "2025-10-17", FactorID: "market", Beta: 1.2},
	})

	rec, ok, err := c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.0, rec.Close)

	exps, ok, err := c.GetFactors("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, exps, 1)
	assert.Equal(t, 1.2, exps[0].Beta)

	// Other dates for the same symbol are untouched misses
	_, ok, err = c.GetPrice("AAPL", "2025-10-16")
	require.NoError(t, err)
	assert.False(t, ok)

	c.Invalidate("AAPL", "2025-10-17")
	_, ok, err = c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutDuringLoadSurvivesSwap(t *testing.T) {
	storage := &fakeStorage{
		prices:   []domain.PriceRecord{{Symbol: "AAPL", Date: "2025-10-17", Close: 90}},
		loadGate: make(chan struct{}),
	}
	c := New(storage, time.Minute, zerolog.Nop())
	c.Start(context.Background())

	// Fresher write lands while the bulk load is still running
	c.PutPrice(aaplBar())
	close(storage.loadGate)
	require.Eventually(t, func() bool { _, _, loaded := c.Stats(); return loaded }, 2*time.Second, 10*time.Millisecond)

	rec, ok, err := c.GetPrice("AAPL", "2025-10-17")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.0, rec.Close, "per-key write must win over the staged bulk row")
}
