package universe

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolin/vigil/internal/domain"
)

func newMetricsFixture(t *testing.T) (*MetricsService, *PriceRepository, *ReferenceRepository, *MetricsRepository) {
	t.Helper()
	db := setupTestDB(t)

	prices := NewPriceRepository(db, zerolog.Nop())
	reference := NewReferenceRepository(db, zerolog.Nop())
	metrics := NewMetricsRepository(db, zerolog.Nop())
	svc := NewMetricsService(prices, reference, metrics, zerolog.Nop())
	return svc, prices, reference, metrics
}

func TestMetricsComputeShortHistory(t *testing.T) {
	svc, prices, _, metricsRepo := newMetricsFixture(t)

	// Ten consecutive October bars, close climbing 100..109
	var records []domain.PriceRecord
	for i := 0; i < 10; i++ {
		records = append(records, domain.PriceRecord{
			Symbol: "AAPL",
			Date:   fmt.Sprintf("2025-10-%02d", i+1),
			Close:  100 + float64(i),
		})
	}
	require.NoError(t, prices.Upsert(records))

	m, err := svc.Compute("AAPL", "2025-10-10")
	require.NoError(t, err)

	assert.InDelta(t, 1.0/108.0, m.Return1D, 1e-9)
	assert.InDelta(t, 0.09, m.ReturnMTD, 1e-9, "month-to-date from the first October bar")
	assert.InDelta(t, 0.09, m.ReturnYTD, 1e-9, "first bar of the year is also the first of the month")
	assert.Zero(t, m.Return1M, "not enough bars for the 1-month window")
	assert.Zero(t, m.Return1Y)

	// The computed row is persisted
	stored, err := metricsRepo.Get("AAPL", "2025-10-10")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, m.Return1D, stored.Return1D, 1e-9)
}

func TestMetricsComputeMergesCompanyReference(t *testing.T) {
	svc, prices, reference, _ := newMetricsFixture(t)

	require.NoError(t, prices.Upsert([]domain.PriceRecord{
		{Symbol: "AAPL", Date: "2025-10-09", Close: 100},
		{Symbol: "AAPL", Date: "2025-10-10", Close: 102},
	}))
	require.NoError(t, reference.Upsert(domain.CompanyReference{
		Symbol: "AAPL", Sector: "Technology", PERatio: 28.5, MarketCap: 3.4e12,
	}))

	m, err := svc.Compute("AAPL", "2025-10-10")
	require.NoError(t, err)
	assert.Equal(t, "Technology", m.Sector)
	assert.InDelta(t, 28.5, m.PERatio, 1e-9)
	assert.InDelta(t, 3.4e12, m.MarketCap, 1)
}

func TestMetricsComputeRequiresBarOnDate(t *testing.T) {
	svc, prices, _, _ := newMetricsFixture(t)

	require.NoError(t, prices.Upsert([]domain.PriceRecord{
		{Symbol: "AAPL", Date: "2025-10-08", Close: 100},
		{Symbol: "AAPL", Date: "2025-10-09", Close: 101},
	}))

	_, err := svc.Compute("AAPL", "2025-10-10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price for AAPL on 2025-10-10")
}

func TestMetricsComputeRequiresHistory(t *testing.T) {
	svc, prices, _, _ := newMetricsFixture(t)

	require.NoError(t, prices.Upsert([]domain.PriceRecord{
		{Symbol: "AAPL", Date: "2025-10-10", Close: 100},
	}))

	_, err := svc.Compute("AAPL", "2025-10-10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient price history")
}
