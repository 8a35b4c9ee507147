package portfolio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolin/vigil/internal/domain"
)

// stubMarketData fakes the cache-backed readers and the price history
// with canned ascending bar series.
type stubMarketData struct {
	bars    map[string][]domain.PriceRecord
	factors map[string][]domain.FactorExposure
}

func (s *stubMarketData) GetPrice(symbol, date string) (domain.PriceRecord, bool, error) {
	for _, bar := range s.bars[symbol] {
		if bar.Date == date {
			return bar, true, nil
		}
	}
	return domain.PriceRecord{}, false, nil
}

func (s *stubMarketData) GetFactors(symbol, date string) ([]domain.FactorExposure, bool, error) {
	exposures, ok := s.factors[symbol]
	return exposures, ok, nil
}

func (s *stubMarketData) GetRange(symbol, from, to string) ([]domain.PriceRecord, error) {
	var out []domain.PriceRecord
	for _, bar := range s.bars[symbol] {
		if bar.Date >= from && bar.Date <= to {
			out = append(out, bar)
		}
	}
	return out, nil
}

// series builds consecutive-day bars from a close sequence ending at `end`.
func series(symbol, end string, closes []float64) []domain.PriceRecord {
	endDay, _ := time.Parse(domain.DateFormat, end)
	bars := make([]domain.PriceRecord, len(closes))
	for i, c := range closes {
		day := endDay.AddDate(0, 0, i-len(closes)+1)
		bars[i] = domain.PriceRecord{Symbol: symbol, Date: day.Format(domain.DateFormat), Close: c}
	}
	return bars
}

func newAnalytics(md *stubMarketData) *AnalyticsService {
	return NewAnalyticsService(md, md, md, nil, zerolog.Nop())
}

func TestValuePositionsUsesClosePrices(t *testing.T) {
	md := &stubMarketData{bars: map[string][]domain.PriceRecord{
		"AAPL": {{Symbol: "AAPL", Date: "2025-10-06", Close: 200}},
		"MSFT": {{Symbol: "MSFT", Date: "2025-10-06", Close: 400}},
	}}
	svc := newAnalytics(md)

	v, err := svc.ValuePositions([]domain.Position{
		{PortfolioID: "p1", Symbol: "AAPL", Quantity: 10, CostBasis: 1500},
		{PortfolioID: "p1", Symbol: "MSFT", Quantity: 5, CostBasis: 1800},
	}, "2025-10-06")
	require.NoError(t, err)

	assert.InDelta(t, 4000, v.Equity, 1e-9)
	assert.InDelta(t, 3300, v.CostBasis, 1e-9)
	assert.InDelta(t, 2000, v.ValueBy["AAPL"], 1e-9)
	assert.InDelta(t, 2000, v.ValueBy["MSFT"], 1e-9)
}

func TestValuePositionsFallsBackToLastClose(t *testing.T) {
	// HALT has no bar on the valuation date; its last close two days
	// earlier is used instead.
	md := &stubMarketData{bars: map[string][]domain.PriceRecord{
		"HALT": {{Symbol: "HALT", Date: "2025-10-04", Close: 50}},
	}}
	svc := newAnalytics(md)

	v, err := svc.ValuePositions([]domain.Position{
		{PortfolioID: "p1", Symbol: "HALT", Quantity: 2, CostBasis: 90},
	}, "2025-10-06")
	require.NoError(t, err)
	assert.InDelta(t, 100, v.Equity, 1e-9)
}

func TestValuePositionsFailsWithNoPriceAtAll(t *testing.T) {
	svc := newAnalytics(&stubMarketData{bars: map[string][]domain.PriceRecord{}})

	_, err := svc.ValuePositions([]domain.Position{
		{PortfolioID: "p1", Symbol: "GHOST", Quantity: 1},
	}, "2025-10-06")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price available for GHOST")
}

func TestComputeCorrelationsPerfectlyCorrelatedPair(t *testing.T) {
	// Two series making identical relative moves: correlation 1.
	// A third symbol with too little history is silently omitted.
	n := 30
	closesA := make([]float64, n)
	closesB := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		move := 1.0
		if i%2 == 1 {
			move = -0.4
		}
		price += move
		closesA[i] = price
		closesB[i] = price * 3
	}

	md := &stubMarketData{bars: map[string][]domain.PriceRecord{
		"AAPL": series("AAPL", "2025-10-06", closesA),
		"MSFT": series("MSFT", "2025-10-06", closesB),
		"NEWB": series("NEWB", "2025-10-06", []float64{10, 11}),
	}}
	svc := newAnalytics(md)

	positions := []domain.Position{
		{Symbol: "MSFT"}, {Symbol: "AAPL"}, {Symbol: "NEWB"},
	}
	pairs, err := svc.ComputeCorrelations("p1", positions, "2025-10-06")
	require.NoError(t, err)
	require.Len(t, pairs, 1, "pairs touching the thin-history symbol are dropped")

	pair := pairs[0]
	assert.Equal(t, "AAPL", pair.SymbolA, "pair symbols are ordered")
	assert.Equal(t, "MSFT", pair.SymbolB)
	assert.InDelta(t, 1.0, pair.Correlation, 1e-9)
}

func TestAggregateExposuresWeightsByEquityShare(t *testing.T) {
	md := &stubMarketData{factors: map[string][]domain.FactorExposure{
		"AAPL": {
			{Symbol: "AAPL", FactorID: "market", Beta: 1.2},
			{Symbol: "AAPL", FactorID: "growth", Beta: 0.8},
		},
		"TLT": {
			{Symbol: "TLT", FactorID: "market", Beta: 0.1},
			{Symbol: "TLT", FactorID: "rates", Beta: 1.0},
		},
	}}
	svc := newAnalytics(md)

	valuation := &Valuation{
		Equity:  1000,
		ValueBy: map[string]float64{"AAPL": 750, "TLT": 250},
	}
	exposures, err := svc.AggregateExposures("p1", valuation, "2025-10-06")
	require.NoError(t, err)
	require.Len(t, exposures, 3)

	byFactor := map[string]float64{}
	for _, e := range exposures {
		byFactor[e.FactorID] = e.Exposure
	}
	assert.InDelta(t, 0.75*1.2+0.25*0.1, byFactor["market"], 1e-9)
	assert.InDelta(t, 0.75*0.8, byFactor["growth"], 1e-9)
	assert.InDelta(t, 0.25*1.0, byFactor["rates"], 1e-9)

	// Output is sorted by factor for stable persistence
	assert.Equal(t, "growth", exposures[0].FactorID)
	assert.Equal(t, "market", exposures[1].FactorID)
	assert.Equal(t, "rates", exposures[2].FactorID)
}

func TestAggregateExposuresSkipsSymbolsWithoutFactors(t *testing.T) {
	md := &stubMarketData{factors: map[string][]domain.FactorExposure{
		"AAPL": {{Symbol: "AAPL", FactorID: "market", Beta: 1.0}},
	}}
	svc := newAnalytics(md)

	valuation := &Valuation{
		Equity:  1000,
		ValueBy: map[string]float64{"AAPL": 500, "NEWB": 500},
	}
	exposures, err := svc.AggregateExposures("p1", valuation, "2025-10-06")
	require.NoError(t, err)
	require.Len(t, exposures, 1)
	assert.InDelta(t, 0.5, exposures[0].Exposure, 1e-9, "the uncovered symbol contributes nothing")
}

func TestRunStressTestsAppliesLinearShocks(t *testing.T) {
	svc := NewAnalyticsService(nil, nil, nil, []StressScenario{
		{ID: "equity_selloff", Shocks: map[string]float64{"market": -0.20, "growth": -0.22}},
		{ID: "rates_only", Shocks: map[string]float64{"rates": -0.10}},
	}, zerolog.Nop())

	valuation := &Valuation{Equity: 10000}
	exposures := []domain.PortfolioFactorExposure{
		{FactorID: "market", Exposure: 1.0},
		{FactorID: "growth", Exposure: 0.5},
		// No rates exposure: the rates scenario prices to zero
	}

	results := svc.RunStressTests("p1", valuation, exposures, "2025-10-06")
	require.Len(t, results, 2)

	byScenario := map[string]domain.StressResult{}
	for _, r := range results {
		byScenario[r.ScenarioID] = r
	}

	selloff := byScenario["equity_selloff"]
	assert.InDelta(t, -0.20*1.0+-0.22*0.5, selloff.PnLPct, 1e-9)
	assert.InDelta(t, 10000*selloff.PnLPct, selloff.PnLAmount, 1e-6)

	rates := byScenario["rates_only"]
	assert.Zero(t, rates.PnLPct)
	assert.Zero(t, rates.PnLAmount)
}
