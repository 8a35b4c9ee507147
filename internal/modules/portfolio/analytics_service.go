package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/astrolin/vigil/internal/domain"
)

// CorrelationWindowDays is the trading-day return window for pairwise
// position correlations.
const CorrelationWindowDays = 63

// minCorrelationObservations is the fewest paired returns accepted
// before a pair is reported.
const minCorrelationObservations = 20

// StressScenario shocks factor return assumptions and prices the
// portfolio's aggregated exposures against them.
type StressScenario struct {
	ID     string
	Shocks map[string]float64 // factor_id -> assumed factor return
}

// DefaultScenarios is the stress suite applied when none is configured.
var DefaultScenarios = []StressScenario{
	{ID: "equity_selloff", Shocks: map[string]float64{"market": -0.20, "size": -0.25, "growth": -0.22, "value": -0.15}},
	{ID: "rates_shock", Shocks: map[string]float64{"rates": -0.10, "market": -0.05}},
	{ID: "growth_rotation", Shocks: map[string]float64{"growth": -0.15, "value": 0.08}},
	{ID: "broad_rally", Shocks: map[string]float64{"market": 0.10, "size": 0.12}},
}

// PriceHistory is the slice of price repository behaviour the analytics
// service needs.
type PriceHistory interface {
	GetRange(symbol, from, to string) ([]domain.PriceRecord, error)
}

// FactorReader serves per-symbol factor exposures, cache-first.
type FactorReader interface {
	GetFactors(symbol, date string) ([]domain.FactorExposure, bool, error)
}

// PriceReader serves single price bars, cache-first.
type PriceReader interface {
	GetPrice(symbol, date string) (domain.PriceRecord, bool, error)
}

// AnalyticsService computes the derived per-portfolio analytics consumed
// by the refresh runner: snapshot valuation, correlations, factor
// aggregation, and stress P&L.
type AnalyticsService struct {
	priceReader  PriceReader
	factorReader FactorReader
	history      PriceHistory
	scenarios    []StressScenario
	log          zerolog.Logger
}

// NewAnalyticsService creates a new portfolio analytics service
func NewAnalyticsService(
	priceReader PriceReader,
	factorReader FactorReader,
	history PriceHistory,
	scenarios []StressScenario,
	log zerolog.Logger,
) *AnalyticsService {
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios
	}
	return &AnalyticsService{
		priceReader:  priceReader,
		factorReader: factorReader,
		history:      history,
		scenarios:    scenarios,
		log:          log.With().Str("service", "portfolio_analytics").Logger(),
	}
}

// Valuation holds the per-symbol market values backing a snapshot.
type Valuation struct {
	Equity    float64
	CostBasis float64
	ValueBy   map[string]float64 // symbol -> market value
}

// ValuePositions prices every position as of a date. A symbol with no
// bar on the date (halted, illiquid) is valued at its most recent close
// at or before the date.
func (s *AnalyticsService) ValuePositions(positions []domain.Position, date string) (*Valuation, error) {
	v := &Valuation{ValueBy: make(map[string]float64, len(positions))}

	for _, pos := range positions {
		closePrice, err := s.closeAsOf(pos.Symbol, date)
		if err != nil {
			return nil, err
		}

		value := pos.Quantity * closePrice
		v.ValueBy[pos.Symbol] = value
		v.Equity += value
		v.CostBasis += pos.CostBasis
	}

	return v, nil
}

// closeAsOf returns the close for (symbol, date), falling back to the
// most recent close at or before the date.
func (s *AnalyticsService) closeAsOf(symbol, date string) (float64, error) {
	rec, ok, err := s.priceReader.GetPrice(symbol, date)
	if err != nil {
		return 0, err
	}
	if ok {
		return rec.Close, nil
	}

	from := shiftDate(date, -14)
	bars, err := s.history.GetRange(symbol, from, date)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("no price available for %s at or before %s", symbol, date)
	}
	return bars[len(bars)-1].Close, nil
}

// ComputeCorrelations computes pairwise Pearson correlations of daily
// returns among held symbols. Pairs with too few aligned observations
// are omitted. SymbolA sorts before SymbolB in every emitted pair.
func (s *AnalyticsService) ComputeCorrelations(portfolioID string, positions []domain.Position, date string) ([]domain.CorrelationPair, error) {
	symbols := make([]string, 0, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, pos.Symbol)
	}
	sort.Strings(symbols)

	from := shiftDate(date, -(CorrelationWindowDays*7/5 + 10))
	returnsBySymbol := make(map[string]map[string]float64, len(symbols))
	for _, symbol := range symbols {
		bars, err := s.history.GetRange(symbol, from, date)
		if err != nil {
			return nil, err
		}
		returnsBySymbol[symbol] = dailyReturns(bars)
	}

	var pairs []domain.CorrelationPair
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			xs, ys := alignedReturns(returnsBySymbol[symbols[i]], returnsBySymbol[symbols[j]])
			if len(xs) < minCorrelationObservations {
				s.log.Debug().
					Str("symbol_a", symbols[i]).
					Str("symbol_b", symbols[j]).
					Int("observations", len(xs)).
					Msg("Too few aligned returns for correlation")
				continue
			}

			pairs = append(pairs, domain.CorrelationPair{
				PortfolioID:     portfolioID,
				CalculationDate: date,
				SymbolA:         symbols[i],
				SymbolB:         symbols[j],
				Correlation:     stat.Correlation(xs, ys, nil),
			})
		}
	}

	return pairs, nil
}

// AggregateExposures rolls symbol-level betas up to portfolio level,
// weighting each symbol by its share of portfolio equity. Symbols with
// no exposures for the date contribute nothing and are logged.
func (s *AnalyticsService) AggregateExposures(portfolioID string, valuation *Valuation, date string) ([]domain.PortfolioFactorExposure, error) {
	if valuation.Equity == 0 {
		return nil, nil
	}

	totals := make(map[string]float64)
	for symbol, value := range valuation.ValueBy {
		exposures, ok, err := s.factorReader.GetFactors(symbol, date)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Debug().Str("symbol", symbol).Str("date", date).Msg("No factor exposures for symbol, skipping in aggregation")
			continue
		}

		weight := value / valuation.Equity
		for _, exp := range exposures {
			totals[exp.FactorID] += weight * exp.Beta
		}
	}

	factorIDs := make([]string, 0, len(totals))
	for id := range totals {
		factorIDs = append(factorIDs, id)
	}
	sort.Strings(factorIDs)

	out := make([]domain.PortfolioFactorExposure, len(factorIDs))
	for i, id := range factorIDs {
		out[i] = domain.PortfolioFactorExposure{
			PortfolioID:     portfolioID,
			CalculationDate: date,
			FactorID:        id,
			Exposure:        totals[id],
		}
	}
	return out, nil
}

// RunStressTests prices each scenario against the aggregated exposures:
// expected P&L is the sum of exposure times assumed factor return,
// applied linearly to portfolio equity.
func (s *AnalyticsService) RunStressTests(portfolioID string, valuation *Valuation, exposures []domain.PortfolioFactorExposure, date string) []domain.StressResult {
	exposureBy := make(map[string]float64, len(exposures))
	for _, exp := range exposures {
		exposureBy[exp.FactorID] = exp.Exposure
	}

	results := make([]domain.StressResult, 0, len(s.scenarios))
	for _, scenario := range s.scenarios {
		pnlPct := 0.0
		for factorID, shock := range scenario.Shocks {
			pnlPct += exposureBy[factorID] * shock
		}

		results = append(results, domain.StressResult{
			PortfolioID:     portfolioID,
			CalculationDate: date,
			ScenarioID:      scenario.ID,
			PnLAmount:       valuation.Equity * pnlPct,
			PnLPct:          pnlPct,
		})
	}

	return results
}

// dailyReturns converts ascending bars to a date-keyed return map.
func dailyReturns(bars []domain.PriceRecord) map[string]float64 {
	returns := make(map[string]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close == 0 {
			continue
		}
		returns[bars[i].Date] = (bars[i].Close - bars[i-1].Close) / bars[i-1].Close
	}
	return returns
}

// alignedReturns intersects two date-keyed return maps into paired
// observation slices with a stable order.
func alignedReturns(a, b map[string]float64) (xs, ys []float64) {
	dates := make([]string, 0, len(a))
	for date := range a {
		if _, ok := b[date]; ok {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	xs = make([]float64, len(dates))
	ys = make([]float64, len(dates))
	for i, date := range dates {
		xs[i] = a[date]
		ys[i] = b[date]
	}
	return xs, ys
}

// shiftDate moves a YYYY-MM-DD date by a number of calendar days.
func shiftDate(date string, days int) string {
	t, err := time.Parse(domain.DateFormat, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format(domain.DateFormat)
}
